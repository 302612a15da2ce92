package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
)

// ResponseToBytes returns the HTTP/1.1 representation of the response, body included.
// The response body stays readable for the caller.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	if err := Buffer(res); err != nil {
		return nil, err
	}
	bts, err := httputil.DumpResponse(res, true)
	if err != nil {
		return nil, err
	}
	return bts, nil
}

// BytesToResponse converts stored bytes back into a response for the given request.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// Buffer reads the whole body into memory so it can be consumed more than once.
func Buffer(res *http.Response) error {
	if res.Body == nil || res.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	// a buffered body is no longer chunked
	res.TransferEncoding = nil
	return nil
}

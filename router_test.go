package shellcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/shellcache/messaging"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterServesFromCache(t *testing.T) {
	tw := newTestWorker(t).start(t)
	server := httptest.NewServer(tw.Router())
	defer server.Close()

	res, err := http.Get(server.URL + "/index.html")
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "asset /index.html", string(b))
	assert.Equal(t, string(FromCache), res.Header.Get(sourceHeader))
	assert.Equal(t, 0, tw.transport.GetTotalCallCount())
}

func TestRouterProxiesPassthrough(t *testing.T) {
	tw := newTestWorker(t).start(t)
	type sentRequest struct {
		method string
		header http.Header
		body   string
	}
	upstream := make(chan sentRequest, 1)
	tw.transport.RegisterResponder(http.MethodPost, testOrigin+"/api/calculations", func(req *http.Request) (*http.Response, error) {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		upstream <- sentRequest{method: req.Method, header: req.Header.Clone(), body: string(b)}
		return httpmock.NewStringResponse(http.StatusCreated, "created"), nil
	})

	inbound := make(chan http.Header, 1)
	router := tw.Router()
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		inbound <- r.Header.Clone()
		router.ServeHTTP(rw, r)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/calculations", strings.NewReader(`{"load":12}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App", "1")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "created", string(b))
	assert.Empty(t, res.Header.Get(sourceHeader))
	assert.Equal(t, 1, tw.transport.GetTotalCallCount())

	forwarded := <-upstream
	assert.Equal(t, http.MethodPost, forwarded.method)
	assert.Equal(t, `{"load":12}`, forwarded.body)
	sent := http.Header{}
	for k, v := range forwarded.header {
		if v != nil {
			sent[k] = v
		}
	}
	assert.Equal(t, <-inbound, sent)
	assert.Equal(t, "1", sent.Get("X-App"))
	assert.Empty(t, sent.Values("X-Forwarded-For"))
}

func TestRouterOffline(t *testing.T) {
	tw := newTestWorker(t).start(t)
	server := httptest.NewServer(tw.Router())
	defer server.Close()

	res, err := http.Get(server.URL + "/api/status")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, string(Offline), res.Header.Get(sourceHeader))
}

func TestRouterClientChannel(t *testing.T) {
	tw := newTestWorker(t).start(t)
	tw.transport.RegisterResponder(http.MethodGet, testOrigin+"/version.json", httpmock.NewStringResponder(http.StatusOK, `{"version":"1.1.0"}`))
	tw.transport.RegisterResponder(http.MethodGet, testOrigin+"/reports/1.json", httpmock.NewStringResponder(http.StatusOK, "1"))
	server := httptest.NewServer(tw.Router())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	port, err := messaging.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+ClientsPath+"?url=/reports", nil, nil)
	require.NoError(t, err)
	defer port.Close()

	require.Eventually(t, func() bool {
		return len(tw.Clients().MatchAll(WindowClient)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, testOrigin+"/reports", tw.Clients().MatchAll(WindowClient)[0].URL)

	tw.CheckForUpdates(ctx)
	env, err := port.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, messaging.UpdateAvailable, env.Message.Type)
	assert.Equal(t, "1.1.0", env.Message.Version)

	// replies are routed to the transferred port while receiving
	go port.Receive(ctx)
	reply, remote := messaging.NewChannel()
	require.NoError(t, port.PostMessage(ctx, messaging.Message{Type: messaging.CacheAssets, URLs: []string{"/reports/1.json"}}, remote))
	answer, err := reply.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, messaging.CacheAssetsResult, answer.Message.Type)
	assert.True(t, answer.Message.Success)
	assert.Equal(t, FromCache, tw.get(t, "/reports/1.json").Source)
}

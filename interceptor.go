package shellcache

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/shellcache/cache"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"
)

// ResponseSource tells where an intercepted response came from.
type ResponseSource string

const (
	// Passthrough means the request was not intercepted and must go to the network untouched.
	Passthrough ResponseSource = "passthrough"
	FromCache   ResponseSource = "cache"
	FromNetwork ResponseSource = "network"
	// Offline is the cached shell document or a synthetic 503.
	Offline ResponseSource = "offline"
)

const offlineMessage = "You are offline. This resource is not available offline."

// Interception is the outcome of intercepting a single request.
// Computing the response and storing it are separate steps:
// Response is ready to be returned as soon as Intercept returns,
// Persist writes the network response to the cache.
type Interception struct {
	Request  *http.Request
	Response *http.Response
	Source   ResponseSource

	generation cache.Generation
	pending    *cache.Entry
}

// Pending reports whether there is a response waiting to be stored.
func (ic *Interception) Pending() bool {
	return ic.pending != nil
}

// Persist stores the network response in the generation that was active when
// the request was intercepted. It is a no-op if nothing is pending.
func (ic *Interception) Persist(ctx context.Context) error {
	if ic.pending == nil {
		return nil
	}
	entry := *ic.pending
	ic.pending = nil
	return ic.generation.Put(ctx, entry)
}

// Intercept decides how to answer a request:
//  1. non-GET and foreign-origin requests are passed through,
//  2. a stored response in the active generation is returned as is,
//  3. otherwise the network is asked and a 200 same-origin response is queued for storage,
//  4. if the network fails, HTML requests get the shell document and everything else a 503.
//
// Requests are also passed through while no generation is active.
func (w *Worker) Intercept(ctx context.Context, r *http.Request) *Interception {
	ic := &Interception{Request: r, Source: Passthrough}
	if r.Method != http.MethodGet || !w.keyer.SameOrigin(r.URL) {
		w.log.Trace().Str("method", r.Method).Str("url", r.URL.String()).Msg("Not intercepting")
		return ic
	}
	gen := w.activeGeneration()
	if gen == nil {
		w.log.Trace().Str("url", r.URL.String()).Msg("No active generation, not intercepting")
		return ic
	}
	ic.generation = gen

	key := w.keyer.Key(r)
	if res, ok := w.match(ctx, gen, key, r); ok {
		w.log.Trace().Str("url", r.URL.String()).Msg("Serving from cache")
		ic.Response = res
		ic.Source = FromCache
		return ic
	}

	res, err := w.fetch(ctx, r)
	if err != nil {
		w.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network request failed")
		return w.offline(ctx, ic)
	}
	ic.Response = res
	ic.Source = FromNetwork
	if !w.storable(res, r) {
		return ic
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		w.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Could not read response for caching")
		return ic
	}
	w.log.Trace().Str("url", r.URL.String()).Msg("Caching new resource")
	ic.pending = &cache.Entry{
		Key:      key,
		StoredAt: time.Now(),
		Bytes:    bts,
	}
	return ic
}

// storable reports whether a network response may be cached:
// it must be a 200 whose final URL is still on our origin.
func (w *Worker) storable(res *http.Response, r *http.Request) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	final := r.URL
	if res.Request != nil && res.Request.URL != nil {
		final = res.Request.URL
	}
	return w.keyer.SameOrigin(final)
}

func (w *Worker) match(ctx context.Context, gen cache.Generation, key string, r *http.Request) (*http.Response, bool) {
	entry, ok, err := gen.Match(ctx, key)
	if err != nil {
		w.log.Debug().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	w.log.Trace().Str("key", key).Dur("age", time.Since(entry.StoredAt)).Msg("Cache hit")
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not create response")
		return nil, false
	}
	return res, true
}

func (w *Worker) fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := r.Clone(ctx)
	// server-side requests carry a RequestURI, which the client rejects
	req.RequestURI = ""
	return w.client.Do(req)
}

func (w *Worker) offline(ctx context.Context, ic *Interception) *Interception {
	ic.Source = Offline
	if strings.Contains(ic.Request.Header.Get("Accept"), "text/html") {
		if u, err := w.keyer.Resolve(w.shellURL); err == nil {
			if res, ok := w.match(ctx, ic.generation, w.keyer.KeyForURL(http.MethodGet, u), ic.Request); ok {
				ic.Response = res
				return ic
			}
		}
		w.log.Debug().Str("shell", w.shellURL).Msg("Shell document not cached")
	}
	ic.Response = offlineResponse(ic.Request)
	return ic
}

func offlineResponse(r *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	header.Set("Content-Length", strconv.Itoa(len(offlineMessage)))
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlineMessage)),
		ContentLength: int64(len(offlineMessage)),
		Request:       r,
	}
}

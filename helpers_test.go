package shellcache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/messaging"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://app.example"

type testWorker struct {
	*Worker
	storage   *cache.MemStorage
	transport *httpmock.MockTransport
}

// newTestWorker returns a worker for version 1.0.0 whose core assets are served by a mock transport.
func newTestWorker(t *testing.T, modify ...func(*Config)) testWorker {
	t.Helper()
	transport := httpmock.NewMockTransport()
	for _, asset := range DefaultCoreAssets {
		transport.RegisterResponder(http.MethodGet, testOrigin+asset, httpmock.NewStringResponder(http.StatusOK, "asset "+asset))
	}
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	logger := zerolog.Nop()
	storage := cache.NewMemStorage()
	config := Config{
		Storage:    storage,
		Origin:     *origin,
		Generation: GenerationKey{CacheName: "site-engineer-v1.0", Version: "1.0.0"},
		Client:     &http.Client{Transport: transport},
		Logger:     &logger,
	}
	for _, m := range modify {
		m(&config)
	}
	w := CreateWorker(config)
	t.Cleanup(w.Stop)
	return testWorker{Worker: w, storage: storage, transport: transport}
}

// start installs and activates the worker's generation and resets the call counters.
func (tw testWorker) start(t *testing.T) testWorker {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tw.Dispatch(ctx, Event{Trigger: TriggerInstall}).Err)
	require.NoError(t, tw.Dispatch(ctx, Event{Trigger: TriggerActivate}).Err)
	tw.transport.ZeroCallCounters()
	return tw
}

func (tw testWorker) get(t *testing.T, path string, header ...string) Result {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return tw.Dispatch(context.Background(), Event{Trigger: TriggerFetch, Request: req})
}

func (tw testWorker) generationKeys(t *testing.T) []string {
	t.Helper()
	gen, err := tw.storage.Open(context.Background(), tw.Generation().CacheName)
	require.NoError(t, err)
	keys, err := gen.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

// addClient connects a window client at path and returns the page end of its port.
func addClient(w *Worker, path string) *messaging.MemPort {
	page, workerEnd := messaging.NewChannel()
	w.Clients().Add(&Client{URL: testOrigin + path, Port: workerEnd})
	return page
}

func receive(t *testing.T, port *messaging.MemPort) messaging.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := port.Receive(ctx)
	require.NoError(t, err)
	return env
}

func requireNoMessage(t *testing.T, port *messaging.MemPort) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	env, err := port.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected message %v", env.Message)
}

func body(t *testing.T, res *http.Response) string {
	t.Helper()
	require.NotNil(t, res)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

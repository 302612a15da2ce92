package shellcache

import (
	"io"
	"net/http"

	"github.com/always-cache/shellcache/messaging"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// ClientsPath is where page contexts open their message channel.
const ClientsPath = "/_shellcache/clients"

const sourceHeader = "X-Shellcache"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Router returns the handler for running the worker as a local offline proxy:
// page contexts connect to ClientsPath, metrics are served on MetricsPath
// and everything else is intercepted.
func (w *Worker) Router() http.Handler {
	r := chi.NewRouter()
	r.Get(ClientsPath, w.serveClient)
	r.Handle(MetricsPath, w.metricsHandler())
	r.Handle("/*", w)
	return r
}

// ServeHTTP implements the http.Handler interface.
// The request is addressed to the origin and intercepted;
// requests that are not intercepted are proxied to the origin.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req := r.Clone(r.Context())
	req.URL.Scheme = w.origin.Scheme
	req.URL.Host = w.origin.Host
	req.Host = w.origin.Host
	req.RequestURI = ""

	result := w.Dispatch(r.Context(), Event{Trigger: TriggerFetch, Request: req})
	if result.Response == nil {
		w.log.Trace().Str("method", r.Method).Str("url", r.URL.String()).Msg("Proxying")
		w.reverseproxy.ServeHTTP(rw, r)
		return
	}
	res := result.Response
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Set(sourceHeader, string(result.Source))
	rw.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(rw, res.Body)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("source", string(result.Source)).
		Int("status", res.StatusCode).
		Int64("bytes", bytesWritten).
		Msg("Sending response to client")
}

// serveClient registers a websocket connection as a window client
// and dispatches every message it sends.
// The page URL is taken from the `url` query parameter.
func (w *Worker) serveClient(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Debug().Err(err).Msg("Could not upgrade client connection")
		return
	}
	port := messaging.NewWSPort(conn, &w.log)
	defer port.Close()

	clientURL := r.URL.Query().Get("url")
	if u, err := w.keyer.Resolve(orDefault(clientURL, "/")); err == nil {
		clientURL = u.String()
	}
	client := w.clients.Add(&Client{URL: clientURL, Type: WindowClient, Port: port})
	defer w.clients.Remove(client.ID)
	w.log.Debug().Str("client", client.ID).Str("url", clientURL).Msg("Client connected")

	ctx := r.Context()
	for {
		env, err := port.Receive(ctx)
		if err != nil {
			w.log.Debug().Err(err).Str("client", client.ID).Msg("Client disconnected")
			return
		}
		go w.Dispatch(ctx, Event{Trigger: TriggerMessage, Message: env, Source: client.ID})
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

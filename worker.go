package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/messaging"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrNotActive      = errors.New("no active cache generation")
	ErrInstallFailed  = errors.New("generation failed to install")
	ErrUnknownTrigger = errors.New("unknown trigger")
	ErrAssetFetch     = errors.New("could not fetch asset")
)

// Trigger names a lifecycle or platform event handled by the worker.
type Trigger string

const (
	TriggerInstall           Trigger = "install"
	TriggerActivate          Trigger = "activate"
	TriggerFetch             Trigger = "fetch"
	TriggerMessage           Trigger = "message"
	TriggerSync              Trigger = "sync"
	TriggerPeriodicSync      Trigger = "periodicsync"
	TriggerPush              Trigger = "push"
	TriggerNotificationClick Trigger = "notificationclick"
)

const (
	TagSyncCalculations = "sync-calculations"
	TagCheckUpdates     = "check-updates"
)

// State is the lifecycle state of the worker's generation.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Event is the input to a single trigger handler.
// Only the fields relevant to the trigger are set.
type Event struct {
	Trigger Trigger
	// install, activate: the generation to operate on; the worker's own if zero.
	Generation GenerationKey
	// fetch
	Request *http.Request
	// sync, periodicsync
	Tag string
	// message
	Message messaging.Envelope
	// message: ID of the sending client, if known
	Source string
	// push
	Data []byte
	// notificationclick
	Notification Notification
}

// Result is what a handler produced.
type Result struct {
	// fetch: the response for the page, nil when the request is passed through.
	Response *http.Response
	// fetch: where the response came from.
	Source ResponseSource
	Err    error
}

type Handler func(ctx context.Context, ev Event) Result

type Worker struct {
	storage          cache.Storage
	keyer            cachekey.CacheKeyer
	origin           url.URL
	generation       GenerationKey
	coreAssets       []string
	shellURL         string
	versionURL       string
	client           *http.Client
	log              zerolog.Logger
	clients          *Clients
	notifier         Notifier
	opener           WindowOpener
	syncCalculations func(ctx context.Context) error
	handlers         map[Trigger]Handler
	reverseproxy     httputil.ReverseProxy
	metrics          *metrics

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	active      cache.Generation
	activeKey   GenerationKey

	// outstanding cache writes from intercepted requests
	writes sync.WaitGroup

	cron *cron.Cron
}

// CreateWorker initializes a worker for the configured generation.
// Nothing is fetched or stored until the install trigger is dispatched.
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("cache", config.Generation.CacheName).
		Logger()

	storage := config.Storage
	if storage == nil {
		storage = cache.NewMemStorage()
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	coreAssets := config.CoreAssets
	if coreAssets == nil {
		coreAssets = DefaultCoreAssets
	}

	w := &Worker{
		storage:          storage,
		keyer:            cachekey.NewCacheKeyer(&config.Origin),
		origin:           config.Origin,
		generation:       config.Generation,
		coreAssets:       coreAssets,
		shellURL:         orDefault(config.ShellURL, DefaultShellURL),
		versionURL:       orDefault(config.VersionURL, DefaultVersionURL),
		client:           client,
		log:              logger,
		clients:          newClients(logger),
		notifier:         config.Notifier,
		opener:           config.WindowOpener,
		syncCalculations: config.SyncCalculations,
		state:            StateParsed,
	}
	w.metrics = newMetrics(config.Generation, w.clients)
	w.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.Origin.Scheme, config.Origin.Host),
		Transport: client.Transport,
	}
	w.handlers = map[Trigger]Handler{
		TriggerInstall:           w.handleInstall,
		TriggerActivate:          w.handleActivate,
		TriggerFetch:             w.handleFetch,
		TriggerMessage:           w.handleMessage,
		TriggerSync:              w.handleSync,
		TriggerPeriodicSync:      w.handlePeriodicSync,
		TriggerPush:              w.handlePush,
		TriggerNotificationClick: w.handleNotificationClick,
	}
	return w
}

// Triggers lists the triggers the worker handles.
func (w *Worker) Triggers() []Trigger {
	triggers := make([]Trigger, 0, len(w.handlers))
	for t := range w.handlers {
		triggers = append(triggers, t)
	}
	return triggers
}

// Dispatch runs the handler registered for the event's trigger.
// It never panics; handler panics are returned as errors.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (result Result) {
	handler, ok := w.handlers[ev.Trigger]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownTrigger, ev.Trigger)}
	}
	defer func() {
		if p := recover(); p != nil {
			w.log.Error().Str("trigger", string(ev.Trigger)).Interface("panic", p).Msg("Handler panicked")
			result = Result{Err: fmt.Errorf("%s handler panicked: %v", ev.Trigger, p)}
			if ev.Trigger == TriggerFetch {
				result.Response = offlineResponse(ev.Request)
				result.Source = Offline
			}
		}
	}()
	return handler(ctx, ev)
}

// Clients returns the registry of page contexts connected to the worker.
func (w *Worker) Clients() *Clients {
	return w.clients
}

// Generation returns the generation this worker was created for.
func (w *Worker) Generation() GenerationKey {
	return w.generation
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaiting reports whether the installed generation asked to take over immediately.
func (w *Worker) SkipWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// Active returns the key of the active generation, if any.
func (w *Worker) Active() (GenerationKey, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activeKey, w.active != nil
}

func (w *Worker) activeGeneration() cache.Generation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}

// Flush waits for outstanding cache writes of intercepted requests.
func (w *Worker) Flush() {
	w.writes.Wait()
}

func (w *Worker) keyOrDefault(key GenerationKey) GenerationKey {
	if key.CacheName == "" {
		return w.generation
	}
	return key
}

func (w *Worker) handleInstall(ctx context.Context, ev Event) Result {
	return Result{Err: w.Install(ctx, w.keyOrDefault(ev.Generation))}
}

func (w *Worker) handleActivate(ctx context.Context, ev Event) Result {
	return Result{Err: w.Activate(ctx, w.keyOrDefault(ev.Generation))}
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) Result {
	ic := w.Intercept(ctx, ev.Request)
	w.metrics.responses.WithLabelValues(string(ic.Source)).Inc()
	if ic.Pending() {
		w.writes.Add(1)
		go func() {
			defer w.writes.Done()
			// the page may be gone by now, the write should still happen
			if err := ic.Persist(context.WithoutCancel(ctx)); err != nil {
				w.log.Debug().Err(err).Str("url", ev.Request.URL.String()).Msg("Could not cache response")
			}
		}()
	}
	return Result{Response: ic.Response, Source: ic.Source}
}

func (w *Worker) handleSync(ctx context.Context, ev Event) Result {
	w.log.Info().Str("tag", ev.Tag).Msg("Background sync")
	if ev.Tag != TagSyncCalculations {
		return Result{}
	}
	if w.syncCalculations == nil {
		w.log.Debug().Msg("No calculation sync configured")
		return Result{}
	}
	if err := w.syncCalculations(ctx); err != nil {
		w.log.Error().Err(err).Msg("Calculation sync failed")
		return Result{Err: err}
	}
	return Result{}
}

func (w *Worker) handlePeriodicSync(ctx context.Context, ev Event) Result {
	if ev.Tag == TagCheckUpdates {
		w.log.Debug().Msg("Periodic sync for updates")
		w.CheckForUpdates(ctx)
	}
	return Result{}
}

func createDirector(scheme, host string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		req.Host = host
		// pass-through requests reach the origin unchanged
		req.Header["X-Forwarded-For"] = nil
	}
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

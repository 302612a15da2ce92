// Package platform runs a worker in the same process as the page that registers it.
package platform

import (
	"context"
	"errors"
	"sync"
	"time"

	shellcache "github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/messaging"
	"github.com/always-cache/shellcache/registrar"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("platform closed")

// Local binds one page to a worker running in-process.
// Registration installs and activates the worker's generation;
// a worker staged with Stage replaces it on the next Update.
type Local struct {
	pageURL string
	log     zerolog.Logger

	mu         sync.Mutex
	worker     *shellcache.Worker
	staged     *shellcache.Worker
	clientID   string
	controlled bool
	focused    int
	closed     bool
	page       *messaging.MemPort

	messages chan messaging.Message
	changes  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewLocal creates the binding for a page at pageURL served by worker.
func NewLocal(worker *shellcache.Worker, pageURL string, logger *zerolog.Logger) *Local {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Local{
		pageURL:  pageURL,
		log:      log.With().Str("component", "platform").Logger(),
		worker:   worker,
		messages: make(chan messaging.Message, 16),
		changes:  make(chan struct{}, 4),
		done:     make(chan struct{}),
	}
}

// Register installs and activates the current worker and connects the page to it.
// A failed install still yields a registration; the page just stays uncontrolled.
func (l *Local) Register(ctx context.Context, scriptURL string, opts registrar.RegisterOptions) (registrar.Registration, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	worker := l.worker
	l.mu.Unlock()

	l.log.Debug().Str("script", scriptURL).Str("scope", opts.Scope).Msg("Registering worker")
	l.connect(worker)
	if err := l.startWorker(ctx, worker); err != nil {
		l.log.Warn().Err(err).Msg("Worker did not start")
		return &registration{local: l}, nil
	}
	if _, ok := worker.Active(); ok {
		l.mu.Lock()
		l.controlled = true
		l.mu.Unlock()
	}
	return &registration{local: l}, nil
}

// Stage makes next the worker that takes over on the next Update.
func (l *Local) Stage(next *shellcache.Worker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged = next
}

// Worker returns the worker currently serving the page.
func (l *Local) Worker() *shellcache.Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.worker
}

func (l *Local) Controller() messaging.Port {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.controlled || l.closed {
		return nil
	}
	return &controller{local: l, worker: l.worker, clientID: l.clientID}
}

func (l *Local) Messages() <-chan messaging.Message {
	return l.messages
}

func (l *Local) ControllerChanges() <-chan struct{} {
	return l.changes
}

// Focused returns how many times the worker brought the page to the foreground.
func (l *Local) Focused() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.focused
}

// Close disconnects the page and stops the worker's schedule.
func (l *Local) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	worker, page, clientID := l.worker, l.page, l.clientID
	l.mu.Unlock()

	close(l.done)
	if page != nil {
		page.Close()
	}
	worker.Clients().Remove(clientID)
	l.wg.Wait()
	worker.Stop()
}

// connect adds the page as a window client of worker and pumps what the worker posts to it.
func (l *Local) connect(worker *shellcache.Worker) {
	page, workerEnd := messaging.NewChannel()
	client := worker.Clients().Add(&shellcache.Client{
		URL:  l.pageURL,
		Type: shellcache.WindowClient,
		Port: workerEnd,
		OnFocus: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.focused++
			return nil
		},
	})

	l.mu.Lock()
	previous := l.page
	l.page = page
	l.clientID = client.ID
	l.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	l.wg.Add(1)
	go l.pump(page)
}

func (l *Local) pump(page *messaging.MemPort) {
	defer l.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		env, err := page.Receive(ctx)
		if err != nil {
			return
		}
		if env.Message.Type == messaging.ControllerChange {
			l.setControlled()
			continue
		}
		select {
		case l.messages <- env.Message:
		case <-l.done:
			return
		}
	}
}

func (l *Local) setControlled() {
	l.mu.Lock()
	l.controlled = true
	l.mu.Unlock()
	select {
	case l.changes <- struct{}{}:
	default:
		l.log.Debug().Msg("Dropping controller change, nobody listening")
	}
}

func (l *Local) startWorker(ctx context.Context, worker *shellcache.Worker) error {
	if res := worker.Dispatch(ctx, shellcache.Event{Trigger: shellcache.TriggerInstall}); res.Err != nil {
		return res.Err
	}
	if !worker.SkipWaiting() {
		return nil
	}
	return worker.Dispatch(ctx, shellcache.Event{Trigger: shellcache.TriggerActivate}).Err
}

// update replaces the current worker with the staged one, if any.
// The old worker keeps serving if the new one fails to install.
func (l *Local) update(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	next := l.staged
	l.staged = nil
	current, clientID := l.worker, l.clientID
	l.mu.Unlock()

	if next == nil {
		return nil
	}
	if res := next.Dispatch(ctx, shellcache.Event{Trigger: shellcache.TriggerInstall}); res.Err != nil {
		return res.Err
	}
	current.Clients().Remove(clientID)
	current.Stop()

	l.mu.Lock()
	l.worker = next
	l.mu.Unlock()
	l.connect(next)
	return next.Dispatch(ctx, shellcache.Event{Trigger: shellcache.TriggerActivate}).Err
}

// controller posts to the worker as if the page had sent a message.
type controller struct {
	local    *Local
	worker   *shellcache.Worker
	clientID string
}

func (c *controller) PostMessage(ctx context.Context, msg messaging.Message, transfer ...messaging.Port) error {
	select {
	case <-c.local.done:
		return ErrClosed
	default:
	}
	c.local.wg.Add(1)
	go func() {
		defer c.local.wg.Done()
		c.worker.Dispatch(context.WithoutCancel(ctx), shellcache.Event{
			Trigger: shellcache.TriggerMessage,
			Message: messaging.Envelope{Message: msg, Ports: transfer},
			Source:  c.clientID,
		})
	}()
	return nil
}

type registration struct {
	local *Local
}

func (r *registration) Update(ctx context.Context) error {
	return r.local.update(ctx)
}

func (r *registration) PeriodicSync() registrar.PeriodicSyncManager {
	return periodicSync{local: r.local}
}

func (r *registration) Sync() registrar.SyncManager {
	return backgroundSync{local: r.local}
}

type periodicSync struct {
	local *Local
}

// Register schedules the tag on the worker. Only `check-updates` has a handler.
func (p periodicSync) Register(ctx context.Context, tag string, minInterval time.Duration) error {
	if tag != shellcache.TagCheckUpdates {
		return nil
	}
	return p.local.Worker().StartUpdateSchedule(context.Background(), "@every "+minInterval.String())
}

type backgroundSync struct {
	local *Local
}

// Register fires the sync right away; the local platform is always online.
func (s backgroundSync) Register(ctx context.Context, tag string) error {
	worker := s.local.Worker()
	s.local.wg.Add(1)
	go func() {
		defer s.local.wg.Done()
		worker.Dispatch(context.Background(), shellcache.Event{Trigger: shellcache.TriggerSync, Tag: tag})
	}()
	return nil
}

// Package registrar installs the worker from a page context and relays
// update notifications to the host application.
package registrar

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/always-cache/shellcache/messaging"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultScriptURL            = "/service-worker.js"
	DefaultPollSchedule         = "@every 1h"
	DefaultPeriodicSyncInterval = 24 * time.Hour

	TagCheckUpdates     = "check-updates"
	TagSyncCalculations = "sync-calculations"

	periodicSyncPermission = "periodic-background-sync"
)

var (
	ErrNotSupported = errors.New("workers not supported")
	ErrNoController = errors.New("page is not controlled by a worker")
)

type Options struct {
	// DefaultScriptURL if empty.
	ScriptURL string
	// Scope of the registration, `/` if empty.
	Scope string
	// Cron schedule for asking the controller to check for updates. DefaultPollSchedule if empty.
	PollSchedule string
	// DefaultPeriodicSyncInterval if zero.
	PeriodicSyncInterval time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Called when the worker reports a new version.
	OnUpdateAvailable func(version string)
	// Called when a new worker takes control after an update was reported.
	OnControllerChange func()
}

// CacheAssetsReply is the worker's answer to a CacheAssets request.
type CacheAssetsReply struct {
	Success bool
	Error   string
}

type Registrar struct {
	caps Capabilities
	opts Options
	log  zerolog.Logger

	mu              sync.RWMutex
	registration    Registration
	updateAvailable bool
	installPrompt   InstallPrompt

	cron *cron.Cron
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New(caps Capabilities, opts Options) *Registrar {
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	if opts.ScriptURL == "" {
		opts.ScriptURL = DefaultScriptURL
	}
	if opts.Scope == "" {
		opts.Scope = "/"
	}
	if opts.PollSchedule == "" {
		opts.PollSchedule = DefaultPollSchedule
	}
	if opts.PeriodicSyncInterval == 0 {
		opts.PeriodicSyncInterval = DefaultPeriodicSyncInterval
	}
	return &Registrar{
		caps:          caps,
		opts:          opts,
		log:           logger.With().Str("component", "registrar").Logger(),
		installPrompt: caps.InstallPrompt,
		done:          make(chan struct{}),
	}
}

// Init registers the worker, sets up periodic sync and starts polling for updates.
// It returns ErrNotSupported if the platform has no worker container.
func (r *Registrar) Init(ctx context.Context) error {
	if r.caps.Container == nil {
		r.log.Info().Msg("Workers not supported")
		return ErrNotSupported
	}
	registration, err := r.register(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("Setup failed")
		return err
	}
	r.setupPeriodicSync(ctx, registration)
	return r.setupUpdateChecks()
}

func (r *Registrar) register(ctx context.Context) (Registration, error) {
	container := r.caps.Container
	registration, err := container.Register(ctx, r.opts.ScriptURL, RegisterOptions{
		Scope:          r.opts.Scope,
		UpdateViaCache: UpdateViaCacheNone,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("Registration failed")
		return nil, err
	}
	r.log.Info().Str("script", r.opts.ScriptURL).Str("scope", r.opts.Scope).Msg("Worker registered")

	r.mu.Lock()
	r.registration = registration
	r.mu.Unlock()

	if err := registration.Update(ctx); err != nil {
		r.log.Debug().Err(err).Msg("Update check failed")
	}

	r.wg.Add(1)
	go r.listen(container.Messages(), container.ControllerChanges())

	if container.Controller() != nil {
		r.log.Debug().Msg("Worker is controlling the page")
	} else {
		r.log.Debug().Msg("Worker not controlling, waiting")
	}
	return registration, nil
}

func (r *Registrar) listen(messages <-chan messaging.Message, changes <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			r.handleMessage(msg)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			r.handleControllerChange()
		}
	}
}

func (r *Registrar) handleMessage(msg messaging.Message) {
	if msg.Type != messaging.UpdateAvailable {
		return
	}
	r.log.Info().Str("version", msg.Version).Msg("Update available")
	r.mu.Lock()
	r.updateAvailable = true
	r.mu.Unlock()
	if r.opts.OnUpdateAvailable != nil {
		r.opts.OnUpdateAvailable(msg.Version)
	}
}

func (r *Registrar) handleControllerChange() {
	r.log.Info().Msg("New worker activated")
	if r.UpdateAvailable() && r.opts.OnControllerChange != nil {
		r.opts.OnControllerChange()
	}
}

func (r *Registrar) setupPeriodicSync(ctx context.Context, registration Registration) {
	periodicSync := registration.PeriodicSync()
	if periodicSync == nil || r.caps.Permissions == nil {
		return
	}
	state, err := r.caps.Permissions.Query(ctx, periodicSyncPermission)
	if err != nil {
		r.log.Info().Err(err).Msg("Periodic sync could not be registered")
		return
	}
	if state != PermissionGranted {
		return
	}
	if err := periodicSync.Register(ctx, TagCheckUpdates, r.opts.PeriodicSyncInterval); err != nil {
		r.log.Info().Err(err).Msg("Periodic sync could not be registered")
		return
	}
	r.log.Info().Msg("Periodic sync registered")
}

func (r *Registrar) setupUpdateChecks() error {
	c := cron.New()
	if _, err := c.AddFunc(r.opts.PollSchedule, func() { r.PollOnce(context.Background()) }); err != nil {
		return err
	}
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	return nil
}

// PollOnce asks the controlling worker to check for updates.
// It does nothing if the page is not controlled.
func (r *Registrar) PollOnce(ctx context.Context) {
	if r.caps.Container == nil {
		return
	}
	controller := r.caps.Container.Controller()
	if controller == nil {
		return
	}
	if err := controller.PostMessage(ctx, messaging.Message{Type: messaging.CheckUpdate}); err != nil {
		r.log.Debug().Err(err).Msg("Could not ask for update check")
	}
}

// Update asks the platform to look for a new worker.
func (r *Registrar) Update(ctx context.Context) error {
	r.mu.RLock()
	registration := r.registration
	r.mu.RUnlock()
	if registration == nil {
		return ErrNoController
	}
	return registration.Update(ctx)
}

// UpdateAvailable reports whether the worker announced a new version.
func (r *Registrar) UpdateAvailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updateAvailable
}

// CacheAssets asks the controlling worker to add urls to its cache and waits for the answer.
func (r *Registrar) CacheAssets(ctx context.Context, urls []string) (CacheAssetsReply, error) {
	if r.caps.Container == nil {
		return CacheAssetsReply{}, ErrNotSupported
	}
	controller := r.caps.Container.Controller()
	if controller == nil {
		return CacheAssetsReply{}, ErrNoController
	}
	local, remote := messaging.NewChannel()
	defer local.Close()
	msg := messaging.Message{Type: messaging.CacheAssets, URLs: urls}
	if err := controller.PostMessage(ctx, msg, remote); err != nil {
		return CacheAssetsReply{}, err
	}
	env, err := local.Receive(ctx)
	if err != nil {
		return CacheAssetsReply{}, err
	}
	return CacheAssetsReply{Success: env.Message.Success, Error: env.Message.Error}, nil
}

// RequestBackgroundSync registers a one-off background sync, `sync-calculations` if tag is empty.
func (r *Registrar) RequestBackgroundSync(ctx context.Context, tag string) bool {
	if tag == "" {
		tag = TagSyncCalculations
	}
	r.mu.RLock()
	registration := r.registration
	r.mu.RUnlock()
	if registration == nil || registration.Sync() == nil {
		return false
	}
	if err := registration.Sync().Register(ctx, tag); err != nil {
		r.log.Error().Err(err).Str("tag", tag).Msg("Background sync failed")
		return false
	}
	r.log.Info().Str("tag", tag).Msg("Background sync registered")
	return true
}

func (r *Registrar) RequestNotificationPermission(ctx context.Context) bool {
	if r.caps.Notifications == nil || r.caps.Permissions == nil {
		return false
	}
	state, err := r.caps.Notifications.RequestPermission(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("Notification permission error")
		return false
	}
	return state == PermissionGranted
}

func (r *Registrar) IsAppInstalled() bool {
	return r.caps.DisplayMode != nil && r.caps.DisplayMode.Standalone()
}

// DeferInstallPrompt keeps the platform's install prompt for later use.
// It reports whether an install button should be offered.
func (r *Registrar) DeferInstallPrompt(prompt InstallPrompt) bool {
	r.mu.Lock()
	r.installPrompt = prompt
	r.mu.Unlock()
	return !r.IsAppInstalled()
}

// ShowInstallPrompt shows the deferred install prompt once.
func (r *Registrar) ShowInstallPrompt(ctx context.Context) bool {
	r.mu.Lock()
	prompt := r.installPrompt
	r.installPrompt = nil
	r.mu.Unlock()
	if prompt == nil {
		return false
	}
	accepted, err := prompt.Prompt(ctx)
	if err != nil {
		r.log.Debug().Err(err).Msg("Install prompt failed")
		return false
	}
	if accepted {
		r.log.Info().Msg("User accepted install")
	}
	return accepted
}

// Close stops polling and listening.
func (r *Registrar) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		c := r.cron
		r.cron = nil
		r.mu.Unlock()
		if c != nil {
			<-c.Stop().Done()
		}
		close(r.done)
		r.wg.Wait()
	})
}

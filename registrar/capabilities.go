package registrar

import (
	"context"
	"time"

	"github.com/always-cache/shellcache/messaging"
)

type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

const UpdateViaCacheNone = "none"

type RegisterOptions struct {
	Scope string
	// UpdateViaCache controls whether update checks may be answered by an HTTP cache.
	UpdateViaCache string
}

// Container is the page's view of the worker platform.
type Container interface {
	Register(ctx context.Context, scriptURL string, opts RegisterOptions) (Registration, error)
	// Controller returns the port of the worker controlling the page, nil if there is none.
	Controller() messaging.Port
	// Messages delivers messages the worker posts to this page.
	Messages() <-chan messaging.Message
	// ControllerChanges fires when a new worker takes control of the page.
	ControllerChanges() <-chan struct{}
}

type Registration interface {
	// Update asks the platform to check for a new worker now.
	Update(ctx context.Context) error
	// PeriodicSync returns nil if periodic background sync is not supported.
	PeriodicSync() PeriodicSyncManager
	// Sync returns nil if background sync is not supported.
	Sync() SyncManager
}

type PeriodicSyncManager interface {
	Register(ctx context.Context, tag string, minInterval time.Duration) error
}

type SyncManager interface {
	Register(ctx context.Context, tag string) error
}

type Permissions interface {
	Query(ctx context.Context, name string) (PermissionState, error)
}

type Notifications interface {
	RequestPermission(ctx context.Context) (PermissionState, error)
}

// InstallPrompt is a deferred prompt to install the application.
type InstallPrompt interface {
	Prompt(ctx context.Context) (accepted bool, err error)
}

type DisplayMode interface {
	// Standalone reports whether the application runs as an installed app.
	Standalone() bool
}

// Capabilities are the platform APIs the registrar works with.
// A nil capability means the platform does not support it.
type Capabilities struct {
	Container     Container
	Permissions   Permissions
	Notifications Notifications
	InstallPrompt InstallPrompt
	DisplayMode   DisplayMode
}

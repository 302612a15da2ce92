package registrar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/shellcache/messaging"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeContainer struct {
	mu          sync.Mutex
	registered  []string
	opts        RegisterOptions
	registerErr error
	controller  messaging.Port
	messages    chan messaging.Message
	changes     chan struct{}
	reg         *fakeRegistration
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{
		messages: make(chan messaging.Message, 4),
		changes:  make(chan struct{}, 4),
		reg:      &fakeRegistration{},
	}
}

func (c *fakeContainer) Register(ctx context.Context, scriptURL string, opts RegisterOptions) (Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registerErr != nil {
		return nil, c.registerErr
	}
	c.registered = append(c.registered, scriptURL)
	c.opts = opts
	return c.reg, nil
}

func (c *fakeContainer) Controller() messaging.Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *fakeContainer) Messages() <-chan messaging.Message {
	return c.messages
}

func (c *fakeContainer) ControllerChanges() <-chan struct{} {
	return c.changes
}

type fakeRegistration struct {
	mu         sync.Mutex
	updates    int
	periodic   map[string]time.Duration
	synced     []string
	noPeriodic bool
	syncErr    error
}

func (r *fakeRegistration) Update(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	return nil
}

func (r *fakeRegistration) PeriodicSync() PeriodicSyncManager {
	if r.noPeriodic {
		return nil
	}
	return r
}

func (r *fakeRegistration) Sync() SyncManager {
	return syncManager{r}
}

func (r *fakeRegistration) Register(ctx context.Context, tag string, minInterval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.periodic == nil {
		r.periodic = make(map[string]time.Duration)
	}
	r.periodic[tag] = minInterval
	return nil
}

type syncManager struct {
	r *fakeRegistration
}

func (s syncManager) Register(ctx context.Context, tag string) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.syncErr != nil {
		return s.r.syncErr
	}
	s.r.synced = append(s.r.synced, tag)
	return nil
}

type fakePermissions map[string]PermissionState

func (p fakePermissions) Query(ctx context.Context, name string) (PermissionState, error) {
	state, ok := p[name]
	if !ok {
		return "", errors.New("unknown permission")
	}
	return state, nil
}

type fakeNotifications PermissionState

func (n fakeNotifications) RequestPermission(ctx context.Context) (PermissionState, error) {
	return PermissionState(n), nil
}

type fakePrompt struct {
	accept bool
	shown  int
}

func (p *fakePrompt) Prompt(ctx context.Context) (bool, error) {
	p.shown++
	return p.accept, nil
}

type standalone bool

func (s standalone) Standalone() bool { return bool(s) }

// recordingPort answers CacheAssets on the transferred port and records everything else.
type recordingPort struct {
	mu       sync.Mutex
	received []messaging.Message
	fail     string
}

func (p *recordingPort) PostMessage(ctx context.Context, msg messaging.Message, transfer ...messaging.Port) error {
	p.mu.Lock()
	p.received = append(p.received, msg)
	p.mu.Unlock()
	if msg.Type != messaging.CacheAssets || len(transfer) == 0 {
		return nil
	}
	var err error
	if p.fail != "" {
		err = errors.New(p.fail)
	}
	return transfer[0].PostMessage(ctx, messaging.NewCacheAssetsResult(err))
}

func (p *recordingPort) types() []messaging.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]messaging.Type, 0, len(p.received))
	for _, msg := range p.received {
		types = append(types, msg.Type)
	}
	return types
}

func newTestRegistrar(caps Capabilities, opts Options) *Registrar {
	logger := zerolog.Nop()
	opts.Logger = &logger
	return New(caps, opts)
}

func TestInitRegistersWorker(t *testing.T) {
	container := newFakeContainer()
	r := newTestRegistrar(Capabilities{Container: container}, Options{})
	defer r.Close()

	require.NoError(t, r.Init(context.Background()))
	assert.Equal(t, []string{"/service-worker.js"}, container.registered)
	assert.Equal(t, RegisterOptions{Scope: "/", UpdateViaCache: UpdateViaCacheNone}, container.opts)
	assert.Equal(t, 1, container.reg.updates)
}

func TestInitWithoutContainer(t *testing.T) {
	r := newTestRegistrar(Capabilities{}, Options{})
	defer r.Close()
	assert.ErrorIs(t, r.Init(context.Background()), ErrNotSupported)

	_, err := r.CacheAssets(context.Background(), []string{"/a"})
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.False(t, r.RequestBackgroundSync(context.Background(), ""))
}

func TestInitRegistrationFailure(t *testing.T) {
	container := newFakeContainer()
	container.registerErr = errors.New("script 404")
	r := newTestRegistrar(Capabilities{Container: container}, Options{})
	defer r.Close()

	assert.Error(t, r.Init(context.Background()))
}

func TestInitRejectsBadPollSchedule(t *testing.T) {
	r := newTestRegistrar(Capabilities{Container: newFakeContainer()}, Options{PollSchedule: "every now and then"})
	defer r.Close()
	assert.Error(t, r.Init(context.Background()))
}

func TestPeriodicSyncNeedsPermission(t *testing.T) {
	cases := map[string]struct {
		permissions Permissions
		registered  bool
	}{
		"granted":        {fakePermissions{"periodic-background-sync": PermissionGranted}, true},
		"denied":         {fakePermissions{"periodic-background-sync": PermissionDenied}, false},
		"query fails":    {fakePermissions{}, false},
		"no permissions": {nil, false},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			container := newFakeContainer()
			r := newTestRegistrar(Capabilities{Container: container, Permissions: c.permissions}, Options{})
			defer r.Close()
			require.NoError(t, r.Init(context.Background()))

			interval, ok := container.reg.periodic[TagCheckUpdates]
			assert.Equal(t, c.registered, ok)
			if ok {
				assert.Equal(t, 24*time.Hour, interval)
			}
		})
	}
}

func TestUpdateAvailableMessage(t *testing.T) {
	container := newFakeContainer()
	versions := make(chan string, 1)
	r := newTestRegistrar(Capabilities{Container: container}, Options{
		OnUpdateAvailable: func(version string) { versions <- version },
	})
	defer r.Close()
	require.NoError(t, r.Init(context.Background()))
	assert.False(t, r.UpdateAvailable())

	container.messages <- messaging.Message{Type: messaging.ControllerChange}
	container.messages <- messaging.NewUpdateAvailable("1.3.0")

	select {
	case version := <-versions:
		assert.Equal(t, "1.3.0", version)
	case <-time.After(2 * time.Second):
		t.Fatal("no update callback")
	}
	assert.True(t, r.UpdateAvailable())
}

func TestControllerChangeAfterUpdate(t *testing.T) {
	container := newFakeContainer()
	changed := make(chan struct{}, 2)
	r := newTestRegistrar(Capabilities{Container: container}, Options{
		OnControllerChange: func() { changed <- struct{}{} },
	})
	defer r.Close()
	require.NoError(t, r.Init(context.Background()))

	// without an update a new controller is not reported
	container.changes <- struct{}{}
	select {
	case <-changed:
		t.Fatal("controller change reported without update")
	case <-time.After(50 * time.Millisecond):
	}

	container.messages <- messaging.NewUpdateAvailable("1.3.0")
	require.Eventually(t, r.UpdateAvailable, 2*time.Second, 5*time.Millisecond)
	container.changes <- struct{}{}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("controller change not reported")
	}
}

func TestPollOnceAsksController(t *testing.T) {
	container := newFakeContainer()
	r := newTestRegistrar(Capabilities{Container: container}, Options{})
	defer r.Close()
	require.NoError(t, r.Init(context.Background()))

	// not controlled yet
	r.PollOnce(context.Background())

	port := &recordingPort{}
	container.controller = port
	r.PollOnce(context.Background())
	assert.Equal(t, []messaging.Type{messaging.CheckUpdate}, port.types())
}

func TestPollSchedule(t *testing.T) {
	container := newFakeContainer()
	port := &recordingPort{}
	container.controller = port
	r := newTestRegistrar(Capabilities{Container: container}, Options{PollSchedule: "@every 1s"})
	defer r.Close()
	require.NoError(t, r.Init(context.Background()))

	require.Eventually(t, func() bool {
		return len(port.types()) > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, messaging.CheckUpdate, port.types()[0])
}

func TestCacheAssets(t *testing.T) {
	container := newFakeContainer()
	port := &recordingPort{}
	container.controller = port
	r := newTestRegistrar(Capabilities{Container: container}, Options{})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := r.CacheAssets(ctx, []string{"/reports/1.json"})
	require.NoError(t, err)
	assert.True(t, reply.Success)

	port.fail = "could not fetch asset: /reports/2.json: status 404"
	reply, err = r.CacheAssets(ctx, []string{"/reports/2.json"})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, "could not fetch asset: /reports/2.json: status 404", reply.Error)
}

func TestCacheAssetsWithoutController(t *testing.T) {
	r := newTestRegistrar(Capabilities{Container: newFakeContainer()}, Options{})
	defer r.Close()
	_, err := r.CacheAssets(context.Background(), []string{"/a"})
	assert.ErrorIs(t, err, ErrNoController)
}

func TestRequestBackgroundSync(t *testing.T) {
	container := newFakeContainer()
	r := newTestRegistrar(Capabilities{Container: container}, Options{})
	defer r.Close()
	ctx := context.Background()

	// not registered yet
	assert.False(t, r.RequestBackgroundSync(ctx, ""))

	require.NoError(t, r.Init(ctx))
	assert.True(t, r.RequestBackgroundSync(ctx, ""))
	assert.True(t, r.RequestBackgroundSync(ctx, "sync-drafts"))
	assert.Equal(t, []string{"sync-calculations", "sync-drafts"}, container.reg.synced)

	container.reg.syncErr = errors.New("offline")
	assert.False(t, r.RequestBackgroundSync(ctx, ""))
}

func TestRequestNotificationPermission(t *testing.T) {
	ctx := context.Background()
	permissions := fakePermissions{}

	r := newTestRegistrar(Capabilities{Permissions: permissions, Notifications: fakeNotifications(PermissionGranted)}, Options{})
	assert.True(t, r.RequestNotificationPermission(ctx))

	r = newTestRegistrar(Capabilities{Permissions: permissions, Notifications: fakeNotifications(PermissionDenied)}, Options{})
	assert.False(t, r.RequestNotificationPermission(ctx))

	r = newTestRegistrar(Capabilities{}, Options{})
	assert.False(t, r.RequestNotificationPermission(ctx))
}

func TestInstallPrompt(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistrar(Capabilities{DisplayMode: standalone(false)}, Options{})
	assert.False(t, r.IsAppInstalled())
	assert.False(t, r.ShowInstallPrompt(ctx))

	prompt := &fakePrompt{accept: true}
	assert.True(t, r.DeferInstallPrompt(prompt))
	assert.True(t, r.ShowInstallPrompt(ctx))
	// a prompt can only be shown once
	assert.False(t, r.ShowInstallPrompt(ctx))
	assert.Equal(t, 1, prompt.shown)

	installed := newTestRegistrar(Capabilities{DisplayMode: standalone(true)}, Options{})
	assert.True(t, installed.IsAppInstalled())
	assert.False(t, installed.DeferInstallPrompt(&fakePrompt{}))
}

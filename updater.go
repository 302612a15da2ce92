package shellcache

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/shellcache/messaging"

	"github.com/bytedance/sonic"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// VersionDescriptor is served by the version endpoint.
type VersionDescriptor struct {
	Version string `json:"version"`
}

// CheckForUpdates fetches the version descriptor and broadcasts UPDATE_AVAILABLE
// to all clients if it differs from the worker's version.
// Failures only mean there is no update information this time; they are logged and ignored.
// Nothing is remembered between checks, so an ignored update is announced again next time.
func (w *Worker) CheckForUpdates(ctx context.Context) (string, bool) {
	desc, err := w.fetchVersion(ctx)
	if err != nil {
		w.metrics.updateChecks.WithLabelValues("failed").Inc()
		w.log.Debug().Err(err).Msg("Could not check for updates")
		return "", false
	}
	if desc.Version == w.generation.Version {
		w.metrics.updateChecks.WithLabelValues("current").Inc()
		w.log.Trace().Str("version", desc.Version).Msg("Up to date")
		return desc.Version, false
	}
	w.metrics.updateChecks.WithLabelValues("available").Inc()
	w.log.Info().Str("version", desc.Version).Msg("New version available")
	delivered := w.clients.Broadcast(ctx, messaging.NewUpdateAvailable(desc.Version))
	w.log.Debug().Int("clients", delivered).Msg("Notified clients about update")
	return desc.Version, true
}

func (w *Worker) fetchVersion(ctx context.Context) (VersionDescriptor, error) {
	var desc VersionDescriptor
	u, err := w.keyer.Resolve(w.versionURL)
	if err != nil {
		return desc, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return desc, err
	}
	res, err := w.client.Do(req)
	if err != nil {
		return desc, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return desc, fmt.Errorf("version endpoint returned %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return desc, err
	}
	if err := sonic.Unmarshal(body, &desc); err != nil {
		return desc, fmt.Errorf("malformed version descriptor: %w", err)
	}
	if desc.Version == "" {
		return desc, fmt.Errorf("version descriptor has no version")
	}
	return desc, nil
}

// StartUpdateSchedule dispatches the `check-updates` periodic sync on the given cron spec,
// e.g. `@every 24h`. It replaces a schedule started earlier.
func (w *Worker) StartUpdateSchedule(ctx context.Context, spec string) error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{w.log})))
	_, err := c.AddFunc(spec, func() {
		w.Dispatch(ctx, Event{Trigger: TriggerPeriodicSync, Tag: TagCheckUpdates})
	})
	if err != nil {
		return fmt.Errorf("update schedule %q: %w", spec, err)
	}
	w.mu.Lock()
	previous := w.cron
	w.cron = c
	w.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}
	c.Start()
	w.log.Info().Str("schedule", spec).Msg("Starting update checks")
	return nil
}

// Stop stops the update schedule and waits for outstanding cache writes.
func (w *Worker) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	w.Flush()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

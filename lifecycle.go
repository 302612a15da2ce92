package shellcache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/shellcache/cache"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// Install fetches every core asset and stores them in the given generation in one batch.
// If any asset cannot be fetched or stored, nothing is written and the worker becomes redundant.
// Failures are not retried.
func (w *Worker) Install(ctx context.Context, key GenerationKey) error {
	w.setState(StateInstalling)
	w.log.Info().Str("generation", key.CacheName).Msg("Installing")

	err := w.install(ctx, key)
	w.metrics.installs.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		w.setState(StateRedundant)
		w.log.Error().Err(err).Str("generation", key.CacheName).Msg("Installation failed")
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, key.CacheName, err)
	}

	w.mu.Lock()
	w.state = StateInstalled
	// take over without waiting for pages of the previous generation to close
	w.skipWaiting = true
	w.mu.Unlock()
	w.log.Info().Str("generation", key.CacheName).Int("assets", len(w.coreAssets)).Msg("Installation complete")
	return nil
}

func (w *Worker) install(ctx context.Context, key GenerationKey) error {
	entries, err := w.fetchAll(ctx, w.coreAssets)
	if err != nil {
		return err
	}
	existed, err := w.storage.Has(ctx, key.CacheName)
	if err != nil {
		return err
	}
	gen, err := w.storage.Open(ctx, key.CacheName)
	if err != nil {
		return err
	}
	w.log.Debug().Str("generation", key.CacheName).Msg("Caching core assets")
	if err := gen.PutAll(ctx, entries); err != nil {
		if !existed {
			if _, delErr := w.storage.Delete(ctx, key.CacheName); delErr != nil {
				w.log.Warn().Err(delErr).Msg("Could not remove incomplete generation")
			}
		}
		return err
	}
	return nil
}

// Activate deletes every generation other than key, makes key the active generation
// and then claims all connected clients.
// Deletion failures are logged and do not abort activation.
// Activating the already active generation again only claims clients that connected since.
func (w *Worker) Activate(ctx context.Context, key GenerationKey) error {
	if w.State() == StateRedundant {
		return fmt.Errorf("%w: %s", ErrInstallFailed, key.CacheName)
	}
	w.setState(StateActivating)
	w.log.Info().Str("generation", key.CacheName).Msg("Activating")

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("Could not list cache generations")
	}
	for _, name := range names {
		if name == key.CacheName {
			continue
		}
		w.log.Info().Str("generation", name).Msg("Deleting old cache")
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.log.Warn().Err(err).Str("generation", name).Msg("Could not delete old cache")
			continue
		}
		w.metrics.deleted.Inc()
	}

	gen, err := w.storage.Open(ctx, key.CacheName)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("open %s: %w", key.CacheName, err)
	}
	w.mu.Lock()
	w.active = gen
	w.activeKey = key
	w.state = StateActivated
	w.mu.Unlock()

	claimed := w.clients.Claim(ctx)
	w.log.Info().Str("generation", key.CacheName).Int("clients", claimed).Msg("Activation complete")
	return nil
}

// Start installs and activates the worker's own generation.
// If the install fails while a complete copy of the generation is already stored,
// that copy is activated so the worker keeps serving offline.
func (w *Worker) Start(ctx context.Context) error {
	key := w.Generation()
	if err := w.Install(ctx, key); err != nil {
		if !w.stored(ctx, key) {
			return err
		}
		w.log.Warn().Err(err).Str("generation", key.CacheName).Msg("Using previously installed cache")
		w.setState(StateInstalled)
	}
	return w.Activate(ctx, key)
}

// stored reports whether every core asset is present in the generation.
func (w *Worker) stored(ctx context.Context, key GenerationKey) bool {
	exists, err := w.storage.Has(ctx, key.CacheName)
	if err != nil || !exists {
		return false
	}
	gen, err := w.storage.Open(ctx, key.CacheName)
	if err != nil {
		return false
	}
	for _, raw := range w.coreAssets {
		u, err := w.keyer.Resolve(raw)
		if err != nil {
			return false
		}
		if _, ok, err := gen.Match(ctx, w.keyer.KeyForURL(http.MethodGet, u)); err != nil || !ok {
			return false
		}
	}
	return true
}

// CacheAssets adds the given URLs to the active generation.
// Either all of them are stored or none.
func (w *Worker) CacheAssets(ctx context.Context, urls []string) error {
	gen := w.activeGeneration()
	if gen == nil {
		return ErrNotActive
	}
	entries, err := w.fetchAll(ctx, urls)
	if err != nil {
		return err
	}
	return gen.PutAll(ctx, entries)
}

// fetchAll fetches all URLs concurrently and returns their entries in the given order.
// Any network error or non-2xx status fails the whole batch, naming the URL.
func (w *Worker) fetchAll(ctx context.Context, urls []string) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range urls {
		g.Go(func() error {
			u, err := w.keyer.Resolve(raw)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrAssetFetch, raw, err)
			}
			requestedAt := time.Now()
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrAssetFetch, raw, err)
			}
			res, err := w.client.Do(req)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrAssetFetch, raw, err)
			}
			defer res.Body.Close()
			if res.StatusCode < 200 || res.StatusCode > 299 {
				return fmt.Errorf("%w: %s: status %d", ErrAssetFetch, raw, res.StatusCode)
			}
			bts, err := serializer.ResponseToBytes(res)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrAssetFetch, raw, err)
			}
			entries[i] = cache.Entry{
				Key:      w.keyer.KeyForURL(http.MethodGet, u),
				StoredAt: requestedAt,
				Bytes:    bts,
			}
			w.log.Trace().Str("url", u.String()).Msg("Fetched asset")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

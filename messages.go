package shellcache

import (
	"context"

	"github.com/always-cache/shellcache/messaging"
)

func (w *Worker) handleMessage(ctx context.Context, ev Event) Result {
	msg := ev.Message.Message
	w.log.Debug().Str("type", string(msg.Type)).Str("client", ev.Source).Msg("Message received")

	switch msg.Type {
	case messaging.CheckUpdate:
		w.CheckForUpdates(ctx)
	case messaging.CacheAssets:
		err := w.CacheAssets(ctx, msg.URLs)
		w.metrics.cacheAssets.WithLabelValues(outcome(err)).Inc()
		if err != nil {
			w.log.Debug().Err(err).Strs("urls", msg.URLs).Msg("Could not cache assets")
		}
		reply := ev.Message.Reply()
		if reply == nil {
			return Result{Err: err}
		}
		result := messaging.NewCacheAssetsResult(err)
		result.ReplyTo = msg.ID
		if postErr := reply.PostMessage(ctx, result); postErr != nil {
			w.log.Debug().Err(postErr).Msg("Could not reply to cache request")
		}
		return Result{Err: err}
	default:
		w.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring message")
	}
	return Result{}
}

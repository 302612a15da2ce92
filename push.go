package shellcache

import (
	"context"

	"github.com/bytedance/sonic"
)

const (
	defaultNotificationTitle = "Site Engineering Assistant"
	defaultNotificationBody  = "New update available"
	notificationIcon         = "assets/icon-192x192.png"
	notificationBadge        = "assets/icon-96x96.png"
)

// PushPayload is the optional JSON body of a push message.
type PushPayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

type Notification struct {
	Title   string
	Body    string
	Icon    string
	Badge   string
	Vibrate []int
	// URL opened or focused when the notification is clicked.
	URL string
	// Close dismisses the notification. Optional.
	Close func()
}

// Notifier shows platform notifications.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// WindowOpener opens a new page context.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) (*Client, error)
}

// NotificationFromPush builds the notification for a push payload.
// Missing or malformed payloads fall back to the defaults.
func NotificationFromPush(data []byte) (Notification, error) {
	var payload PushPayload
	var err error
	if len(data) > 0 {
		err = sonic.Unmarshal(data, &payload)
	}
	return Notification{
		Title:   orDefault(payload.Title, defaultNotificationTitle),
		Body:    orDefault(payload.Body, defaultNotificationBody),
		Icon:    notificationIcon,
		Badge:   notificationBadge,
		Vibrate: []int{100, 50, 100},
		URL:     orDefault(payload.URL, "/"),
	}, err
}

func (w *Worker) handlePush(ctx context.Context, ev Event) Result {
	n, err := NotificationFromPush(ev.Data)
	if err != nil {
		w.log.Debug().Err(err).Msg("Malformed push payload, using defaults")
	}
	w.log.Debug().Str("title", n.Title).Msg("Push received")
	if w.notifier == nil {
		w.log.Debug().Msg("No notifier configured, dropping push")
		return Result{}
	}
	if err := w.notifier.ShowNotification(ctx, n); err != nil {
		w.log.Error().Err(err).Msg("Could not show notification")
		return Result{Err: err}
	}
	return Result{}
}

// handleNotificationClick focuses a window already showing the notification URL,
// or opens a new one.
func (w *Worker) handleNotificationClick(ctx context.Context, ev Event) Result {
	n := ev.Notification
	if n.Close != nil {
		n.Close()
	}
	target := orDefault(n.URL, "/")
	if u, err := w.keyer.Resolve(target); err == nil {
		target = u.String()
	}
	w.log.Debug().Str("url", target).Msg("Notification click")

	for _, client := range w.clients.MatchAll(WindowClient) {
		if client.URL != target || client.OnFocus == nil {
			continue
		}
		if err := client.Focus(ctx); err != nil {
			w.log.Debug().Err(err).Str("client", client.ID).Msg("Could not focus client")
			return Result{Err: err}
		}
		return Result{}
	}
	if w.opener == nil {
		return Result{}
	}
	if _, err := w.opener.OpenWindow(ctx, target); err != nil {
		w.log.Debug().Err(err).Str("url", target).Msg("Could not open window")
		return Result{Err: err}
	}
	return Result{}
}

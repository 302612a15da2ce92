// Package messaging carries tagged messages between page contexts and the worker.
package messaging

import (
	"context"
	"errors"

	"github.com/bytedance/sonic"
)

type Type string

const (
	// UpdateAvailable is sent by the worker when the version endpoint reports a new version.
	UpdateAvailable Type = "UPDATE_AVAILABLE"
	// CheckUpdate asks the worker to check the version endpoint now.
	CheckUpdate Type = "CHECK_UPDATE"
	// CacheAssets asks the worker to add URLs to the active generation.
	// The result is posted to the port transferred with the message.
	CacheAssets Type = "CACHE_ASSETS"
	// CacheAssetsResult is the reply to CacheAssets.
	CacheAssetsResult Type = "CACHE_ASSETS_RESULT"
	// ControllerChange tells a page that a new generation took control of it.
	ControllerChange Type = "CONTROLLER_CHANGE"
)

var ErrClosed = errors.New("port closed")

// Message is a self-contained record exchanged over a port.
type Message struct {
	Type    Type     `json:"type"`
	ID      string   `json:"id,omitempty"`
	ReplyTo string   `json:"replyTo,omitempty"`
	Version string   `json:"version,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	Success bool     `json:"success,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Envelope is a received message together with any ports transferred alongside it.
type Envelope struct {
	Message Message
	Ports   []Port
}

// Reply returns the first transferred port, or nil.
func (e Envelope) Reply() Port {
	if len(e.Ports) == 0 {
		return nil
	}
	return e.Ports[0]
}

// Port is one end of a message channel.
type Port interface {
	// PostMessage delivers msg to the other end.
	// Transferred ports let the receiver answer on a dedicated channel.
	PostMessage(ctx context.Context, msg Message, transfer ...Port) error
}

// NewUpdateAvailable builds the notification broadcast to pages.
func NewUpdateAvailable(version string) Message {
	return Message{Type: UpdateAvailable, Version: version}
}

// NewCacheAssetsResult builds the reply to a CacheAssets request.
func NewCacheAssetsResult(err error) Message {
	msg := Message{Type: CacheAssetsResult, Success: err == nil}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func Encode(msg Message) ([]byte, error) {
	return sonic.Marshal(msg)
}

func Decode(b []byte) (Message, error) {
	var msg Message
	err := sonic.Unmarshal(b, &msg)
	return msg, err
}

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// WSPort is a port backed by a websocket connection.
// Ports transferred with a message are kept locally and receive the
// message whose ReplyTo matches the sent message ID.
type WSPort struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending map[string]Port
	mu      sync.Mutex
	log     zerolog.Logger
}

// NewWSPort wraps conn. Nothing is logged if logger is nil.
func NewWSPort(conn *websocket.Conn, logger *zerolog.Logger) *WSPort {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &WSPort{
		conn:    conn,
		pending: make(map[string]Port),
		log:     log,
	}
}

// Dial connects to a worker message endpoint.
func Dial(ctx context.Context, url string, header http.Header, logger *zerolog.Logger) (*WSPort, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSPort(conn, logger), nil
}

func (p *WSPort) PostMessage(ctx context.Context, msg Message, transfer ...Port) error {
	if len(transfer) > 0 {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		p.mu.Lock()
		p.pending[msg.ID] = transfer[0]
		p.mu.Unlock()
	}
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		p.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("Could not set write deadline")
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

// Receive reads the next message addressed to this side.
// Replies to earlier requests are forwarded to the port transferred with the request.
// A message carrying an ID gets a reply port that answers over the same connection.
func (p *WSPort) Receive(ctx context.Context) (Envelope, error) {
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()
	for {
		_, b, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, err
		}
		msg, err := Decode(b)
		if err != nil {
			p.log.Debug().Err(err).Msg("Dropping undecodable message")
			continue
		}
		if msg.ReplyTo != "" {
			p.mu.Lock()
			port, ok := p.pending[msg.ReplyTo]
			delete(p.pending, msg.ReplyTo)
			p.mu.Unlock()
			if ok {
				if err := port.PostMessage(ctx, msg); err != nil {
					p.log.Debug().Err(err).Str("reply_to", msg.ReplyTo).Msg("Could not forward reply")
				}
				continue
			}
		}
		env := Envelope{Message: msg}
		if msg.ID != "" {
			env.Ports = []Port{&replyPort{port: p, id: msg.ID}}
		}
		return env, nil
	}
}

func (p *WSPort) Close() error {
	return p.conn.Close()
}

type replyPort struct {
	port *WSPort
	id   string
}

func (r *replyPort) PostMessage(ctx context.Context, msg Message, transfer ...Port) error {
	msg.ReplyTo = r.id
	return r.port.PostMessage(ctx, msg, transfer...)
}

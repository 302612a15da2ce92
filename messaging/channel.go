package messaging

import (
	"context"
	"sync"
)

const channelBuffer = 16

// MemPort is one end of an in-memory message channel.
type MemPort struct {
	out    chan Envelope
	in     chan Envelope
	closed chan struct{}
	once   *sync.Once
}

// NewChannel returns two connected ports.
// Whatever is posted to one is received on the other.
func NewChannel() (*MemPort, *MemPort) {
	ab := make(chan Envelope, channelBuffer)
	ba := make(chan Envelope, channelBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &MemPort{out: ab, in: ba, closed: closed, once: once}
	b := &MemPort{out: ba, in: ab, closed: closed, once: once}
	return a, b
}

func (p *MemPort) PostMessage(ctx context.Context, msg Message, transfer ...Port) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- Envelope{Message: msg, Ports: transfer}:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message arrives, the channel closes or ctx is done.
func (p *MemPort) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-p.closed:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close closes both ends of the channel.
func (p *MemPort) Close() {
	p.once.Do(func() { close(p.closed) })
}

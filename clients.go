package shellcache

import (
	"context"
	"errors"
	"sync"

	"github.com/always-cache/shellcache/messaging"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFocusable = errors.New("client cannot be focused")

type ClientType string

const (
	WindowClient ClientType = "window"
	WorkerClient ClientType = "worker"
)

// Client is a page context connected to the worker.
type Client struct {
	ID   string
	URL  string
	Type ClientType
	// Port delivers messages to the page.
	Port messaging.Port
	// OnFocus brings the page to the foreground. Optional.
	OnFocus func(ctx context.Context) error
}

func (c *Client) Focus(ctx context.Context) error {
	if c.OnFocus == nil {
		return ErrNotFocusable
	}
	return c.OnFocus(ctx)
}

// Clients is the set of page contexts the worker can reach.
// It is only used to target messages and is never persisted.
type Clients struct {
	mu      sync.RWMutex
	clients map[string]*Client
	order   []string
	claimed map[string]bool
	log     zerolog.Logger
}

func newClients(log zerolog.Logger) *Clients {
	return &Clients{
		clients: make(map[string]*Client),
		claimed: make(map[string]bool),
		log:     log,
	}
}

// Add registers a client, assigning an ID if it has none.
func (c *Clients) Add(client *Client) *Client {
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	if client.Type == "" {
		client.Type = WindowClient
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[client.ID]; !ok {
		c.order = append(c.order, client.ID)
	}
	// a reconnected client has a new port that was never claimed
	delete(c.claimed, client.ID)
	c.clients[client.ID] = client
	return client
}

func (c *Clients) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[id]; !ok {
		return
	}
	delete(c.clients, id)
	delete(c.claimed, id)
	for i, cid := range c.order {
		if cid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Clients) Get(id string) (*Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.clients[id]
	return client, ok
}

// MatchAll returns the clients of the given type in registration order.
// An empty type matches every client.
func (c *Clients) MatchAll(typ ClientType) []*Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	matched := make([]*Client, 0, len(c.order))
	for _, id := range c.order {
		client := c.clients[id]
		if typ == "" || client.Type == typ {
			matched = append(matched, client)
		}
	}
	return matched
}

// Broadcast posts msg to every client and returns how many received it.
// Delivery failures are logged and skipped.
func (c *Clients) Broadcast(ctx context.Context, msg messaging.Message) int {
	delivered := 0
	for _, client := range c.MatchAll("") {
		if client.Port == nil {
			continue
		}
		if err := client.Port.PostMessage(ctx, msg); err != nil {
			c.log.Debug().Err(err).Str("client", client.ID).Str("type", string(msg.Type)).Msg("Could not post message")
			continue
		}
		delivered++
	}
	return delivered
}

// Claim makes the worker the controller of every client it does not control yet
// and returns how many were newly claimed.
// Clients that were already claimed are not told again.
func (c *Clients) Claim(ctx context.Context) int {
	msg := messaging.Message{Type: messaging.ControllerChange}
	claimed := 0
	for _, client := range c.MatchAll("") {
		if client.Port == nil || c.isClaimed(client.ID) {
			continue
		}
		if err := client.Port.PostMessage(ctx, msg); err != nil {
			c.log.Debug().Err(err).Str("client", client.ID).Msg("Could not claim client")
			continue
		}
		c.mu.Lock()
		if _, ok := c.clients[client.ID]; ok {
			c.claimed[client.ID] = true
		}
		c.mu.Unlock()
		claimed++
	}
	return claimed
}

func (c *Clients) isClaimed(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.claimed[id]
}

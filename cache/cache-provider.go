package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrGenerationNotFound = errors.New("cache generation not found")

// Storage holds named cache generations.
// A generation is a set of stored responses addressed by request identity.
// Generations are created on demand and only ever deleted as a whole.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the generation with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Generation, error)
	// Has checks whether a generation with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all generations, oldest first.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the generation and all of its entries.
	// It returns false if there was nothing to delete.
	Delete(ctx context.Context, name string) (bool, error)
}

// Generation is a single versioned collection of stored responses.
type Generation interface {
	Name() string
	// Match returns the stored entry for the given key, if any.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores a single entry. An existing entry with the same key is replaced.
	// Writing to a deleted generation fails with ErrGenerationNotFound.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns the keys of all stored entries.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type memGeneration struct {
	name    string
	mutex   *sync.RWMutex
	entries map[string]Entry
	deleted bool
}

// MemStorage keeps generations in memory.
type MemStorage struct {
	mutex       *sync.RWMutex
	generations map[string]*memGeneration
	order       []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:       &sync.RWMutex{},
		generations: make(map[string]*memGeneration),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if g, ok := m.generations[name]; ok {
		return g, nil
	}
	g := &memGeneration{
		name:    name,
		mutex:   &sync.RWMutex{},
		entries: make(map[string]Entry),
	}
	m.generations[name] = g
	m.order = append(m.order, name)
	return g, nil
}

func (m *MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.generations[name]
	return ok, nil
}

func (m *MemStorage) Keys(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	return keys, nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	g, ok := m.generations[name]
	if !ok {
		return false, nil
	}
	g.mutex.Lock()
	g.deleted = true
	g.entries = make(map[string]Entry)
	g.mutex.Unlock()
	delete(m.generations, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (g *memGeneration) Name() string {
	return g.name
}

func (g *memGeneration) Match(_ context.Context, key string) (Entry, bool, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	entry, ok := g.entries[key]
	return entry, ok, nil
}

func (g *memGeneration) Put(_ context.Context, entry Entry) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.deleted {
		return ErrGenerationNotFound
	}
	g.entries[entry.Key] = entry
	return nil
}

func (g *memGeneration) PutAll(_ context.Context, entries []Entry) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.deleted {
		return ErrGenerationNotFound
	}
	for _, entry := range entries {
		g.entries[entry.Key] = entry
	}
	return nil
}

func (g *memGeneration) Keys(_ context.Context) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

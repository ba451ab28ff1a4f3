package mirror

import (
	"context"
	"fmt"
	"sync"
)

// Persist is the interface for storing and loading serialized snapshots. A
// name always identifies the same content.
type Persist interface {
	// Store makes the given bytes accessible by the given name.
	Store(context.Context, string, []byte) error
	// Load retrieves the previously-stored bytes by the given name.
	Load(context.Context, string) ([]byte, error)
}

type memoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewInMemoryStore provides a Persist that keeps snapshots in a map, usually for testing.
func NewInMemoryStore() Persist {
	return &memoryStore{snapshots: map[string][]byte{}}
}

func (m *memoryStore) Store(ctx context.Context, name string, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kept := append([]byte(nil), b...)
	m.mu.Lock()
	m.snapshots[name] = kept
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	b, ok := m.snapshots[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("snapshot %s not in memory store", name)
	}
	return b, nil
}

package storage

import (
	"context"
	"sync"
)

type memoryBackend struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return probe(context.Background(), &memoryBackend{items: make(map[string]string)})
}

func (m *memoryBackend) get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *memoryBackend) set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.items[key] = value
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

package repositories

import (
	"context"
	"sync"
)

// MemoryStore is a KeyValueStore that lives only as long as the process.
// It is used by tests and when STORE_BACKEND=memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (r *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (r *MemoryStore) Set(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = value
	return nil
}

func (r *MemoryStore) Remove(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
	return nil
}

func (r *MemoryStore) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values := make(map[string]string)
	for _, key := range keys {
		if value, ok := r.data[key]; ok {
			values[key] = value
		}
	}
	return values, nil
}

func (r *MemoryStore) MultiSet(ctx context.Context, pairs map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range pairs {
		r.data[key] = value
	}
	return nil
}

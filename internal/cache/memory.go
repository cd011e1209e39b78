package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is a process-local Backend for single-instance
// deployments and tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: map[string]memoryItem{}}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	item, ok := b.items[key]
	b.mu.RUnlock()
	if !ok || time.Now().After(item.expiresAt) {
		return nil, ErrMiss
	}
	return append([]byte(nil), item.value...), nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = memoryItem{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, key)
	return nil
}

func (b *MemoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.items {
		if strings.HasPrefix(key, prefix) {
			delete(b.items, key)
		}
	}
	return nil
}

func (b *MemoryBackend) Ping(_ context.Context) error { return nil }

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = map[string]memoryItem{}
	return nil
}

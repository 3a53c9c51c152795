package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/BENDERFACToRY/gatekeeper/telemetry"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryNow sets the time function for testing.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || expired(e.expiresAt, m.now()) {
		telemetry.RecordCacheOp(ctx, "memory", "get", "miss", time.Since(start))
		return nil, ErrMiss
	}

	telemetry.RecordCacheOp(ctx, "memory", "get", "hit", time.Since(start))
	return slices.Clone(e.value), nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()

	m.mu.Lock()
	m.entries[key] = memoryEntry{
		value:     slices.Clone(value),
		expiresAt: expiresAt(m.now(), ttl),
	}
	m.mu.Unlock()

	telemetry.RecordCacheOp(ctx, "memory", "put", "ok", time.Since(start))
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// PurgeExpired implements Purger.
func (m *MemoryStore) PurgeExpired(ctx context.Context, limit int) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for key, e := range m.entries {
		if limit > 0 && n >= limit {
			break
		}
		if expired(e.expiresAt, now) {
			delete(m.entries, key)
			n++
		}
	}
	return n, nil
}

// Close implements io.Closer. It drops every entry.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
	return nil
}

// Len returns the number of entries held, including expired ones not yet purged.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

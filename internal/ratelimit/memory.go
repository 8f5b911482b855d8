package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

type memoryEntry struct {
	bucket    domain.RateBucket
	counter   int64
	expiresAt time.Time
}

// MemoryStore is a process-local Store used when no Valkey is configured
// and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (m *MemoryStore) live(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryStore) GetBucket(_ context.Context, key string) (domain.RateBucket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return domain.RateBucket{}, false, nil
	}
	return e.bucket, true, nil
}

func (m *MemoryStore) SaveBucket(_ context.Context, key string, bucket domain.RateBucket, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = &memoryEntry{bucket: bucket, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		e = &memoryEntry{expiresAt: m.now().Add(window)}
		m.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

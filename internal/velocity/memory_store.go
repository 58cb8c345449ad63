package velocity

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type bucketKey struct {
	control     string
	key         string
	windowStart time.Time
}

// MemoryStore is an in-memory counter store for development and tests
type MemoryStore struct {
	mu       sync.Mutex
	counters map[bucketKey]int64
}

// NewMemoryStore creates an in-memory velocity store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[bucketKey]int64)}
}

// Reserve applies every item atomically, or none on any violation
func (m *MemoryStore) Reserve(ctx context.Context, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all ceilings before touching anything
	for _, it := range items {
		k := bucketKey{it.Control, it.Key, it.WindowStart}
		if m.counters[k]+it.Amount > it.Ceiling {
			return &LimitError{Control: it.Control}
		}
	}
	for _, it := range items {
		k := bucketKey{it.Control, it.Key, it.WindowStart}
		m.counters[k] += it.Amount
	}
	return nil
}

// Add increments a counter unconditionally
func (m *MemoryStore) Add(ctx context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := bucketKey{item.Control, item.Key, item.WindowStart}
	m.counters[k] += item.Amount
	return nil
}

// Usage returns the counter value for a window bucket
func (m *MemoryStore) Usage(ctx context.Context, control, key string, windowStart time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[bucketKey{control, key, windowStart}], nil
}

// String dumps counters for debugging
func (m *MemoryStore) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("velocity.MemoryStore(%d buckets)", len(m.counters))
}

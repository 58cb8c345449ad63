package webhook

import (
	"context"
	"sync"
)

type deliveryKey struct {
	provider string
	eventID  string
}

// MemoryStore is an in-memory delivery log for development and tests
type MemoryStore struct {
	mu   sync.Mutex
	seen map[deliveryKey]*Delivery
}

// NewMemoryStore creates an in-memory webhook store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[deliveryKey]*Delivery)}
}

// Admit records a delivery, rejecting duplicates
func (m *MemoryStore) Admit(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := deliveryKey{d.Provider, d.EventID}
	if _, exists := m.seen[k]; exists {
		return ErrDuplicate
	}
	cp := *d
	m.seen[k] = &cp
	return nil
}

// Release forgets a delivery so its retry can be admitted
func (m *MemoryStore) Release(ctx context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, deliveryKey{provider, eventID})
	return nil
}

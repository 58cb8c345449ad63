package review

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory review queue for development and tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	byTxn   map[string]string // txn id -> entry id
	order   []string
}

// NewMemoryStore creates an in-memory review store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		byTxn:   make(map[string]string),
	}
}

// Enqueue inserts an entry, returning the existing one if the transaction
// is already queued
func (m *MemoryStore) Enqueue(ctx context.Context, e *Entry) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byTxn[e.TxnID]; ok {
		cp := *m.entries[existingID]
		return &cp, nil
	}

	cp := *e
	m.entries[e.ID] = &cp
	m.byTxn[e.TxnID] = e.ID
	m.order = append(m.order, e.ID)

	out := cp
	return &out, nil
}

// Get retrieves one entry
func (m *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Resolve applies a decision to an open entry. Escalated entries remain
// open for a final approve or deny; anything else rejects a second decision.
func (m *MemoryStore) Resolve(ctx context.Context, id, status, reviewer, notes string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	open := e.Status == StatusPending ||
		(e.Status == StatusEscalated && status != StatusEscalated)
	if !open {
		cp := *e
		return &cp, ErrAlreadyResolved
	}

	now := time.Now()
	e.Status = status
	e.ReviewedBy = reviewer
	e.Notes = notes
	e.ResolvedAt = &now

	cp := *e
	return &cp, nil
}

// List returns entries with a given status, oldest first
func (m *MemoryStore) List(ctx context.Context, status string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		e := m.entries[id]
		if status == "" || e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PendingCount returns the number of entries awaiting a decision
func (m *MemoryStore) PendingCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range m.entries {
		if e.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

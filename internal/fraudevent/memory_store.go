package fraudevent

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory event log for development and tests
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an in-memory fraud event store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an event
func (m *MemoryStore) Record(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

// ListByUser returns a user's events, newest first
func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].UserID == userID {
			cp := *m.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByKind returns events of one kind since a cutoff, newest first
func (m *MemoryStore) ListByKind(ctx context.Context, kind string, since time.Time, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if e.Kind == kind && e.CreatedAt.After(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CountByUserKind counts a user's events of one kind since a cutoff
func (m *MemoryStore) CountByUserKind(ctx context.Context, userID, kind string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.events {
		if e.UserID == userID && e.Kind == kind && e.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// CountByIPKind counts events of one kind from an IP since a cutoff
func (m *MemoryStore) CountByIPKind(ctx context.Context, ip, kind string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.events {
		if e.IP == ip && e.Kind == kind && e.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// DistinctUsersByIP counts distinct users seen from an IP since a cutoff
func (m *MemoryStore) DistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make(map[string]bool)
	for _, e := range m.events {
		if e.IP == ip && e.UserID != "" && e.CreatedAt.After(since) {
			users[e.UserID] = true
		}
	}
	return len(users), nil
}

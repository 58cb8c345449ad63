package risk

import (
	"context"
	"fmt"
	"sync"
)

// MemoryPolicyStore is an in-memory policy store for development and tests
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[int]*Policy
	latest   int
}

// NewMemoryPolicyStore creates an in-memory policy store
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[int]*Policy)}
}

// Put stores a policy; versions are immutable
func (m *MemoryPolicyStore) Put(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.policies[p.Version]; exists {
		return fmt.Errorf("policy version %d already exists", p.Version)
	}
	cp := *p
	cp.Weights = make(map[string]int, len(p.Weights))
	for k, v := range p.Weights {
		cp.Weights[k] = v
	}
	m.policies[p.Version] = &cp
	if p.Version > m.latest {
		m.latest = p.Version
	}
	return nil
}

// Get retrieves a policy version
func (m *MemoryPolicyStore) Get(ctx context.Context, version int) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[version]
	if !ok {
		return nil, fmt.Errorf("policy version %d not found", version)
	}
	cp := *p
	return &cp, nil
}

// Latest returns the highest stored version, or nil when empty
func (m *MemoryPolicyStore) Latest(ctx context.Context) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latest == 0 {
		return nil, nil
	}
	cp := *m.policies[m.latest]
	return &cp, nil
}

package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for development and tests
type MemoryStore struct {
	mu       sync.Mutex
	txns     map[string]*Transaction
	order    []string // insertion order for history
	balances map[string]*Balance
}

// NewMemoryStore creates an in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:     make(map[string]*Transaction),
		balances: make(map[string]*Balance),
	}
}

func (m *MemoryStore) balance(userID string) *Balance {
	b, ok := m.balances[userID]
	if !ok {
		b = &Balance{UserID: userID}
		m.balances[userID] = b
	}
	return b
}

func (m *MemoryStore) insert(t *Transaction) {
	cp := *t
	m.txns[t.ID] = &cp
	m.order = append(m.order, t.ID)
}

// CreatePending inserts a new pending transaction
func (m *MemoryStore) CreatePending(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insert(t)
	return nil
}

// Get returns one transaction
func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// transition moves a pending transaction to a terminal status
func (m *MemoryStore) transition(id, to, reason string) (*Transaction, error) {
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch t.Status {
	case StatusPending:
	case to:
		cp := *t
		return &cp, ErrAlreadyFinal
	default:
		cp := *t
		return &cp, ErrInvalidTransition
	}

	t.Status = to
	if reason != "" {
		t.Description = reason
	}
	t.UpdatedAt = time.Now()

	cp := *t
	return &cp, nil
}

// Complete finalizes a pending transaction and credits the balance
func (m *MemoryStore) Complete(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.transition(id, StatusCompleted, "")
	if err != nil {
		return t, err
	}

	b := m.balance(t.UserID)
	b.Coins += t.NetAmount
	b.UpdatedAt = t.UpdatedAt
	return t, nil
}

// Fail marks a pending transaction as failed
func (m *MemoryStore) Fail(ctx context.Context, id, reason string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, StatusFailed, reason)
}

// Cancel withdraws a pending transaction
func (m *MemoryStore) Cancel(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, StatusCancelled, "cancelled_by_user")
}

// Chargeback inserts a new reversal transaction referencing a completed
// original and claws back its net amount
func (m *MemoryStore) Chargeback(ctx context.Context, originalID, newID, reason string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orig, ok := m.txns[originalID]
	if !ok {
		return nil, ErrNotFound
	}
	if orig.Status != StatusCompleted {
		cp := *orig
		return &cp, ErrInvalidTransition
	}
	for _, t := range m.txns {
		if t.Type == TypeChargeback && t.ReferenceID == originalID {
			cp := *t
			return &cp, ErrAlreadyReversed
		}
	}

	now := time.Now()
	cb := &Transaction{
		ID:          newID,
		UserID:      orig.UserID,
		Type:        TypeChargeback,
		Amount:      orig.NetAmount,
		NetAmount:   orig.NetAmount,
		Currency:    orig.Currency,
		Status:      StatusCompleted,
		Provider:    orig.Provider,
		ReferenceID: orig.ID,
		DeviceID:    orig.DeviceID,
		IP:          orig.IP,
		RiskScore:   orig.RiskScore,
		Description: reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.insert(cb)

	// Clawback may push the balance negative
	b := m.balance(orig.UserID)
	b.Coins -= orig.NetAmount
	b.UpdatedAt = now

	cp := *cb
	return &cp, nil
}

// Debit spends coins, rejecting overdraft
func (m *MemoryStore) Debit(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(t.UserID)
	if b.Coins < t.Amount {
		return ErrInsufficientBalance
	}
	b.Coins -= t.Amount
	if t.Type == TypeGiftSent {
		b.TotalSpent += t.Amount
	}
	b.UpdatedAt = time.Now()

	m.insert(t)
	return nil
}

// Credit adds coins
func (m *MemoryStore) Credit(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(t.UserID)
	b.Coins += t.Amount
	if t.Type == TypeGiftReceived {
		b.TotalEarned += t.Amount
	}
	b.UpdatedAt = time.Now()

	m.insert(t)
	return nil
}

// GetBalance returns a user's coin position, zero-valued when unseen
func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		return &Balance{UserID: userID, UpdatedAt: time.Now()}, nil
	}
	cp := *b
	return &cp, nil
}

// ListByUser returns a user's transactions, newest first
func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.txns[m.order[i]]
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

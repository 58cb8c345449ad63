// Package ledger tracks coin balances and the transaction state machine.
//
// Flow:
//  1. A recharge attempt creates a pending transaction
//  2. The provider webhook completes or fails it; the user may cancel it
//     before confirmation
//  3. Completion credits the user's coin balance atomically
//  4. Gifts and other spends record completed transactions immediately
//  5. A chargeback is a NEW transaction referencing the original; completed
//     rows are never mutated, keeping the trail append-only
//
// Legal transitions: pending -> completed, pending -> failed,
// pending -> cancelled. Everything else is rejected.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/glimlive/payguard/internal/idgen"
	"github.com/glimlive/payguard/internal/metrics"
)

var (
	ErrNotFound            = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid transaction state transition")
	ErrAlreadyFinal        = errors.New("transaction already finalized")
	ErrAlreadyReversed     = errors.New("transaction already charged back")
	ErrInsufficientBalance = errors.New("insufficient coin balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Transaction types
const (
	TypeRecharge     = "recharge"
	TypeGiftSent     = "gift_sent"
	TypeGiftReceived = "gift_received"
	TypeWithdrawal   = "withdrawal"
	TypeChargeback   = "chargeback"
	TypeRefund       = "refund"
	TypeAdjustment   = "adjustment"
)

// Transaction statuses
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DefaultCurrency is the platform's internal coin currency
const DefaultCurrency = "coins"

// Transaction is one ledger entry. Completed entries are immutable; a
// dispute produces a new chargeback entry via ReferenceID.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"` // coins, always positive
	Fee         int64     `json:"fee"`
	NetAmount   int64     `json:"netAmount"` // amount - fee; the balance effect
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	Provider    string    `json:"provider,omitempty"`
	ProviderRef string    `json:"providerRef,omitempty"` // provider-side id
	ReferenceID string    `json:"referenceId,omitempty"` // original txn for chargeback/refund
	DeviceID    string    `json:"deviceId,omitempty"`    // fingerprint of the initiating device
	IP          string    `json:"ip,omitempty"`          // client address of the initiating request
	RiskScore   int       `json:"riskScore,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Balance is a user's coin position.
// Coins may go negative only through chargebacks; normal debits are
// rejected before overdraft.
type Balance struct {
	UserID      string    `json:"userId"`
	Coins       int64     `json:"coins"`
	TotalEarned int64     `json:"totalEarned"` // lifetime gift income
	TotalSpent  int64     `json:"totalSpent"`  // lifetime gift spending
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists transactions and balances
type Store interface {
	// CreatePending inserts a new pending transaction with no balance effect.
	CreatePending(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// Complete moves a pending transaction to completed and applies its net
	// amount to the balance in the same atomic step. A transaction already
	// completed returns ErrAlreadyFinal with no balance effect; failed or
	// cancelled returns ErrInvalidTransition.
	Complete(ctx context.Context, id string) (*Transaction, error)
	// Fail moves a pending transaction to failed. Same finality rules as
	// Complete.
	Fail(ctx context.Context, id, reason string) (*Transaction, error)
	// Cancel moves a pending transaction to cancelled (user-initiated,
	// before provider confirmation). Same finality rules as Complete.
	Cancel(ctx context.Context, id string) (*Transaction, error)
	// Chargeback inserts a NEW completed transaction of type chargeback
	// referencing a completed original and claws back its net amount, all in
	// one atomic step. The original row is never mutated. A second
	// chargeback of the same original returns ErrAlreadyReversed.
	Chargeback(ctx context.Context, originalID, newID, reason string) (*Transaction, error)
	// Debit atomically checks and decrements the balance, recording a
	// completed transaction. Returns ErrInsufficientBalance without any
	// effect when coins would go negative.
	Debit(ctx context.Context, t *Transaction) error
	// Credit atomically increments the balance, recording a completed
	// transaction.
	Credit(ctx context.Context, t *Transaction) error
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// Ledger manages coin movements on top of a Store
type Ledger struct {
	store Store
}

// New creates a ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store for wiring
func (l *Ledger) Store() Store {
	return l.store
}

// CreatePending opens a recharge transaction awaiting provider confirmation.
// The initiating request's IP is kept on the row so settlement-time events
// can be tied back to the network origin of the attempt.
func (l *Ledger) CreatePending(ctx context.Context, userID string, amount, fee int64, provider, deviceID, ip string, riskScore int) (*Transaction, error) {
	if amount <= 0 || fee < 0 || fee >= amount {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	t := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		UserID:    userID,
		Type:      TypeRecharge,
		Amount:    amount,
		Fee:       fee,
		NetAmount: amount - fee,
		Currency:  DefaultCurrency,
		Status:    StatusPending,
		Provider:  provider,
		DeviceID:  deviceID,
		IP:        ip,
		RiskScore: riskScore,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreatePending(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns one transaction
func (l *Ledger) Get(ctx context.Context, id string) (*Transaction, error) {
	return l.store.Get(ctx, id)
}

// Complete finalizes a pending recharge and credits the coins
func (l *Ledger) Complete(ctx context.Context, id string) (*Transaction, error) {
	t, err := l.store.Complete(ctx, id)
	if err != nil {
		return t, err
	}
	metrics.LedgerTransitions.WithLabelValues(StatusPending, StatusCompleted).Inc()
	return t, nil
}

// Fail marks a pending recharge as failed
func (l *Ledger) Fail(ctx context.Context, id, reason string) (*Transaction, error) {
	t, err := l.store.Fail(ctx, id, reason)
	if err != nil {
		return t, err
	}
	metrics.LedgerTransitions.WithLabelValues(StatusPending, StatusFailed).Inc()
	return t, nil
}

// Cancel withdraws a pending recharge before provider confirmation
func (l *Ledger) Cancel(ctx context.Context, id string) (*Transaction, error) {
	t, err := l.store.Cancel(ctx, id)
	if err != nil {
		return t, err
	}
	metrics.LedgerTransitions.WithLabelValues(StatusPending, StatusCancelled).Inc()
	return t, nil
}

// Chargeback records a provider-reported reversal of a completed recharge
// as a new referencing transaction and claws back the coins
func (l *Ledger) Chargeback(ctx context.Context, originalID, reason string) (*Transaction, error) {
	t, err := l.store.Chargeback(ctx, originalID, idgen.WithPrefix("txn_"), reason)
	if err != nil {
		return t, err
	}
	metrics.LedgerTransitions.WithLabelValues(StatusCompleted, TypeChargeback).Inc()
	return t, nil
}

// Debit spends coins from a user's balance
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, txType, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	t := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		NetAmount:   amount,
		Currency:    DefaultCurrency,
		Status:      StatusCompleted,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.Debit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Credit adds coins to a user's balance
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, txType, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	t := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		NetAmount:   amount,
		Currency:    DefaultCurrency,
		Status:      StatusCompleted,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.Credit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetBalance returns a user's coin position
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// History returns a user's transactions, newest first
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.ListByUser(ctx, userID, limit)
}

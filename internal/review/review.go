// Package review holds payment attempts awaiting a human decision.
//
// Enqueueing is idempotent per transaction: a retried assessment never
// produces two review entries for the same transaction. Resolution is
// single-shot; an approved or denied entry rejects further decisions.
// Escalation is the one intermediate state: an escalated entry stays
// open until a second reviewer approves or denies it.
package review

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("review entry not found")
	ErrAlreadyResolved = errors.New("review entry already resolved")
)

// Entry statuses
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusDenied    = "denied"
	StatusEscalated = "escalated"
)

// Entry is one queued review case
type Entry struct {
	ID          string         `json:"id"`
	TxnID       string         `json:"txnId"`
	UserID      string         `json:"userId"`
	Reason      string         `json:"reason"`
	Score       int            `json:"score"`
	Factors     map[string]int `json:"factors,omitempty"`
	Status      string         `json:"status"`
	AutoBlocked bool           `json:"autoBlocked,omitempty"`
	ReviewedBy  string         `json:"reviewedBy,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Store persists review entries
type Store interface {
	// Enqueue inserts an entry unless one already exists for its
	// transaction, in which case the existing entry is returned unchanged.
	Enqueue(ctx context.Context, e *Entry) (*Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	// Resolve applies a decision to an open entry. Pending entries accept
	// approved, denied, or escalated; escalated entries accept approved or
	// denied. Approved and denied are terminal.
	Resolve(ctx context.Context, id, status, reviewer, notes string) (*Entry, error)
	List(ctx context.Context, status string, limit int) ([]*Entry, error)
	PendingCount(ctx context.Context) (int, error)
}

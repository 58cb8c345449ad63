package review

import (
	"context"
	"fmt"
	"time"

	"github.com/glimlive/payguard/internal/idgen"
	"github.com/glimlive/payguard/internal/logging"
	"github.com/glimlive/payguard/internal/metrics"
)

// Queue manages review entries on top of a Store
type Queue struct {
	store Store
}

// NewQueue creates a review queue
func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue adds a transaction to the review queue, idempotently. autoBlocked
// marks entries whose transaction was declined outright rather than held.
func (q *Queue) Enqueue(ctx context.Context, txnID, userID, reason string, score int, factors map[string]int, autoBlocked bool) (*Entry, error) {
	e := &Entry{
		ID:          idgen.WithPrefix("rev_"),
		TxnID:       txnID,
		UserID:      userID,
		Reason:      reason,
		Score:       score,
		Factors:     factors,
		Status:      StatusPending,
		AutoBlocked: autoBlocked,
		CreatedAt:   time.Now(),
	}
	out, err := q.store.Enqueue(ctx, e)
	if err != nil {
		return nil, err
	}
	q.refreshDepth(ctx)
	return out, nil
}

// Resolve applies a reviewer's decision to an open entry
func (q *Queue) Resolve(ctx context.Context, id, decision, reviewer, notes string) (*Entry, error) {
	switch decision {
	case StatusApproved, StatusDenied, StatusEscalated:
	default:
		return nil, fmt.Errorf("invalid review decision %q", decision)
	}
	e, err := q.store.Resolve(ctx, id, decision, reviewer, notes)
	if err != nil {
		return e, err
	}
	q.refreshDepth(ctx)
	return e, nil
}

// Get retrieves one entry
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	return q.store.Get(ctx, id)
}

// List returns entries with a given status, oldest first
func (q *Queue) List(ctx context.Context, status string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return q.store.List(ctx, status, limit)
}

// Depth returns the number of pending entries
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx)
}

func (q *Queue) refreshDepth(ctx context.Context) {
	n, err := q.store.PendingCount(ctx)
	if err != nil {
		logging.L(ctx).Warn("review depth refresh failed", "error", err)
		return
	}
	metrics.ReviewQueueDepth.Set(float64(n))
}

// Package webhook admits payment provider callbacks exactly once.
//
// Providers retry deliveries aggressively, so every callback passes through
// two gates: signature verification proves origin, and the idempotency guard
// admits each (provider, event id) pair exactly once no matter how many
// concurrent copies arrive.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrDuplicate         = errors.New("webhook already processed")
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	ErrStale             = errors.New("webhook delivery too old")
	ErrMalformed         = errors.New("webhook payload malformed")
)

// Event statuses after provider normalization
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Event is a provider callback normalized to platform terms
type Event struct {
	Provider  string    `json:"provider"`
	EventID   string    `json:"eventId"`
	Reference string    `json:"reference"` // platform transaction id
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"` // coins
	Detail    string    `json:"detail,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// Delivery is the idempotency record for one admitted event
type Delivery struct {
	Provider    string    `json:"provider"`
	EventID     string    `json:"eventId"`
	PayloadHash string    `json:"payloadHash"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Store persists delivery records
type Store interface {
	// Admit records a delivery. Returns ErrDuplicate when the
	// (provider, event id) pair was already admitted; exactly one of any
	// set of concurrent callers for the same pair succeeds.
	Admit(ctx context.Context, d *Delivery) error
	// Release deletes a delivery record so the provider's retry of the
	// same event can be admitted again. Called when processing fails
	// after admission; releasing an unknown pair is a no-op.
	Release(ctx context.Context, provider, eventID string) error
}

// Guard is the webhook idempotency gate
type Guard struct {
	store  Store
	maxAge time.Duration
	now    func() time.Time
}

// NewGuard creates a guard rejecting deliveries older than maxAge
func NewGuard(store Store, maxAge time.Duration) *Guard {
	return &Guard{store: store, maxAge: maxAge, now: time.Now}
}

// WithClock overrides the time source, for tests
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Admit checks staleness and records the delivery exactly once
func (g *Guard) Admit(ctx context.Context, ev *Event, body []byte) error {
	if ev.EventID == "" {
		return ErrMalformed
	}
	if !ev.SentAt.IsZero() && g.now().Sub(ev.SentAt) > g.maxAge {
		return ErrStale
	}

	sum := sha256.Sum256(body)
	return g.store.Admit(ctx, &Delivery{
		Provider:    ev.Provider,
		EventID:     ev.EventID,
		PayloadHash: hex.EncodeToString(sum[:]),
		ReceivedAt:  g.now(),
	})
}

// Release gives back an admitted event's idempotency key. An admitted
// delivery whose downstream effect failed must be released, or the
// provider's retries would all be swallowed as duplicates and the effect
// lost for good.
func (g *Guard) Release(ctx context.Context, ev *Event) error {
	return g.store.Release(ctx, ev.Provider, ev.EventID)
}

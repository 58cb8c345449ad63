// Package fraudevent records fraud-relevant occurrences as an immutable log.
//
// Every assessment, velocity denial, webhook anomaly and chargeback leaves an
// event here. Events are append-only: nothing updates or deletes them.
package fraudevent

import (
	"context"
	"time"
)

// Event kinds
const (
	KindAssessment     = "assessment"
	KindVelocityDenial = "velocity_denial"
	KindWebhookReplay  = "webhook_replay"
	KindSignatureFail  = "signature_fail"
	KindChargeback     = "chargeback"
	KindManualFlag     = "manual_flag"
	KindPaymentFailed  = "payment_failed"
)

// Event is a single immutable fraud log entry
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	DeviceID  string         `json:"deviceId,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Kind      string         `json:"kind"`
	Score     int            `json:"score,omitempty"`
	Verdict   string         `json:"verdict,omitempty"`
	Factors   map[string]int `json:"factors,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists fraud events
type Store interface {
	Record(ctx context.Context, e *Event) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Event, error)
	ListByKind(ctx context.Context, kind string, since time.Time, limit int) ([]*Event, error)
	// CountByUserKind counts a user's events of one kind since a cutoff.
	// Used by the risk engine for history signals.
	CountByUserKind(ctx context.Context, userID, kind string, since time.Time) (int, error)
	// CountByIPKind counts events of one kind from an IP since a cutoff.
	CountByIPKind(ctx context.Context, ip, kind string, since time.Time) (int, error)
	// DistinctUsersByIP counts distinct users seen from an IP since a cutoff.
	DistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int, error)
}

// Package device tracks trust scores for device fingerprints.
//
// Every payment attempt carries a device fingerprint. A device starts at a
// neutral trust score and is nudged up by successful payments and down by
// failures, chargebacks and manual flags. Trust is clamped to [0, 100].
// Each sighting also records the source IP and user agent; the IP history
// is capped at the most recent MaxIPHistory addresses.
package device

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("device not found")

// Trust score bounds and the score assigned to a first-seen device
const (
	MinTrust     = 0
	MaxTrust     = 100
	InitialTrust = 50

	MaxIPHistory = 10
)

// Device is the trust record for one fingerprint
type Device struct {
	Fingerprint string    `json:"fingerprint"`
	TrustScore  int       `json:"trustScore"`
	UserCount   int       `json:"userCount"` // distinct users seen on this device
	IPs         []string  `json:"ips,omitempty"` // most recent first
	UserAgent   string    `json:"userAgent,omitempty"`
	Flagged     bool      `json:"flagged"`
	FlagReason  string    `json:"flagReason,omitempty"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Store persists device trust data
type Store interface {
	// Record upserts a device sighting: creates the record at InitialTrust
	// on first sight, links the user, prepends the IP to the capped history
	// and refreshes last_seen. Returns the post-sighting record.
	Record(ctx context.Context, fingerprint, userID, ip, userAgent string) (*Device, error)
	Get(ctx context.Context, fingerprint string) (*Device, error)
	// AdjustTrust atomically applies delta to the trust score, clamped to
	// [MinTrust, MaxTrust]. Returns the new score.
	AdjustTrust(ctx context.Context, fingerprint string, delta int) (int, error)
	// Flag marks a device as flagged. Flagged devices keep their score but
	// force manual review on every payment.
	Flag(ctx context.Context, fingerprint, reason string) error
	Unflag(ctx context.Context, fingerprint string) error
}

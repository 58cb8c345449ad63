package device

import (
	"context"
	"sync"
	"time"
)

type memoryDevice struct {
	Device
	users map[string]bool
}

// MemoryStore is an in-memory device trust store for development and tests
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*memoryDevice
}

// NewMemoryStore creates an in-memory device trust store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*memoryDevice)}
}

// Record upserts a device sighting
func (m *MemoryStore) Record(ctx context.Context, fingerprint, userID, ip, userAgent string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	d, ok := m.devices[fingerprint]
	if !ok {
		d = &memoryDevice{
			Device: Device{
				Fingerprint: fingerprint,
				TrustScore:  InitialTrust,
				FirstSeen:   now,
			},
			users: make(map[string]bool),
		}
		m.devices[fingerprint] = d
	}
	d.LastSeen = now
	if userID != "" {
		d.users[userID] = true
	}
	d.UserCount = len(d.users)
	if ip != "" {
		d.IPs = prependIP(d.IPs, ip)
	}
	if userAgent != "" {
		d.UserAgent = userAgent
	}

	cp := d.Device
	cp.IPs = append([]string(nil), d.IPs...)
	return &cp, nil
}

// prependIP moves ip to the front of the history, dropping any earlier
// occurrence and capping the list at MaxIPHistory
func prependIP(ips []string, ip string) []string {
	out := make([]string, 0, len(ips)+1)
	out = append(out, ip)
	for _, v := range ips {
		if v == ip {
			continue
		}
		out = append(out, v)
	}
	if len(out) > MaxIPHistory {
		out = out[:MaxIPHistory]
	}
	return out
}

// Get retrieves a device record
func (m *MemoryStore) Get(ctx context.Context, fingerprint string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := d.Device
	cp.IPs = append([]string(nil), d.IPs...)
	return &cp, nil
}

// AdjustTrust applies delta to the trust score, clamped to [MinTrust, MaxTrust]
func (m *MemoryStore) AdjustTrust(ctx context.Context, fingerprint string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[fingerprint]
	if !ok {
		return 0, ErrNotFound
	}
	d.TrustScore = clamp(d.TrustScore + delta)
	return d.TrustScore, nil
}

// Flag marks a device as flagged
func (m *MemoryStore) Flag(ctx context.Context, fingerprint, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[fingerprint]
	if !ok {
		return ErrNotFound
	}
	d.Flagged = true
	d.FlagReason = reason
	return nil
}

// Unflag clears the flag on a device
func (m *MemoryStore) Unflag(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[fingerprint]
	if !ok {
		return ErrNotFound
	}
	d.Flagged = false
	d.FlagReason = ""
	return nil
}

func clamp(score int) int {
	if score < MinTrust {
		return MinTrust
	}
	if score > MaxTrust {
		return MaxTrust
	}
	return score
}

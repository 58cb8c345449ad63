// Package velocity enforces rate and volume ceilings over rolling windows.
//
// Controls are named counters bucketed by UTC window (hourly or daily) and
// keyed by user or IP. Reservation is check-and-increment in one atomic step:
// under concurrent attempts the sum of granted reservations never exceeds a
// control's ceiling, and a multi-control reservation is all-or-nothing.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrLimitExceeded = errors.New("velocity limit exceeded")

// Window granularities
const (
	WindowHour = "hour"
	WindowDay  = "day"
)

// Standard control names
const (
	ControlHourlyRecharges   = "hourly_recharges"
	ControlDailyCoins        = "daily_coins"
	ControlHourlyFailures    = "hourly_failures"
	ControlIPHourlyRecharges = "ip_hourly_recharges"
	ControlDailyLosses       = "daily_losses"
)

// Control defines one ceiling
type Control struct {
	Name    string
	Window  string // WindowHour or WindowDay
	Ceiling int64
}

// DefaultControls returns the platform's standard velocity controls
func DefaultControls() []Control {
	return []Control{
		{Name: ControlHourlyRecharges, Window: WindowHour, Ceiling: 10},
		{Name: ControlDailyCoins, Window: WindowDay, Ceiling: 10000},
		{Name: ControlHourlyFailures, Window: WindowHour, Ceiling: 5},
		{Name: ControlIPHourlyRecharges, Window: WindowHour, Ceiling: 30},
		{Name: ControlDailyLosses, Window: WindowDay, Ceiling: 50000},
	}
}

// Item is one fully resolved counter operation
type Item struct {
	Control     string
	Key         string
	WindowStart time.Time
	Amount      int64
	Ceiling     int64
}

// Store persists velocity counters
type Store interface {
	// Reserve applies every item atomically. If any item would push its
	// counter past its ceiling, no counter changes and a *LimitError for the
	// violated control is returned.
	Reserve(ctx context.Context, items []Item) error
	// Add increments a counter unconditionally (no ceiling check).
	Add(ctx context.Context, item Item) error
	// Usage returns the counter value for a window bucket, 0 if absent.
	Usage(ctx context.Context, control, key string, windowStart time.Time) (int64, error)
}

// LimitError reports which control rejected a reservation
type LimitError struct {
	Control string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("velocity limit exceeded: %s", e.Control)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// Tracker maps domain operations onto velocity controls
type Tracker struct {
	store    Store
	controls map[string]Control
	now      func() time.Time
}

// NewTracker creates a tracker over the given controls
func NewTracker(store Store, controls []Control) *Tracker {
	m := make(map[string]Control, len(controls))
	for _, c := range controls {
		m[c.Name] = c
	}
	return &Tracker{store: store, controls: m, now: time.Now}
}

// WithClock overrides the time source, for tests
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// WindowStart returns the UTC bucket start for a window granularity
func WindowStart(window string, now time.Time) time.Time {
	utc := now.UTC()
	switch window {
	case WindowDay:
		return utc.Truncate(24 * time.Hour)
	default:
		return utc.Truncate(time.Hour)
	}
}

func (t *Tracker) item(control, key string, amount int64) (Item, error) {
	c, ok := t.controls[control]
	if !ok {
		return Item{}, fmt.Errorf("unknown velocity control %q", control)
	}
	return Item{
		Control:     c.Name,
		Key:         key,
		WindowStart: WindowStart(c.Window, t.now()),
		Amount:      amount,
		Ceiling:     c.Ceiling,
	}, nil
}

// ReserveRecharge reserves capacity for one recharge attempt: one slot in the
// user's hourly attempt count, the coin amount against the user's daily coin
// ceiling, and one slot in the IP's hourly attempt count. All-or-nothing.
// Before reserving, the user's recent failure count is consulted; too many
// recent failures deny the attempt outright.
func (t *Tracker) ReserveRecharge(ctx context.Context, userID, ip string, coins int64) error {
	failures, ok := t.controls[ControlHourlyFailures]
	if ok {
		used, err := t.store.Usage(ctx, failures.Name, userID, WindowStart(failures.Window, t.now()))
		if err != nil {
			return fmt.Errorf("failed to read failure count: %w", err)
		}
		if used >= failures.Ceiling {
			return &LimitError{Control: failures.Name}
		}
	}

	items := make([]Item, 0, 3)
	it, err := t.item(ControlHourlyRecharges, userID, 1)
	if err != nil {
		return err
	}
	items = append(items, it)

	it, err = t.item(ControlDailyCoins, userID, coins)
	if err != nil {
		return err
	}
	items = append(items, it)

	if ip != "" {
		it, err = t.item(ControlIPHourlyRecharges, ip, 1)
		if err != nil {
			return err
		}
		items = append(items, it)
	}

	return t.store.Reserve(ctx, items)
}

// RecordFailure bumps the user's failed-payment counter
func (t *Tracker) RecordFailure(ctx context.Context, userID string) error {
	it, err := t.item(ControlHourlyFailures, userID, 1)
	if err != nil {
		return err
	}
	return t.store.Add(ctx, it)
}

// RecordLoss bumps the user's daily coin-loss counter (gifts sent, debits)
func (t *Tracker) RecordLoss(ctx context.Context, userID string, coins int64) error {
	it, err := t.item(ControlDailyLosses, userID, coins)
	if err != nil {
		return err
	}
	return t.store.Add(ctx, it)
}

// Usage returns the current-window counter for a control and key
func (t *Tracker) Usage(ctx context.Context, control, key string) (int64, error) {
	c, ok := t.controls[control]
	if !ok {
		return 0, fmt.Errorf("unknown velocity control %q", control)
	}
	return t.store.Usage(ctx, c.Name, key, WindowStart(c.Window, t.now()))
}

// Ceiling returns a control's configured ceiling
func (t *Tracker) Ceiling(control string) (int64, bool) {
	c, ok := t.controls[control]
	if !ok {
		return 0, false
	}
	return c.Ceiling, true
}

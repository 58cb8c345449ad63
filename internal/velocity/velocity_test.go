package velocity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testTracker(t *testing.T, controls []Control) *Tracker {
	t.Helper()
	fixed := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	return NewTracker(NewMemoryStore(), controls).WithClock(func() time.Time { return fixed })
}

func TestReserveRechargeWithinLimits(t *testing.T) {
	tr := testTracker(t, DefaultControls())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := tr.ReserveRecharge(ctx, "user1", "10.0.0.1", 100); err != nil {
			t.Fatalf("reservation %d rejected: %v", i, err)
		}
	}

	// 11th attempt in the hour must be rejected
	err := tr.ReserveRecharge(ctx, "user1", "10.0.0.1", 100)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Control != ControlHourlyRecharges {
		t.Fatalf("expected hourly_recharges violation, got %v", err)
	}
}

func TestReserveRechargeDailyCoinCeiling(t *testing.T) {
	tr := testTracker(t, DefaultControls())
	ctx := context.Background()

	if err := tr.ReserveRecharge(ctx, "user1", "", 9000); err != nil {
		t.Fatalf("first reservation rejected: %v", err)
	}
	err := tr.ReserveRecharge(ctx, "user1", "", 2000)
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Control != ControlDailyCoins {
		t.Fatalf("expected daily_coins violation, got %v", err)
	}
	// Remaining capacity is still available
	if err := tr.ReserveRecharge(ctx, "user1", "", 1000); err != nil {
		t.Fatalf("within-ceiling reservation rejected: %v", err)
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	tr := testTracker(t, DefaultControls())
	ctx := context.Background()

	// Exhaust the daily coin ceiling; the hourly attempt counter must not
	// advance when the coin control rejects.
	if err := tr.ReserveRecharge(ctx, "user1", "", 10000); err != nil {
		t.Fatalf("setup reservation rejected: %v", err)
	}

	before, err := tr.Usage(ctx, ControlHourlyRecharges, "user1")
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.ReserveRecharge(ctx, "user1", "", 500); err == nil {
		t.Fatal("expected rejection")
	}
	after, err := tr.Usage(ctx, ControlHourlyRecharges, "user1")
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Fatalf("rejected reservation advanced hourly counter: %d -> %d", before, after)
	}
}

func TestReserveConcurrentConservation(t *testing.T) {
	tr := testTracker(t, []Control{
		{Name: ControlHourlyRecharges, Window: WindowHour, Ceiling: 10},
		{Name: ControlDailyCoins, Window: WindowDay, Ceiling: 1000000},
		{Name: ControlHourlyFailures, Window: WindowHour, Ceiling: 5},
	})
	ctx := context.Background()

	const attempts = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.ReserveRecharge(ctx, "user1", "", 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Fatalf("granted %d reservations, ceiling is 10", granted)
	}
}

func TestFailureGuardDeniesRecharge(t *testing.T) {
	tr := testTracker(t, DefaultControls())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := tr.RecordFailure(ctx, "user1"); err != nil {
			t.Fatal(err)
		}
	}

	err := tr.ReserveRecharge(ctx, "user1", "", 100)
	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Control != ControlHourlyFailures {
		t.Fatalf("expected hourly_failures denial, got %v", err)
	}
}

func TestWindowBucketsAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 14, 10, 59, 0, 0, time.UTC)
	tr := NewTracker(store, DefaultControls()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := tr.ReserveRecharge(ctx, "user1", "", 1); err != nil {
			t.Fatalf("reservation %d rejected: %v", i, err)
		}
	}
	if err := tr.ReserveRecharge(ctx, "user1", "", 1); err == nil {
		t.Fatal("expected rejection at ceiling")
	}

	// Next hour opens a fresh attempt bucket
	now = now.Add(2 * time.Minute)
	if err := tr.ReserveRecharge(ctx, "user1", "", 1); err != nil {
		t.Fatalf("fresh window rejected: %v", err)
	}
}

func TestWindowStartUTC(t *testing.T) {
	now := time.Date(2026, 3, 14, 23, 45, 12, 0, time.FixedZone("NPT", 5*3600+45*60))
	day := WindowStart(WindowDay, now)
	if day.Hour() != 0 || day.Location() != time.UTC {
		t.Fatalf("day window must start at UTC midnight, got %v", day)
	}
	hour := WindowStart(WindowHour, now)
	if hour.Minute() != 0 || hour.Second() != 0 {
		t.Fatalf("hour window must start on the hour, got %v", hour)
	}
}

func TestRecordLossUnbounded(t *testing.T) {
	tr := testTracker(t, DefaultControls())
	ctx := context.Background()

	// Losses are recorded past the ceiling; they inform scoring, not gating
	for i := 0; i < 3; i++ {
		if err := tr.RecordLoss(ctx, "user1", 30000); err != nil {
			t.Fatalf("loss %d rejected: %v", i, err)
		}
	}
	used, err := tr.Usage(ctx, ControlDailyLosses, "user1")
	if err != nil {
		t.Fatal(err)
	}
	if used != 90000 {
		t.Fatalf("expected 90000 recorded, got %d", used)
	}
}

func TestUnknownControl(t *testing.T) {
	tr := testTracker(t, nil)
	if err := tr.ReserveRecharge(context.Background(), "user1", "", 1); err == nil {
		t.Fatal("expected error for unconfigured controls")
	}
	if _, err := tr.Usage(context.Background(), "nope", "user1"); err == nil {
		t.Fatal("expected error for unknown control")
	}
}

func ExampleLimitError() {
	err := &LimitError{Control: ControlDailyCoins}
	fmt.Println(err)
	// Output: velocity limit exceeded: daily_coins
}

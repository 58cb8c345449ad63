package velocity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimlive/payguard/internal/testutil"
	"github.com/glimlive/payguard/internal/velocity"
)

func pgTracker(t *testing.T) (*velocity.Tracker, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := velocity.NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	tracker := velocity.NewTracker(store, velocity.DefaultControls()).WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	})
	return tracker, cleanup
}

func TestPostgresReserveConservation(t *testing.T) {
	tracker, cleanup := pgTracker(t)
	defer cleanup()
	ctx := context.Background()

	// 40 concurrent attempts against a ceiling of 10: exactly 10 granted
	var wg sync.WaitGroup
	granted := make(chan struct{}, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tracker.ReserveRecharge(ctx, "alice", "", 10)
			switch {
			case err == nil:
				granted <- struct{}{}
			case errors.Is(err, velocity.ErrLimitExceeded):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(granted)

	grants := 0
	for range granted {
		grants++
	}
	if grants != 10 {
		t.Fatalf("expected exactly 10 grants, got %d", grants)
	}

	used, err := tracker.Usage(ctx, velocity.ControlHourlyRecharges, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if used != 10 {
		t.Fatalf("counter = %d, want 10 (denied attempts must not advance it)", used)
	}
}

func TestPostgresReserveAllOrNothing(t *testing.T) {
	tracker, cleanup := pgTracker(t)
	defer cleanup()
	ctx := context.Background()

	// exhaust the daily coin ceiling in one grant
	if err := tracker.ReserveRecharge(ctx, "alice", "", 10000); err != nil {
		t.Fatal(err)
	}

	err := tracker.ReserveRecharge(ctx, "alice", "", 1)
	var limitErr *velocity.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if limitErr.Control != velocity.ControlDailyCoins {
		t.Fatalf("violated control = %s, want %s", limitErr.Control, velocity.ControlDailyCoins)
	}

	// the rejected reservation must not have consumed an hourly slot
	used, err := tracker.Usage(ctx, velocity.ControlHourlyRecharges, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if used != 1 {
		t.Fatalf("hourly counter = %d, want 1", used)
	}
}

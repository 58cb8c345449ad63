package fraudevent

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seed(t *testing.T, s *MemoryStore, events ...*Event) {
	t.Helper()
	for _, e := range events {
		if err := s.Record(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListByUserNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	seed(t, s,
		&Event{ID: "evt_1", UserID: "alice", Kind: KindAssessment, CreatedAt: now.Add(-2 * time.Hour)},
		&Event{ID: "evt_2", UserID: "bob", Kind: KindAssessment, CreatedAt: now.Add(-time.Hour)},
		&Event{ID: "evt_3", UserID: "alice", Kind: KindChargeback, CreatedAt: now},
	)

	out, err := s.ListByUser(context.Background(), "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 events, got %d", len(out))
	}
	if out[0].ID != "evt_3" || out[1].ID != "evt_1" {
		t.Fatalf("unexpected order: %s, %s", out[0].ID, out[1].ID)
	}
}

func TestCountByUserKindHonorsCutoff(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	seed(t, s,
		&Event{ID: "evt_1", UserID: "alice", Kind: KindChargeback, CreatedAt: now.Add(-120 * 24 * time.Hour)},
		&Event{ID: "evt_2", UserID: "alice", Kind: KindChargeback, CreatedAt: now.Add(-10 * 24 * time.Hour)},
		&Event{ID: "evt_3", UserID: "alice", Kind: KindPaymentFailed, CreatedAt: now},
		&Event{ID: "evt_4", UserID: "bob", Kind: KindChargeback, CreatedAt: now},
	)

	n, err := s.CountByUserKind(context.Background(), "alice", KindChargeback, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 chargeback inside the window, got %d", n)
	}
}

func TestCountByIPKindHonorsCutoff(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	seed(t, s,
		&Event{ID: "evt_1", UserID: "alice", IP: "198.51.100.9", Kind: KindPaymentFailed, CreatedAt: now.Add(-2 * time.Hour)},
		&Event{ID: "evt_2", UserID: "bob", IP: "198.51.100.9", Kind: KindPaymentFailed, CreatedAt: now.Add(-10 * time.Minute)},
		&Event{ID: "evt_3", UserID: "carol", IP: "198.51.100.9", Kind: KindAssessment, CreatedAt: now},
		&Event{ID: "evt_4", UserID: "dave", IP: "203.0.113.1", Kind: KindPaymentFailed, CreatedAt: now},
	)

	n, err := s.CountByIPKind(context.Background(), "198.51.100.9", KindPaymentFailed, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 failure from the ip inside the window, got %d", n)
	}
}

func TestDistinctUsersByIP(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	seed(t, s,
		&Event{ID: "evt_1", UserID: "alice", IP: "198.51.100.9", Kind: KindAssessment, CreatedAt: now},
		&Event{ID: "evt_2", UserID: "alice", IP: "198.51.100.9", Kind: KindPaymentFailed, CreatedAt: now},
		&Event{ID: "evt_3", UserID: "bob", IP: "198.51.100.9", Kind: KindAssessment, CreatedAt: now},
		&Event{ID: "evt_4", UserID: "carol", IP: "198.51.100.9", Kind: KindAssessment, CreatedAt: now.Add(-48 * time.Hour)},
		&Event{ID: "evt_5", UserID: "dave", IP: "203.0.113.1", Kind: KindAssessment, CreatedAt: now},
	)

	n, err := s.DistinctUsersByIP(context.Background(), "198.51.100.9", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 distinct users inside the window, got %d", n)
	}
}

func TestListByKindLimit(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	for i := 0; i < 5; i++ {
		seed(t, s, &Event{
			ID:        fmt.Sprintf("evt_%d", i),
			UserID:    "alice",
			Kind:      KindVelocityDenial,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}

	out, err := s.ListByKind(context.Background(), KindVelocityDenial, now.Add(-time.Hour), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 events, got %d", len(out))
	}
	if out[0].ID != "evt_4" {
		t.Fatalf("expected newest first, got %s", out[0].ID)
	}
}

package device

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRecordCreatesWithInitialTrust(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d, err := s.Record(ctx, "fp_1", "alice", "203.0.113.4", "Mozilla/5.0")
	if err != nil {
		t.Fatal(err)
	}
	if d.TrustScore != InitialTrust {
		t.Fatalf("new device trust = %d, want %d", d.TrustScore, InitialTrust)
	}
	if d.UserCount != 1 {
		t.Fatalf("user count = %d, want 1", d.UserCount)
	}
	if d.FirstSeen.IsZero() || d.LastSeen.IsZero() {
		t.Fatal("sighting timestamps not set")
	}
	if len(d.IPs) != 1 || d.IPs[0] != "203.0.113.4" {
		t.Fatalf("ip history = %v, want the sighting ip", d.IPs)
	}
	if d.UserAgent != "Mozilla/5.0" {
		t.Fatalf("user agent = %q", d.UserAgent)
	}
}

func TestRecordCountsDistinctUsers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "alice", "carol", ""} {
		if _, err := s.Record(ctx, "fp_1", user, "", ""); err != nil {
			t.Fatal(err)
		}
	}

	d, err := s.Get(ctx, "fp_1")
	if err != nil {
		t.Fatal(err)
	}
	if d.UserCount != 3 {
		t.Fatalf("user count = %d, want 3 distinct users", d.UserCount)
	}
}

func TestAdjustTrustClamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Record(ctx, "fp_1", "alice", "", ""); err != nil {
		t.Fatal(err)
	}

	score, err := s.AdjustTrust(ctx, "fp_1", -200)
	if err != nil {
		t.Fatal(err)
	}
	if score != MinTrust {
		t.Fatalf("trust = %d, want floor %d", score, MinTrust)
	}

	score, err = s.AdjustTrust(ctx, "fp_1", 500)
	if err != nil {
		t.Fatal(err)
	}
	if score != MaxTrust {
		t.Fatalf("trust = %d, want ceiling %d", score, MaxTrust)
	}

	score, err = s.AdjustTrust(ctx, "fp_1", -25)
	if err != nil {
		t.Fatal(err)
	}
	if score != MaxTrust-25 {
		t.Fatalf("trust = %d, want %d", score, MaxTrust-25)
	}
}

func TestFlagAndUnflag(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Record(ctx, "fp_1", "alice", "", ""); err != nil {
		t.Fatal(err)
	}

	if err := s.Flag(ctx, "fp_1", "chargeback"); err != nil {
		t.Fatal(err)
	}
	d, err := s.Get(ctx, "fp_1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Flagged || d.FlagReason != "chargeback" {
		t.Fatalf("unexpected flag state: %+v", d)
	}

	if err := s.Unflag(ctx, "fp_1"); err != nil {
		t.Fatal(err)
	}
	d, err = s.Get(ctx, "fp_1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Flagged || d.FlagReason != "" {
		t.Fatalf("flag not cleared: %+v", d)
	}
}

func TestRecordCapsIPHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i)
		if _, err := s.Record(ctx, "fp_1", "alice", ip, ""); err != nil {
			t.Fatal(err)
		}
	}

	d, err := s.Get(ctx, "fp_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.IPs) != MaxIPHistory {
		t.Fatalf("ip history length = %d, want %d", len(d.IPs), MaxIPHistory)
	}
	if d.IPs[0] != "10.0.0.14" {
		t.Fatalf("most recent ip = %s, want 10.0.0.14", d.IPs[0])
	}

	// A repeated ip moves to the front instead of duplicating
	if _, err := s.Record(ctx, "fp_1", "alice", "10.0.0.7", ""); err != nil {
		t.Fatal(err)
	}
	d, err = s.Get(ctx, "fp_1")
	if err != nil {
		t.Fatal(err)
	}
	if d.IPs[0] != "10.0.0.7" {
		t.Fatalf("most recent ip = %s, want 10.0.0.7", d.IPs[0])
	}
	seen := make(map[string]int)
	for _, ip := range d.IPs {
		seen[ip]++
	}
	if seen["10.0.0.7"] != 1 {
		t.Fatalf("ip 10.0.0.7 appears %d times", seen["10.0.0.7"])
	}
}

func TestUnknownFingerprint(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "fp_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.AdjustTrust(ctx, "fp_missing", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AdjustTrust: expected ErrNotFound, got %v", err)
	}
	if err := s.Flag(ctx, "fp_missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Flag: expected ErrNotFound, got %v", err)
	}
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

func signedRequest(t *testing.T, v *HMACVerifier, p hmacPayload) ([]byte, http.Header) {
	t.Helper()
	body, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	h := http.Header{}
	h.Set(SignatureHeader, v.Sign(body))
	return body, h
}

func TestHMACVerifyRoundTrip(t *testing.T) {
	v := NewHMACVerifier("esewa", "test-secret")
	body, header := signedRequest(t, v, hmacPayload{
		EventID:       "evt_1",
		TransactionID: "txn_abc",
		Status:        "COMPLETE",
		AmountCoins:   500,
		Timestamp:     time.Now().Unix(),
	})

	ev, err := v.Verify(body, header)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Provider != "esewa" || ev.Reference != "txn_abc" || ev.Amount != 500 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Status != StatusSucceeded {
		t.Fatalf("COMPLETE must normalize to succeeded, got %s", ev.Status)
	}
}

func TestHMACVerifyRejectsBadSignature(t *testing.T) {
	v := NewHMACVerifier("khalti", "test-secret")
	body, header := signedRequest(t, v, hmacPayload{EventID: "evt_1", TransactionID: "txn_abc", Status: "FAILED"})

	cases := []struct {
		name   string
		mutate func(h http.Header, body []byte) ([]byte, http.Header)
	}{
		{"missing header", func(h http.Header, b []byte) ([]byte, http.Header) {
			return b, http.Header{}
		}},
		{"wrong secret", func(h http.Header, b []byte) ([]byte, http.Header) {
			other := NewHMACVerifier("khalti", "other-secret")
			nh := http.Header{}
			nh.Set(SignatureHeader, other.Sign(b))
			return b, nh
		}},
		{"tampered body", func(h http.Header, b []byte) ([]byte, http.Header) {
			tampered := []byte(`{"event_id":"evt_1","transaction_id":"txn_abc","status":"COMPLETE","amount_coins":999999}`)
			return tampered, h
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, h := tc.mutate(header, body)
			if _, err := v.Verify(b, h); !errors.Is(err, ErrSignatureMismatch) {
				t.Fatalf("expected ErrSignatureMismatch, got %v", err)
			}
		})
	}
}

func TestHMACVerifyRejectsMalformed(t *testing.T) {
	v := NewHMACVerifier("esewa", "test-secret")

	for _, body := range [][]byte{
		[]byte("not json"),
		[]byte(`{"transaction_id":"txn_abc","status":"COMPLETE"}`), // no event id
		[]byte(`{"event_id":"evt_1","status":"COMPLETE"}`),         // no transaction id
	} {
		h := http.Header{}
		h.Set(SignatureHeader, v.Sign(body))
		if _, err := v.Verify(body, h); !errors.Is(err, ErrMalformed) {
			t.Fatalf("body %q: expected ErrMalformed, got %v", body, err)
		}
	}
}

func TestHMACVerifyUnknownStatusIsFailed(t *testing.T) {
	v := NewHMACVerifier("esewa", "test-secret")
	body, header := signedRequest(t, v, hmacPayload{EventID: "evt_1", TransactionID: "txn_abc", Status: "PENDING"})

	ev, err := v.Verify(body, header)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != StatusFailed {
		t.Fatalf("unrecognized provider status must normalize to failed, got %s", ev.Status)
	}
}

func TestGuardAdmitsOnce(t *testing.T) {
	g := NewGuard(NewMemoryStore(), 5*time.Minute)
	ev := &Event{Provider: "esewa", EventID: "evt_1", Reference: "txn_abc", Status: StatusSucceeded}

	if err := g.Admit(context.Background(), ev, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := g.Admit(context.Background(), ev, []byte("payload")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGuardReleaseReadmits(t *testing.T) {
	g := NewGuard(NewMemoryStore(), 5*time.Minute)
	ev := &Event{Provider: "esewa", EventID: "evt_1", Reference: "txn_abc", Status: StatusSucceeded}

	if err := g.Admit(context.Background(), ev, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := g.Release(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := g.Admit(context.Background(), ev, []byte("payload")); err != nil {
		t.Fatalf("released event must be admissible again, got %v", err)
	}
	if err := g.Admit(context.Background(), ev, []byte("payload")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate after re-admission, got %v", err)
	}
}

func TestGuardConcurrentAdmitSingleWinner(t *testing.T) {
	g := NewGuard(NewMemoryStore(), 5*time.Minute)
	ev := &Event{Provider: "khalti", EventID: "evt_burst", Reference: "txn_abc", Status: StatusSucceeded}

	const deliveries = 50
	var wg sync.WaitGroup
	results := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Admit(context.Background(), ev, []byte("payload"))
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrDuplicate):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted)
	}
}

func TestGuardDistinguishesProviders(t *testing.T) {
	g := NewGuard(NewMemoryStore(), 5*time.Minute)

	for _, provider := range []string{"esewa", "khalti"} {
		ev := &Event{Provider: provider, EventID: "evt_1", Status: StatusSucceeded}
		if err := g.Admit(context.Background(), ev, nil); err != nil {
			t.Fatalf("provider %s: %v", provider, err)
		}
	}
}

func TestGuardRejectsStale(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	g := NewGuard(NewMemoryStore(), 5*time.Minute).WithClock(func() time.Time { return now })

	stale := &Event{Provider: "esewa", EventID: "evt_old", SentAt: now.Add(-6 * time.Minute)}
	if err := g.Admit(context.Background(), stale, nil); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	fresh := &Event{Provider: "esewa", EventID: "evt_new", SentAt: now.Add(-4 * time.Minute)}
	if err := g.Admit(context.Background(), fresh, nil); err != nil {
		t.Fatal(err)
	}
}

func TestGuardRejectsMissingEventID(t *testing.T) {
	g := NewGuard(NewMemoryStore(), 5*time.Minute)
	if err := g.Admit(context.Background(), &Event{Provider: "esewa"}, nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func ExampleHMACVerifier_Sign() {
	v := NewHMACVerifier("esewa", "secret")
	fmt.Println(len(v.Sign([]byte(`{}`))))
	// Output: 64
}

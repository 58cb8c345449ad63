package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"
)

// Verifier authenticates and normalizes one provider's callbacks
type Verifier interface {
	Provider() string
	Verify(body []byte, header http.Header) (*Event, error)
}

// SignatureHeader carries the HMAC for eSewa and Khalti callbacks
const SignatureHeader = "X-Webhook-Signature"

// hmacPayload is the callback body shape shared by eSewa and Khalti
type hmacPayload struct {
	EventID       string `json:"event_id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"` // COMPLETE, FAILED, ...
	AmountCoins   int64  `json:"amount_coins"`
	Detail        string `json:"detail"`
	Timestamp     int64  `json:"timestamp"` // unix seconds
}

// HMACVerifier authenticates callbacks signed with HMAC-SHA256 over the raw
// body, hex-encoded in SignatureHeader. Both eSewa and Khalti use this shape.
type HMACVerifier struct {
	provider string
	secret   []byte
}

// NewHMACVerifier creates a verifier for one provider
func NewHMACVerifier(provider, secret string) *HMACVerifier {
	return &HMACVerifier{provider: provider, secret: []byte(secret)}
}

// Provider returns the provider name this verifier serves
func (v *HMACVerifier) Provider() string { return v.provider }

// Sign computes the hex HMAC for a body. Used by tests and simulators.
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and normalizes the payload
func (v *HMACVerifier) Verify(body []byte, header http.Header) (*Event, error) {
	got := header.Get(SignatureHeader)
	if got == "" {
		return nil, ErrSignatureMismatch
	}
	if !hmac.Equal([]byte(got), []byte(v.Sign(body))) {
		return nil, ErrSignatureMismatch
	}

	var p hmacPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.EventID == "" || p.TransactionID == "" {
		return nil, ErrMalformed
	}

	status := StatusFailed
	if p.Status == "COMPLETE" || p.Status == "Completed" {
		status = StatusSucceeded
	}

	ev := &Event{
		Provider:  v.provider,
		EventID:   p.EventID,
		Reference: p.TransactionID,
		Status:    status,
		Amount:    p.AmountCoins,
		Detail:    p.Detail,
	}
	if p.Timestamp > 0 {
		ev.SentAt = time.Unix(p.Timestamp, 0)
	}
	return ev, nil
}

// StripeVerifier authenticates Stripe callbacks via the official SDK
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a verifier using the endpoint signing secret
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Provider returns "stripe"
func (v *StripeVerifier) Provider() string { return "stripe" }

// Verify checks the Stripe-Signature header and normalizes the event.
// Platform transaction id and coin amount travel in payment intent metadata.
func (v *StripeVerifier) Verify(body []byte, header http.Header) (*Event, error) {
	sev, err := stripewebhook.ConstructEvent(body, header.Get("Stripe-Signature"), v.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	var status string
	switch sev.Type {
	case "payment_intent.succeeded":
		status = StatusSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		status = StatusFailed
	default:
		return nil, fmt.Errorf("%w: unhandled event type %s", ErrMalformed, sev.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(sev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ref := pi.Metadata["txn_id"]
	if ref == "" {
		return nil, fmt.Errorf("%w: missing txn_id metadata", ErrMalformed)
	}
	coins, _ := strconv.ParseInt(pi.Metadata["coins"], 10, 64)

	return &Event{
		Provider:  "stripe",
		EventID:   sev.ID,
		Reference: ref,
		Status:    status,
		Amount:    coins,
		Detail:    string(sev.Type),
		SentAt:    time.Unix(sev.Created, 0),
	}, nil
}

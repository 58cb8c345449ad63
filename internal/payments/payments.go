// Package payments orchestrates the recharge pipeline.
//
// Initiation runs pre-authorization fraud controls (velocity, then risk
// scoring), opens a pending ledger transaction, and hands off to the
// payment provider. Provider webhooks come back through the idempotency
// guard and drive the transaction to its final state, feeding trust
// signals back into the device store.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/glimlive/payguard/internal/device"
	"github.com/glimlive/payguard/internal/fraudevent"
	"github.com/glimlive/payguard/internal/idgen"
	"github.com/glimlive/payguard/internal/ledger"
	"github.com/glimlive/payguard/internal/logging"
	"github.com/glimlive/payguard/internal/metrics"
	"github.com/glimlive/payguard/internal/realtime"
	"github.com/glimlive/payguard/internal/review"
	"github.com/glimlive/payguard/internal/risk"
	"github.com/glimlive/payguard/internal/velocity"
	"github.com/glimlive/payguard/internal/webhook"
)

// ErrDeclined is returned when the risk engine blocks a payment attempt.
// The caller gets no factor breakdown; declines stay opaque to the user.
var ErrDeclined = errors.New("payment declined")

// ErrExternalDebit is returned when the internal wallet API is asked to
// record a transaction type that moves money off the platform.
var ErrExternalDebit = errors.New("external movement not allowed on the wallet API")

// Trust feedback deltas applied on payment outcomes
const (
	trustDeltaSuccess    = 1
	trustDeltaFailure    = -5
	trustDeltaChargeback = -15
)

// Service wires the fraud controls around the ledger
type Service struct {
	ledger    *ledger.Ledger
	tracker   *velocity.Tracker
	engine    *risk.Engine
	guard     *webhook.Guard
	verifiers map[string]webhook.Verifier
	devices   device.Store
	events    fraudevent.Store
	queue     *review.Queue
	hub       *realtime.Hub
}

// NewService creates the payments orchestrator
func NewService(
	l *ledger.Ledger,
	tracker *velocity.Tracker,
	engine *risk.Engine,
	guard *webhook.Guard,
	verifiers []webhook.Verifier,
	devices device.Store,
	events fraudevent.Store,
	queue *review.Queue,
	hub *realtime.Hub,
) *Service {
	vm := make(map[string]webhook.Verifier, len(verifiers))
	for _, v := range verifiers {
		vm[v.Provider()] = v
	}
	return &Service{
		ledger:    l,
		tracker:   tracker,
		engine:    engine,
		guard:     guard,
		verifiers: vm,
		devices:   devices,
		events:    events,
		queue:     queue,
		hub:       hub,
	}
}

// RechargeRequest describes one recharge attempt
type RechargeRequest struct {
	UserID           string
	DeviceID         string
	IP               string
	UserAgent        string
	Amount           int64 // coins
	Fee              int64 // provider fee, deducted from the credited amount
	Provider         string
	AccountCreatedAt time.Time
}

// RechargeResult is the outcome of an admitted recharge attempt
type RechargeResult struct {
	Transaction *ledger.Transaction `json:"transaction"`
	Verdict     string              `json:"verdict"`
	Score       int                 `json:"score"`
	ReviewID    string              `json:"reviewId,omitempty"`
}

// InitiateRecharge runs the pre-authorization pipeline for one attempt.
// Velocity controls run first and reserve capacity; the risk engine then
// scores the attempt. Declined attempts create no ledger transaction.
func (s *Service) InitiateRecharge(ctx context.Context, req *RechargeRequest) (*RechargeResult, error) {
	log := logging.L(ctx)

	var dev *device.Device
	if req.DeviceID != "" {
		d, err := s.devices.Record(ctx, req.DeviceID, req.UserID, req.IP, req.UserAgent)
		if err != nil {
			// Engine treats an unreadable device store as adverse
			log.Warn("device sighting failed", "device_id", req.DeviceID, "error", err)
		} else {
			dev = d
		}
	}

	if err := s.tracker.ReserveRecharge(ctx, req.UserID, req.IP, req.Amount); err != nil {
		var limitErr *velocity.LimitError
		if errors.As(err, &limitErr) {
			metrics.VelocityDenials.WithLabelValues(limitErr.Control).Inc()
			s.record(ctx, &fraudevent.Event{
				ID:       idgen.WithPrefix("evt_"),
				UserID:   req.UserID,
				DeviceID: req.DeviceID,
				IP:       req.IP,
				Kind:     fraudevent.KindVelocityDenial,
				Detail:   limitErr.Control,
			})
			s.hub.Broadcast(&realtime.Event{
				Type:      realtime.EventVelocityDenial,
				Timestamp: time.Now(),
				Data:      map[string]interface{}{"userId": req.UserID, "control": limitErr.Control},
			})
		}
		return nil, err
	}

	assessment := s.engine.Assess(ctx, &risk.Input{
		UserID:           req.UserID,
		DeviceID:         req.DeviceID,
		IP:               req.IP,
		AmountCoins:      req.Amount,
		Method:           req.Provider,
		AccountCreatedAt: req.AccountCreatedAt,
	})

	metrics.AssessmentsTotal.WithLabelValues(assessment.Verdict).Inc()
	s.record(ctx, &fraudevent.Event{
		ID:       idgen.WithPrefix("evt_"),
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		IP:       req.IP,
		Kind:     fraudevent.KindAssessment,
		Score:    assessment.Score,
		Verdict:  assessment.Verdict,
		Factors:  assessment.Factors,
	})
	s.hub.BroadcastVerdict(map[string]interface{}{
		"userId":  req.UserID,
		"verdict": assessment.Verdict,
		"score":   float64(assessment.Score),
		"policy":  assessment.PolicyVersion,
	})

	if assessment.Verdict == risk.VerdictDecline {
		log.Info("recharge declined",
			"user_id", req.UserID, "score", assessment.Score, "policy", assessment.PolicyVersion)
		return nil, ErrDeclined
	}

	txn, err := s.ledger.CreatePending(ctx, req.UserID, req.Amount, req.Fee, req.Provider, req.DeviceID, req.IP, assessment.Score)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}

	result := &RechargeResult{
		Transaction: txn,
		Verdict:     assessment.Verdict,
		Score:       assessment.Score,
	}

	if assessment.Verdict == risk.VerdictReview {
		autoBlocked := dev != nil && dev.Flagged
		entry, err := s.queue.Enqueue(ctx, txn.ID, req.UserID, "risk_score", assessment.Score, assessment.Factors, autoBlocked)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue review: %w", err)
		}
		result.ReviewID = entry.ID
		s.hub.Broadcast(&realtime.Event{
			Type:      realtime.EventReviewQueued,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"userId": req.UserID, "reviewId": entry.ID, "txnId": txn.ID},
		})
	}

	log.Info("recharge initiated",
		"user_id", req.UserID, "txn_id", txn.ID, "verdict", assessment.Verdict, "score", assessment.Score)
	return result, nil
}

// HandleWebhook verifies, admits and applies one provider callback.
// Replays of an already-admitted event return webhook.ErrDuplicate with no
// ledger effect.
func (s *Service) HandleWebhook(ctx context.Context, provider string, body []byte, header http.Header) (*webhook.Event, error) {
	v, ok := s.verifiers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q", provider)
	}

	ev, err := v.Verify(body, header)
	if err != nil {
		if errors.Is(err, webhook.ErrSignatureMismatch) {
			metrics.WebhooksTotal.WithLabelValues(provider, "rejected").Inc()
			s.record(ctx, &fraudevent.Event{
				ID:     idgen.WithPrefix("evt_"),
				UserID: "unknown",
				Kind:   fraudevent.KindSignatureFail,
				Detail: provider,
			})
		}
		return nil, err
	}

	if err := s.guard.Admit(ctx, ev, body); err != nil {
		if errors.Is(err, webhook.ErrDuplicate) {
			metrics.WebhooksTotal.WithLabelValues(provider, "duplicate").Inc()
		}
		return ev, err
	}
	metrics.WebhooksTotal.WithLabelValues(provider, "admitted").Inc()

	// A failure past this point must give the idempotency key back, or the
	// provider's retries would all land as duplicates and the settlement
	// would be lost with the transaction stuck pending. Terminal-state
	// conflicts keep the key: no retry can ever change the outcome.
	release := func(cause error) (*webhook.Event, error) {
		if errors.Is(cause, ledger.ErrInvalidTransition) {
			return ev, cause
		}
		if rerr := s.guard.Release(ctx, ev); rerr != nil {
			logging.L(ctx).Error("failed to release webhook delivery",
				"provider", provider, "event_id", ev.EventID, "error", rerr)
		}
		return ev, cause
	}

	txn, err := s.ledger.Get(ctx, ev.Reference)
	if err != nil {
		return release(fmt.Errorf("webhook references unknown transaction %s: %w", ev.Reference, err))
	}

	switch ev.Status {
	case webhook.StatusSucceeded:
		if _, err := s.ledger.Complete(ctx, txn.ID); err != nil {
			if errors.Is(err, ledger.ErrAlreadyFinal) {
				// Distinct event id for an already-settled transaction;
				// admitted but a no-op
				break
			}
			return release(err)
		}
		s.adjustTrust(ctx, txn.DeviceID, trustDeltaSuccess, "raise")

	case webhook.StatusFailed:
		if _, err := s.ledger.Fail(ctx, txn.ID, ev.Detail); err != nil && !errors.Is(err, ledger.ErrAlreadyFinal) {
			return release(err)
		}
		if err := s.tracker.RecordFailure(ctx, txn.UserID); err != nil {
			logging.L(ctx).Warn("failure counter update failed", "user_id", txn.UserID, "error", err)
		}
		s.adjustTrust(ctx, txn.DeviceID, trustDeltaFailure, "lower")
		s.record(ctx, &fraudevent.Event{
			ID:       idgen.WithPrefix("evt_"),
			UserID:   txn.UserID,
			DeviceID: txn.DeviceID,
			IP:       txn.IP,
			Kind:     fraudevent.KindPaymentFailed,
			Detail:   ev.Detail,
		})
	}

	s.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventWebhook,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"userId": txn.UserID, "provider": provider, "status": ev.Status, "txnId": txn.ID,
		},
	})
	return ev, nil
}

// Credit adds coins to a user (gift received, promo grant)
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType, description string) (*ledger.Transaction, error) {
	return s.ledger.Credit(ctx, userID, amount, txType, description)
}

// Debit spends a user's coins (gift sent). The daily loss counter feeds
// the risk engine's view of coin outflow. Types that move money off the
// platform are rejected here: withdrawals go through Withdraw and its risk
// gate, reversals through Chargeback.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, txType, description string) (*ledger.Transaction, error) {
	switch txType {
	case ledger.TypeWithdrawal, ledger.TypeChargeback, ledger.TypeRefund:
		return nil, ErrExternalDebit
	}
	txn, err := s.ledger.Debit(ctx, userID, amount, txType, description)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.RecordLoss(ctx, userID, amount); err != nil {
		logging.L(ctx).Warn("loss counter update failed", "user_id", userID, "error", err)
	}
	return txn, nil
}

// WithdrawalRequest describes one cash-out attempt
type WithdrawalRequest struct {
	UserID           string
	DeviceID         string
	IP               string
	Amount           int64 // coins
	Description      string
	AccountCreatedAt time.Time
}

// Withdraw moves coins off the platform. Unlike gift spends, a withdrawal
// is external money movement and passes through the risk engine first; any
// verdict short of approve refuses it with no balance effect.
func (s *Service) Withdraw(ctx context.Context, req *WithdrawalRequest) (*ledger.Transaction, error) {
	assessment := s.engine.Assess(ctx, &risk.Input{
		UserID:           req.UserID,
		DeviceID:         req.DeviceID,
		IP:               req.IP,
		AmountCoins:      req.Amount,
		Method:           ledger.TypeWithdrawal,
		AccountCreatedAt: req.AccountCreatedAt,
	})
	metrics.AssessmentsTotal.WithLabelValues(assessment.Verdict).Inc()
	s.record(ctx, &fraudevent.Event{
		ID:       idgen.WithPrefix("evt_"),
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		IP:       req.IP,
		Kind:     fraudevent.KindAssessment,
		Score:    assessment.Score,
		Verdict:  assessment.Verdict,
		Factors:  assessment.Factors,
	})
	if assessment.Verdict != risk.VerdictApprove {
		logging.L(ctx).Info("withdrawal refused",
			"user_id", req.UserID, "score", assessment.Score, "verdict", assessment.Verdict)
		return nil, ErrDeclined
	}

	txn, err := s.ledger.Debit(ctx, req.UserID, req.Amount, ledger.TypeWithdrawal, req.Description)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.RecordLoss(ctx, req.UserID, req.Amount); err != nil {
		logging.L(ctx).Warn("loss counter update failed", "user_id", req.UserID, "error", err)
	}
	return txn, nil
}

// Chargeback records a provider-initiated reversal of a completed recharge
// as a new ledger transaction, claws back the coins, and poisons the
// device's trust
func (s *Service) Chargeback(ctx context.Context, txnID, reason string) (*ledger.Transaction, error) {
	cb, err := s.ledger.Chargeback(ctx, txnID, reason)
	if err != nil {
		return cb, err
	}

	s.record(ctx, &fraudevent.Event{
		ID:       idgen.WithPrefix("evt_"),
		UserID:   cb.UserID,
		DeviceID: cb.DeviceID,
		Kind:     fraudevent.KindChargeback,
		Score:    cb.RiskScore,
		Detail:   reason,
	})
	if cb.DeviceID != "" {
		s.adjustTrust(ctx, cb.DeviceID, trustDeltaChargeback, "lower")
		if err := s.devices.Flag(ctx, cb.DeviceID, "chargeback"); err != nil && err != device.ErrNotFound {
			logging.L(ctx).Warn("device flag failed", "device_id", cb.DeviceID, "error", err)
		}
		metrics.DeviceTrustAdjustments.WithLabelValues("flag").Inc()
	}
	s.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventChargeback,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"userId": cb.UserID, "txnId": cb.ID, "originalTxnId": cb.ReferenceID, "amount": cb.NetAmount},
	})
	return cb, nil
}

// Cancel withdraws a user's own pending recharge before the provider
// confirms it
func (s *Service) Cancel(ctx context.Context, txnID string) (*ledger.Transaction, error) {
	return s.ledger.Cancel(ctx, txnID)
}

// ResolveReview applies a reviewer's decision. Approval completes the held
// transaction and credits the coins; denial fails it; escalation leaves it
// pending for a second-line decision.
func (s *Service) ResolveReview(ctx context.Context, reviewID, decision, reviewer, notes string) (*review.Entry, error) {
	entry, err := s.queue.Resolve(ctx, reviewID, decision, reviewer, notes)
	if err != nil {
		return entry, err
	}

	switch decision {
	case review.StatusApproved:
		txn, err := s.ledger.Complete(ctx, entry.TxnID)
		if err != nil && !errors.Is(err, ledger.ErrAlreadyFinal) {
			return entry, fmt.Errorf("review approved but transaction not completed: %w", err)
		}
		if err == nil {
			s.adjustTrust(ctx, txn.DeviceID, trustDeltaSuccess, "raise")
		}
	case review.StatusDenied:
		if _, err := s.ledger.Fail(ctx, entry.TxnID, "review_denied"); err != nil && !errors.Is(err, ledger.ErrAlreadyFinal) {
			return entry, fmt.Errorf("review denied but transaction not failed: %w", err)
		}
	}

	s.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventReviewResolved,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"userId": entry.UserID, "reviewId": entry.ID, "decision": decision, "reviewer": reviewer,
		},
	})
	return entry, nil
}

// Reviews exposes the queue for read endpoints
func (s *Service) Reviews() *review.Queue {
	return s.queue
}

// FlagDevice manually flags a device for forced review
func (s *Service) FlagDevice(ctx context.Context, fingerprint, reason, by string) error {
	if err := s.devices.Flag(ctx, fingerprint, reason); err != nil {
		return err
	}
	metrics.DeviceTrustAdjustments.WithLabelValues("flag").Inc()
	s.record(ctx, &fraudevent.Event{
		ID:       idgen.WithPrefix("evt_"),
		UserID:   by,
		DeviceID: fingerprint,
		Kind:     fraudevent.KindManualFlag,
		Detail:   reason,
	})
	return nil
}

// adjustTrust applies a trust delta, best-effort
func (s *Service) adjustTrust(ctx context.Context, fingerprint string, delta int, direction string) {
	if fingerprint == "" {
		return
	}
	if _, err := s.devices.AdjustTrust(ctx, fingerprint, delta); err != nil && err != device.ErrNotFound {
		logging.L(ctx).Warn("trust adjustment failed", "device_id", fingerprint, "error", err)
		return
	}
	metrics.DeviceTrustAdjustments.WithLabelValues(direction).Inc()
}

// record persists a fraud event asynchronously (best-effort audit trail)
func (s *Service) record(ctx context.Context, e *fraudevent.Event) {
	e.CreatedAt = time.Now()
	log := logging.L(ctx)
	go func() {
		if err := s.events.Record(context.Background(), e); err != nil {
			log.Error("fraud event record failed", "kind", e.Kind, "error", err)
		}
	}()
}

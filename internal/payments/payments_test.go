package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimlive/payguard/internal/device"
	"github.com/glimlive/payguard/internal/fraudevent"
	"github.com/glimlive/payguard/internal/ledger"
	"github.com/glimlive/payguard/internal/realtime"
	"github.com/glimlive/payguard/internal/review"
	"github.com/glimlive/payguard/internal/risk"
	"github.com/glimlive/payguard/internal/velocity"
	"github.com/glimlive/payguard/internal/webhook"
)

type testEnv struct {
	svc      *Service
	ledger   *ledger.Ledger
	devices  *device.MemoryStore
	events   *fraudevent.MemoryStore
	queue    *review.Queue
	verifier *webhook.HMACVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvStore(t, ledger.NewMemoryStore())
}

func newTestEnvStore(t *testing.T, store ledger.Store) *testEnv {
	t.Helper()

	led := ledger.New(store)
	tracker := velocity.NewTracker(velocity.NewMemoryStore(), velocity.DefaultControls())
	devices := device.NewMemoryStore()
	events := fraudevent.NewMemoryStore()
	engine := risk.NewEngine(tracker, devices, events, risk.NewMemoryPolicyStore())
	guard := webhook.NewGuard(webhook.NewMemoryStore(), 5*time.Minute)
	queue := review.NewQueue(review.NewMemoryStore())
	hub := realtime.NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	verifier := webhook.NewHMACVerifier("esewa", "test-secret")

	svc := NewService(led, tracker, engine, guard,
		[]webhook.Verifier{verifier}, devices, events, queue, hub)

	return &testEnv{
		svc:      svc,
		ledger:   led,
		devices:  devices,
		events:   events,
		queue:    queue,
		verifier: verifier,
	}
}

// signedWebhook builds a provider callback body and signature for a
// transaction in the eSewa/Khalti shape
func (e *testEnv) signedWebhook(eventID, txnID, status string, amount int64) ([]byte, http.Header) {
	body := []byte(fmt.Sprintf(
		`{"event_id":%q,"transaction_id":%q,"status":%q,"amount_coins":%d,"timestamp":%d}`,
		eventID, txnID, status, amount, time.Now().Unix()))
	h := http.Header{}
	h.Set(webhook.SignatureHeader, e.verifier.Sign(body))
	return body, h
}

func establishedAccount() time.Time {
	return time.Now().Add(-30 * 24 * time.Hour)
}

// waitForEvents blocks until the async fraud event writer has persisted a
// user's event of the given kind
func waitForEvents(t *testing.T, store *fraudevent.MemoryStore, userID, kind string) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := store.CountByUserKind(context.Background(), userID, kind, time.Time{})
		return err == nil && n > 0
	}, time.Second, 5*time.Millisecond)
}

func TestRechargeHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		DeviceID:         "fp_alice",
		IP:               "203.0.113.7",
		Amount:           500,
		Fee:              25,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)
	assert.Equal(t, risk.VerdictApprove, res.Verdict)
	assert.Empty(t, res.ReviewID)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, ledger.StatusPending, res.Transaction.Status)
	assert.Equal(t, int64(475), res.Transaction.NetAmount)

	body, header := env.signedWebhook("evt_1", res.Transaction.ID, "COMPLETE", 500)
	ev, err := env.svc.HandleWebhook(ctx, "esewa", body, header)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusSucceeded, ev.Status)

	// the net amount lands, not the gross
	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(475), b.Coins)

	// successful settlement raises the device's trust
	d, err := env.devices.Get(ctx, "fp_alice")
	require.NoError(t, err)
	assert.Equal(t, device.InitialTrust+1, d.TrustScore)
}

func TestWebhookReplayCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		Amount:           500,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)

	body, header := env.signedWebhook("evt_1", res.Transaction.ID, "COMPLETE", 500)
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
	require.NoError(t, err)

	// provider retries the identical delivery
	for i := 0; i < 3; i++ {
		_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
		assert.ErrorIs(t, err, webhook.ErrDuplicate)
	}

	// a distinct event id for the settled transaction is admitted but a no-op
	body2, header2 := env.signedWebhook("evt_2", res.Transaction.ID, "COMPLETE", 500)
	_, err = env.svc.HandleWebhook(ctx, "esewa", body2, header2)
	require.NoError(t, err)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Coins, "replays must never credit twice")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		Amount:           500,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)

	body, _ := env.signedWebhook("evt_1", res.Transaction.ID, "COMPLETE", 500)
	h := http.Header{}
	h.Set(webhook.SignatureHeader, "deadbeef")
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, h)
	assert.ErrorIs(t, err, webhook.ErrSignatureMismatch)

	// transaction untouched
	txn, err := env.ledger.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, txn.Status)
}

func TestFailedPaymentFeedsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		DeviceID:         "fp_alice",
		IP:               "203.0.113.9",
		Amount:           500,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)

	body, header := env.signedWebhook("evt_1", res.Transaction.ID, "FAILED", 500)
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
	require.NoError(t, err)

	txn, err := env.ledger.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, txn.Status)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, b.Coins)

	d, err := env.devices.Get(ctx, "fp_alice")
	require.NoError(t, err)
	assert.Equal(t, device.InitialTrust-5, d.TrustScore)

	// the failure event carries the attempt's network origin, feeding the
	// per-IP risk signals
	waitForEvents(t, env.events, "alice", fraudevent.KindPaymentFailed)
	n, err := env.events.CountByIPKind(ctx, "203.0.113.9", fraudevent.KindPaymentFailed, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVelocityDenial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
			UserID:           "alice",
			Amount:           10,
			Provider:         "esewa",
			AccountCreatedAt: establishedAccount(),
		})
		require.NoError(t, err, "attempt %d within the hourly ceiling", i+1)
	}

	_, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		Amount:           10,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	assert.ErrorIs(t, err, velocity.ErrLimitExceeded)
}

func TestHighRiskDeclineCreatesNoTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// poison the user's history and device
	for i := 0; i < 3; i++ {
		require.NoError(t, env.events.Record(ctx, &fraudevent.Event{
			ID:        fmt.Sprintf("evt_cb_%d", i),
			UserID:    "mallory",
			Kind:      fraudevent.KindChargeback,
			CreatedAt: time.Now(),
		}))
	}
	for _, user := range []string{"u1", "u2", "u3", "u4", "u5"} {
		_, err := env.devices.Record(ctx, "fp_farm", user, "", "")
		require.NoError(t, err)
	}

	_, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:   "mallory",
		DeviceID: "fp_farm",
		Amount:   9000,
		Provider: "esewa",
		// zero AccountCreatedAt scores as brand new
	})
	assert.ErrorIs(t, err, ErrDeclined)

	history, err := env.ledger.History(ctx, "mallory", 0)
	require.NoError(t, err)
	assert.Empty(t, history, "declined attempts open no transaction")
}

func TestReviewVerdictQueuesAndDenialFailsTxn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// elevated amount, brand-new account, heavily shared device: review band
	for _, user := range []string{"u1", "u2", "u3", "u4"} {
		_, err := env.devices.Record(ctx, "fp_shared", user, "", "")
		require.NoError(t, err)
	}
	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:   "alice",
		DeviceID: "fp_shared",
		Amount:   1500,
		Provider: "esewa",
	})
	require.NoError(t, err)
	assert.Equal(t, risk.VerdictReview, res.Verdict)
	require.NotEmpty(t, res.ReviewID)

	entry, err := env.svc.ResolveReview(ctx, res.ReviewID, review.StatusDenied, "mod_kiran", "mismatched account details")
	require.NoError(t, err)
	assert.Equal(t, review.StatusDenied, entry.Status)
	assert.Equal(t, "mismatched account details", entry.Notes)

	txn, err := env.ledger.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, txn.Status)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, b.Coins)
}

func TestReviewApprovalCompletesTxn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3", "u4"} {
		_, err := env.devices.Record(ctx, "fp_shared", user, "", "")
		require.NoError(t, err)
	}
	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:   "alice",
		DeviceID: "fp_shared",
		Amount:   1500,
		Provider: "esewa",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ReviewID)

	_, err = env.svc.ResolveReview(ctx, res.ReviewID, review.StatusApproved, "mod_kiran", "verified with provider")
	require.NoError(t, err)

	// approval settles the held transaction and credits the coins
	txn, err := env.ledger.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, txn.Status)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), b.Coins)

	// a late provider webhook for the settled transaction is a no-op
	body, header := env.signedWebhook("evt_1", txn.ID, "COMPLETE", 1500)
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
	require.NoError(t, err)

	b, err = env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), b.Coins, "late webhook must not credit twice")
}

func TestCancelPendingRecharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		Amount:           500,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, cancelled.Status)

	// a webhook for the cancelled transaction settles nothing
	body, header := env.signedWebhook("evt_1", res.Transaction.ID, "COMPLETE", 500)
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, b.Coins)
}

func TestChargebackClawsBackAndPoisonsDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		DeviceID:         "fp_alice",
		Amount:           500,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)

	body, header := env.signedWebhook("evt_1", res.Transaction.ID, "COMPLETE", 500)
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
	require.NoError(t, err)

	cb, err := env.svc.Chargeback(ctx, res.Transaction.ID, "issuer_dispute")
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeChargeback, cb.Type)
	assert.Equal(t, ledger.StatusCompleted, cb.Status)
	assert.Equal(t, res.Transaction.ID, cb.ReferenceID)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, b.Coins)

	d, err := env.devices.Get(ctx, "fp_alice")
	require.NoError(t, err)
	assert.True(t, d.Flagged)
	assert.Equal(t, "chargeback", d.FlagReason)

	// the flagged device now forces review on the next attempt
	res2, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		DeviceID:         "fp_alice",
		Amount:           100,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)
	assert.NotEqual(t, risk.VerdictApprove, res2.Verdict)
}

func TestDebitRecordsLoss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Credit(ctx, "alice", 1000, ledger.TypeAdjustment, "promo grant")
	require.NoError(t, err)

	_, err = env.svc.Debit(ctx, "alice", 400, ledger.TypeGiftSent, "gift to streamer")
	require.NoError(t, err)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(600), b.Coins)

	_, err = env.svc.Debit(ctx, "alice", 601, ledger.TypeGiftSent, "gift")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestWebhookUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.HandleWebhook(context.Background(), "paypal", nil, http.Header{})
	assert.Error(t, err)
}

// flakyLedgerStore injects transient Complete failures
type flakyLedgerStore struct {
	ledger.Store
	failures int
}

func (f *flakyLedgerStore) Complete(ctx context.Context, id string) (*ledger.Transaction, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.Complete(ctx, id)
}

func TestWebhookRetrySettlesAfterTransientFault(t *testing.T) {
	store := &flakyLedgerStore{Store: ledger.NewMemoryStore(), failures: 1}
	env := newTestEnvStore(t, store)
	ctx := context.Background()

	res, err := env.svc.InitiateRecharge(ctx, &RechargeRequest{
		UserID:           "alice",
		Amount:           500,
		Provider:         "esewa",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)

	// first delivery hits the store fault; the error must be retryable,
	// not swallowed as a duplicate
	body, header := env.signedWebhook("evt_1", res.Transaction.ID, "COMPLETE", 500)
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
	require.Error(t, err)
	require.NotErrorIs(t, err, webhook.ErrDuplicate)

	txn, err := env.ledger.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, txn.Status)

	// the provider's identical retry is admitted again and settles
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
	require.NoError(t, err)

	txn, err = env.ledger.Get(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, txn.Status)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Coins)

	// further replays are duplicate no-ops
	_, err = env.svc.HandleWebhook(ctx, "esewa", body, header)
	assert.ErrorIs(t, err, webhook.ErrDuplicate)
	b, err = env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Coins)
}

func TestWithdrawalRiskGated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Credit(ctx, "alice", 2000, ledger.TypeAdjustment, "promo grant")
	require.NoError(t, err)

	// a fresh account moving a large amount off the platform is refused
	_, err = env.svc.Withdraw(ctx, &WithdrawalRequest{
		UserID: "alice",
		Amount: 1500,
	})
	assert.ErrorIs(t, err, ErrDeclined)

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), b.Coins, "refused withdrawal must not move coins")

	// an established account with a modest amount clears the gate
	txn, err := env.svc.Withdraw(ctx, &WithdrawalRequest{
		UserID:           "alice",
		DeviceID:         "fp_alice",
		Amount:           300,
		Description:      "cash out",
		AccountCreatedAt: establishedAccount(),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeWithdrawal, txn.Type)
	assert.Equal(t, ledger.StatusCompleted, txn.Status)

	b, err = env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1700), b.Coins)
}

func TestWalletDebitRejectsExternalMovement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Credit(ctx, "alice", 1000, ledger.TypeAdjustment, "promo grant")
	require.NoError(t, err)

	for _, txType := range []string{ledger.TypeWithdrawal, ledger.TypeChargeback, ledger.TypeRefund} {
		_, err = env.svc.Debit(ctx, "alice", 100, txType, "sneaky")
		assert.ErrorIs(t, err, ErrExternalDebit, "type %s", txType)
	}

	b, err := env.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.Coins)
}

package risk

import (
	"context"
	"sync"
	"time"

	"github.com/glimlive/payguard/internal/device"
	"github.com/glimlive/payguard/internal/fraudevent"
	"github.com/glimlive/payguard/internal/idgen"
	"github.com/glimlive/payguard/internal/logging"
	"github.com/glimlive/payguard/internal/velocity"
)

// VelocityReader is the slice of the velocity tracker the engine consults
type VelocityReader interface {
	Usage(ctx context.Context, control, key string) (int64, error)
	Ceiling(control string) (int64, bool)
}

// DeviceReader is the slice of the device store the engine consults
type DeviceReader interface {
	Get(ctx context.Context, fingerprint string) (*device.Device, error)
}

// HistoryReader is the slice of the fraud event log the engine consults
type HistoryReader interface {
	CountByUserKind(ctx context.Context, userID, kind string, since time.Time) (int, error)
	CountByIPKind(ctx context.Context, ip, kind string, since time.Time) (int, error)
	DistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int, error)
}

// Trust below this line is a risk signal in itself
const lowTrustLine = 30

// Failure-rate signal: proportion of failed payments over this window,
// ignored until the user has enough attempts to make a rate meaningful.
const (
	failureRateWindow   = 7 * 24 * time.Hour
	failureRateMinTries = 4
)

// History and IP signal windows
const (
	chargebackWindow = 30 * 24 * time.Hour
	ipFailureWindow  = time.Hour
	ipSharedWindow   = 24 * time.Hour
)

// IP signal trip lines
const (
	ipFailureLine = 3 // failures from one IP in ipFailureWindow
	ipSharedLine  = 5 // distinct users from one IP in ipSharedWindow
)

// Engine scores payment attempts against the active policy
type Engine struct {
	mu       sync.RWMutex
	policy   *Policy
	vel      VelocityReader
	devices  DeviceReader
	history  HistoryReader
	policies PolicyStore
	now      func() time.Time
}

// NewEngine creates a risk engine with the default policy active
func NewEngine(vel VelocityReader, devices DeviceReader, history HistoryReader, policies PolicyStore) *Engine {
	return &Engine{
		policy:   DefaultPolicy(),
		vel:      vel,
		devices:  devices,
		history:  history,
		policies: policies,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ActivatePolicy loads and activates a stored policy version.
// Version 0 activates the latest stored version, falling back to the
// built-in default when nothing is stored.
func (e *Engine) ActivatePolicy(ctx context.Context, version int) error {
	var p *Policy
	var err error
	if version == 0 {
		p, err = e.policies.Latest(ctx)
	} else {
		p, err = e.policies.Get(ctx, version)
	}
	if err != nil {
		return err
	}
	if p == nil {
		p = DefaultPolicy()
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	return nil
}

// ActivePolicy returns the policy used for new assessments
func (e *Engine) ActivePolicy() *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Assess scores one payment attempt. It never returns an error: signal
// failures are folded into the score as an adverse factor and the verdict
// floor is raised to review.
//
// A velocity breach is an absolute gate, not an advisory signal: the
// attempt short-circuits to score 100 and decline before any other factor
// is weighed.
func (e *Engine) Assess(ctx context.Context, in *Input) *Assessment {
	pol := e.ActivePolicy()
	factors := make(map[string]int)
	failedChecks := 0
	forceReview := false

	add := func(name string, points int) {
		max := pol.Weight(name)
		if points > max {
			points = max
		}
		if points > 0 {
			factors[name] = points
		}
	}
	failed := func(check string, err error) {
		failedChecks++
		logging.L(ctx).Warn("risk signal unavailable, scoring adverse",
			"check", check, "user_id", in.UserID, "error", err)
	}

	// Velocity gate. Usage already reflects a reservation taken for the
	// attempt under assessment, so the breach line is strictly past the
	// ceiling.
	if used, err := e.vel.Usage(ctx, velocity.ControlHourlyRecharges, in.UserID); err != nil {
		failed("velocity", err)
	} else if ceiling, ok := e.vel.Ceiling(velocity.ControlHourlyRecharges); ok && used > ceiling {
		return e.finish(in, pol, map[string]int{
			FactorVelocityExceeded: pol.Weight(FactorVelocityExceeded),
		}, false)
	}

	// Device signal
	if in.DeviceID == "" {
		add(FactorMissingDevice, pol.Weight(FactorMissingDevice))
	} else {
		d, err := e.devices.Get(ctx, in.DeviceID)
		switch {
		case err == device.ErrNotFound:
			// Never-seen devices score as neutral trust
		case err != nil:
			failed("device", err)
		default:
			if d.Flagged {
				forceReview = true
			}
			if d.TrustScore < lowTrustLine {
				add(FactorDeviceTrust, pol.Weight(FactorDeviceTrust))
			}
			if d.UserCount > 3 {
				add(FactorSharedDevice, pol.Weight(FactorSharedDevice))
			}
		}
	}

	// User-history signal: chargebacks dominate, then the failure rate
	cbSince := e.now().Add(-chargebackWindow)
	if n, err := e.history.CountByUserKind(ctx, in.UserID, fraudevent.KindChargeback, cbSince); err != nil {
		failed("history", err)
	} else if n > 0 {
		add(FactorFraudHistory, n*defaultChargebackPoints)
	}

	frSince := e.now().Add(-failureRateWindow)
	attempts, aErr := e.history.CountByUserKind(ctx, in.UserID, fraudevent.KindAssessment, frSince)
	failures, fErr := e.history.CountByUserKind(ctx, in.UserID, fraudevent.KindPaymentFailed, frSince)
	switch {
	case aErr != nil:
		failed("failure_rate", aErr)
	case fErr != nil:
		failed("failure_rate", fErr)
	case attempts >= failureRateMinTries && failures*2 > attempts:
		add(FactorFailureRate, pol.Weight(FactorFailureRate))
	}

	// Account age; a zero creation time scores as brand new
	age := e.now().Sub(in.AccountCreatedAt)
	if in.AccountCreatedAt.IsZero() || age < 24*time.Hour {
		add(FactorNewAccount, pol.Weight(FactorNewAccount))
	} else if age < 7*24*time.Hour {
		add(FactorNewAccount, pol.Weight(WeightNewAccountWeek))
	}

	// Amount signal, both bands apply past the hard line
	if in.AmountCoins > pol.AmountSoftLine {
		points := pol.Weight(WeightAmountOverSoft)
		if in.AmountCoins > pol.AmountHardLine {
			points += pol.Weight(WeightAmountOverHard)
		}
		add(FactorAmountSpike, points)
	}

	// IP signal, combined contribution capped
	if in.IP != "" {
		if n, err := e.history.CountByIPKind(ctx, in.IP, fraudevent.KindPaymentFailed, e.now().Add(-ipFailureWindow)); err != nil {
			failed("ip_failures", err)
		} else if n > ipFailureLine {
			add(FactorIPFailures, pol.Weight(FactorIPFailures))
		}
		if n, err := e.history.DistinctUsersByIP(ctx, in.IP, e.now().Add(-ipSharedWindow)); err != nil {
			failed("ip_shared", err)
		} else if n > ipSharedLine {
			add(FactorIPShared, pol.Weight(FactorIPShared))
		}
		if over := factors[FactorIPFailures] + factors[FactorIPShared] - DefaultIPContributionCap; over > 0 {
			factors[FactorIPShared] -= over
		}
	}

	if failedChecks > 0 {
		add(FactorAssessmentError, failedChecks*pol.Weight(FactorAssessmentError))
		forceReview = true
	}

	return e.finish(in, pol, factors, forceReview)
}

func (e *Engine) finish(in *Input, pol *Policy, factors map[string]int, forceReview bool) *Assessment {
	score := 0
	for _, pts := range factors {
		score += pts
	}
	if score > 100 {
		score = 100
	}

	verdict := VerdictApprove
	switch {
	case score >= pol.DeclineThreshold:
		verdict = VerdictDecline
	case score >= pol.ReviewThreshold:
		verdict = VerdictReview
	}
	if forceReview && verdict == VerdictApprove {
		verdict = VerdictReview
	}

	return &Assessment{
		ID:            idgen.WithPrefix("risk_"),
		UserID:        in.UserID,
		Score:         score,
		Verdict:       verdict,
		Factors:       factors,
		PolicyVersion: pol.Version,
		EvaluatedAt:   e.now(),
	}
}

// Package risk scores payment attempts and renders a verdict.
//
// Scoring is additive: each factor contributes points up to its policy
// weight, the total is clamped to [0, 100], and thresholds map the score to
// a verdict. Policies are versioned so every assessment can be replayed
// against the exact weights that produced it.
//
// The engine fails closed: when a signal source errors, the attempt is
// scored as if the signal were adverse and the verdict is at least review.
package risk

import (
	"context"
	"time"
)

// Verdicts, from most to least permissive
const (
	VerdictApprove = "approve"
	VerdictReview  = "review"
	VerdictDecline = "decline"
)

// Factor names
const (
	FactorVelocityExceeded = "velocity_exceeded"
	FactorAmountSpike      = "amount_spike"
	FactorDeviceTrust      = "device_trust"
	FactorMissingDevice    = "missing_device"
	FactorSharedDevice     = "shared_device"
	FactorNewAccount       = "new_account"
	FactorFraudHistory     = "fraud_history"
	FactorFailureRate      = "failure_rate"
	FactorIPFailures       = "ip_failures"
	FactorIPShared         = "ip_shared"
	FactorAssessmentError  = "assessment_error"
)

// Sub-weight names for banded factors. They live in the weights map so
// every tunable point value travels with the policy version it belongs to.
const (
	WeightAmountOverSoft = "amount_over_soft"
	WeightAmountOverHard = "amount_over_hard"
	WeightNewAccountWeek = "new_account_week"
)

// Default thresholds
const (
	DefaultDeclineThreshold = 70
	DefaultReviewThreshold  = 50
)

// Policy is one versioned set of scoring weights and thresholds.
// Weights are the maximum points a factor may contribute. The amount lines
// are the coin amounts above which the amount factor starts contributing.
type Policy struct {
	Version          int            `json:"version"`
	Weights          map[string]int `json:"weights"`
	AmountSoftLine   int64          `json:"amountSoftLine"`
	AmountHardLine   int64          `json:"amountHardLine"`
	ReviewThreshold  int            `json:"reviewThreshold"`
	DeclineThreshold int            `json:"declineThreshold"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Per-factor point values and structural limits of the built-in policy.
// Weights in a Policy are the maximum points a factor may contribute; the
// engine derives per-event and banded contributions from them.
const (
	defaultLowTrustPoints      = 25
	defaultMissingDevicePoints = 20
	defaultSharedDevicePoints  = 15
	defaultChargebackPoints    = 30 // per event, capped by the factor weight
	defaultFailureRatePoints   = 20
	defaultNewAccountPoints    = 25 // under a day; the week band is its own weight
	defaultNewAccountWeekPts   = 15
	defaultAmountSoftPoints    = 15
	defaultAmountHardPoints    = 25
	defaultAmountPoints        = defaultAmountSoftPoints + defaultAmountHardPoints
	defaultIPFailurePoints     = 20
	defaultIPSharedPoints      = 15
	defaultErrorPoints         = 30

	// DefaultIPContributionCap bounds the combined IP factors.
	DefaultIPContributionCap = 50
)

// DefaultPolicy returns the built-in version 1 policy
func DefaultPolicy() *Policy {
	return &Policy{
		Version: 1,
		Weights: map[string]int{
			FactorVelocityExceeded: 100,
			FactorAmountSpike:      defaultAmountPoints,
			FactorDeviceTrust:      defaultLowTrustPoints,
			FactorMissingDevice:    defaultMissingDevicePoints,
			FactorSharedDevice:     defaultSharedDevicePoints,
			FactorNewAccount:       defaultNewAccountPoints,
			FactorFraudHistory:     2 * defaultChargebackPoints,
			FactorFailureRate:      defaultFailureRatePoints,
			FactorIPFailures:       defaultIPFailurePoints,
			FactorIPShared:         defaultIPSharedPoints,
			FactorAssessmentError:  defaultErrorPoints,
			WeightAmountOverSoft:   defaultAmountSoftPoints,
			WeightAmountOverHard:   defaultAmountHardPoints,
			WeightNewAccountWeek:   defaultNewAccountWeekPts,
		},
		AmountSoftLine:   1000,
		AmountHardLine:   5000,
		ReviewThreshold:  DefaultReviewThreshold,
		DeclineThreshold: DefaultDeclineThreshold,
		CreatedAt:        time.Now(),
	}
}

// Weight returns a factor's maximum points, 0 if unset
func (p *Policy) Weight(factor string) int {
	return p.Weights[factor]
}

// Input describes one payment attempt to be assessed
type Input struct {
	UserID           string
	DeviceID         string // device fingerprint
	IP               string
	AmountCoins      int64
	Method           string
	AccountCreatedAt time.Time // zero value is treated as a brand-new account
}

// Assessment is the scoring outcome for one attempt
type Assessment struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	Score         int            `json:"score"`
	Verdict       string         `json:"verdict"`
	Factors       map[string]int `json:"factors"`
	PolicyVersion int            `json:"policyVersion"`
	EvaluatedAt   time.Time      `json:"evaluatedAt"`
}

// PolicyStore persists versioned scoring policies
type PolicyStore interface {
	// Put stores a policy. Versions are immutable: storing an existing
	// version is an error.
	Put(ctx context.Context, p *Policy) error
	Get(ctx context.Context, version int) (*Policy, error)
	// Latest returns the highest-version policy, or nil when none stored.
	Latest(ctx context.Context) (*Policy, error)
}

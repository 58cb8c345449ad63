package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresPolicyStore implements PolicyStore with PostgreSQL
type PostgresPolicyStore struct {
	db *sql.DB
}

// NewPostgresPolicyStore creates a new PostgreSQL-backed policy store
func NewPostgresPolicyStore(db *sql.DB) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db}
}

// Migrate creates the risk_policies table
func (p *PostgresPolicyStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_policies (
			version            INT PRIMARY KEY,
			weights            JSONB NOT NULL,
			amount_soft_line   BIGINT NOT NULL DEFAULT 1000,
			amount_hard_line   BIGINT NOT NULL DEFAULT 5000,
			review_threshold   INT NOT NULL,
			decline_threshold  INT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// Put stores a policy; the primary key keeps versions immutable
func (p *PostgresPolicyStore) Put(ctx context.Context, pol *Policy) error {
	weights, err := json.Marshal(pol.Weights)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO risk_policies (version, weights, amount_soft_line, amount_hard_line, review_threshold, decline_threshold)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, pol.Version, weights, pol.AmountSoftLine, pol.AmountHardLine, pol.ReviewThreshold, pol.DeclineThreshold)
	if err != nil {
		return fmt.Errorf("failed to store policy version %d: %w", pol.Version, err)
	}
	return nil
}

// Get retrieves a policy version
func (p *PostgresPolicyStore) Get(ctx context.Context, version int) (*Policy, error) {
	return p.queryOne(ctx, `
		SELECT version, weights, amount_soft_line, amount_hard_line, review_threshold, decline_threshold, created_at
		FROM risk_policies WHERE version = $1
	`, version)
}

// Latest returns the highest stored version, or nil when empty
func (p *PostgresPolicyStore) Latest(ctx context.Context) (*Policy, error) {
	pol, err := p.queryOne(ctx, `
		SELECT version, weights, amount_soft_line, amount_hard_line, review_threshold, decline_threshold, created_at
		FROM risk_policies ORDER BY version DESC LIMIT 1
	`)
	if errors.Is(err, errNoPolicy) {
		return nil, nil
	}
	return pol, err
}

var errNoPolicy = errors.New("policy not found")

func (p *PostgresPolicyStore) queryOne(ctx context.Context, query string, args ...any) (*Policy, error) {
	pol := &Policy{}
	var weights []byte
	err := p.db.QueryRowContext(ctx, query, args...).Scan(
		&pol.Version, &weights, &pol.AmountSoftLine, &pol.AmountHardLine, &pol.ReviewThreshold, &pol.DeclineThreshold, &pol.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errNoPolicy
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(weights, &pol.Weights); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	return pol, nil
}

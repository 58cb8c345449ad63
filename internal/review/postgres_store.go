package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed review store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the review_entries table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS review_entries (
			id           VARCHAR(40) PRIMARY KEY,
			txn_id       VARCHAR(40) NOT NULL UNIQUE,
			user_id      VARCHAR(64) NOT NULL,
			reason       TEXT NOT NULL,
			score        INT NOT NULL DEFAULT 0,
			factors      JSONB,
			status       VARCHAR(12) NOT NULL DEFAULT 'pending',
			auto_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			reviewed_by  VARCHAR(64),
			notes        TEXT,
			resolved_at  TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_review_status ON review_entries(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_review_user ON review_entries(user_id);
	`)
	return err
}

// Enqueue inserts an entry; ON CONFLICT on txn_id makes retries return the
// existing entry instead of a duplicate
func (p *PostgresStore) Enqueue(ctx context.Context, e *Entry) (*Entry, error) {
	var factors []byte
	if e.Factors != nil {
		var err error
		factors, err = json.Marshal(e.Factors)
		if err != nil {
			return nil, fmt.Errorf("failed to encode factors: %w", err)
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO review_entries (id, txn_id, user_id, reason, score, factors, status, auto_blocked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (txn_id) DO NOTHING
	`, e.ID, e.TxnID, e.UserID, e.Reason, e.Score, factors, e.Status, e.AutoBlocked, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue review: %w", err)
	}

	return p.getByTxn(ctx, e.TxnID)
}

// Get retrieves one entry
func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	return scanEntry(p.db.QueryRowContext(ctx, `
		SELECT id, txn_id, user_id, reason, score, factors, status, auto_blocked, reviewed_by, notes, resolved_at, created_at
		FROM review_entries WHERE id = $1
	`, id))
}

func (p *PostgresStore) getByTxn(ctx context.Context, txnID string) (*Entry, error) {
	return scanEntry(p.db.QueryRowContext(ctx, `
		SELECT id, txn_id, user_id, reason, score, factors, status, auto_blocked, reviewed_by, notes, resolved_at, created_at
		FROM review_entries WHERE txn_id = $1
	`, txnID))
}

// Resolve applies a decision to an open entry. The status predicate makes
// concurrent resolutions race at the database; the loser sees the winner's
// decision with ErrAlreadyResolved. Escalated entries stay open for a final
// approve or deny.
func (p *PostgresStore) Resolve(ctx context.Context, id, status, reviewer, notes string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		UPDATE review_entries
		SET status = $2, reviewed_by = $3, notes = $4, resolved_at = NOW()
		WHERE id = $1
		  AND (status = 'pending' OR (status = 'escalated' AND $2 <> 'escalated'))
		RETURNING id, txn_id, user_id, reason, score, factors, status, auto_blocked, reviewed_by, notes, resolved_at, created_at
	`, id, status, reviewer, notes))
	if err == ErrNotFound {
		cur, getErr := p.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return cur, ErrAlreadyResolved
	}
	return e, err
}

// List returns entries with a given status, oldest first
func (p *PostgresStore) List(ctx context.Context, status string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, txn_id, user_id, reason, score, factors, status, auto_blocked, reviewed_by, notes, resolved_at, created_at
		FROM review_entries
	`
	args := []any{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingCount returns the number of entries awaiting a decision
func (p *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM review_entries WHERE status = 'pending'
	`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var factors []byte
	var reviewedBy, notes sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&e.ID, &e.TxnID, &e.UserID, &e.Reason, &e.Score, &factors,
		&e.Status, &e.AutoBlocked, &reviewedBy, &notes, &resolvedAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ReviewedBy = reviewedBy.String
	e.Notes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	if len(factors) > 0 {
		_ = json.Unmarshal(factors, &e.Factors)
	}
	return e, nil
}

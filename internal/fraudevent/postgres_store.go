package fraudevent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed fraud event store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fraud_events table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_events (
			id          VARCHAR(40) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			device_id   VARCHAR(128),
			ip          VARCHAR(45),
			kind        VARCHAR(32) NOT NULL,
			score       INT NOT NULL DEFAULT 0,
			verdict     VARCHAR(16),
			factors     JSONB,
			detail      TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_events_user ON fraud_events(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_fraud_events_kind ON fraud_events(kind, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_fraud_events_ip ON fraud_events(ip, created_at DESC) WHERE ip IS NOT NULL;
	`)
	return err
}

// Record appends an event
func (p *PostgresStore) Record(ctx context.Context, e *Event) error {
	var factors []byte
	if e.Factors != nil {
		var err error
		factors, err = json.Marshal(e.Factors)
		if err != nil {
			return fmt.Errorf("failed to encode factors: %w", err)
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_events (id, user_id, device_id, ip, kind, score, verdict, factors, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.UserID, nullStr(e.DeviceID), nullStr(e.IP), e.Kind, e.Score,
		nullStr(e.Verdict), factors, nullStr(e.Detail), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListByUser returns a user's events, newest first
func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, ip, kind, score, verdict, factors, detail, created_at
		FROM fraud_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByKind returns events of one kind since a cutoff, newest first
func (p *PostgresStore) ListByKind(ctx context.Context, kind string, since time.Time, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, ip, kind, score, verdict, factors, detail, created_at
		FROM fraud_events
		WHERE kind = $1 AND created_at > $2
		ORDER BY created_at DESC
		LIMIT $3
	`, kind, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountByUserKind counts a user's events of one kind since a cutoff
func (p *PostgresStore) CountByUserKind(ctx context.Context, userID, kind string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fraud_events
		WHERE user_id = $1 AND kind = $2 AND created_at > $3
	`, userID, kind, since).Scan(&count)
	return count, err
}

// CountByIPKind counts events of one kind from an IP since a cutoff
func (p *PostgresStore) CountByIPKind(ctx context.Context, ip, kind string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fraud_events
		WHERE ip = $1 AND kind = $2 AND created_at > $3
	`, ip, kind, since).Scan(&count)
	return count, err
}

// DistinctUsersByIP counts distinct users seen from an IP since a cutoff
func (p *PostgresStore) DistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM fraud_events
		WHERE ip = $1 AND created_at > $2
	`, ip, since).Scan(&count)
	return count, err
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var deviceID, ip, verdict, detail sql.NullString
		var factors []byte
		if err := rows.Scan(&e.ID, &e.UserID, &deviceID, &ip, &e.Kind, &e.Score,
			&verdict, &factors, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DeviceID = deviceID.String
		e.IP = ip.String
		e.Verdict = verdict.String
		e.Detail = detail.String
		if len(factors) > 0 {
			_ = json.Unmarshal(factors, &e.Factors)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

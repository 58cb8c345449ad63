package device

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed device trust store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the device trust tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			fingerprint  VARCHAR(128) PRIMARY KEY,
			trust_score  INT NOT NULL DEFAULT 50,
			ips          TEXT[] NOT NULL DEFAULT '{}',
			user_agent   TEXT,
			flagged      BOOLEAN NOT NULL DEFAULT FALSE,
			flag_reason  TEXT,
			first_seen   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_trust_range CHECK (trust_score >= 0 AND trust_score <= 100)
		);

		CREATE TABLE IF NOT EXISTS device_users (
			fingerprint  VARCHAR(128) NOT NULL REFERENCES devices(fingerprint),
			user_id      VARCHAR(64) NOT NULL,
			linked_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (fingerprint, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_device_users_user ON device_users(user_id);
	`)
	return err
}

// Record upserts a device sighting and returns the post-sighting record.
// The IP history is deduplicated and capped in SQL so concurrent sightings
// cannot grow it past MaxIPHistory.
func (p *PostgresStore) Record(ctx context.Context, fingerprint, userID, ip, userAgent string) (*Device, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (fingerprint, trust_score, ips, user_agent, first_seen, last_seen)
		VALUES ($1, $2, CASE WHEN $3 = '' THEN '{}'::TEXT[] ELSE ARRAY[$3] END, NULLIF($4, ''), NOW(), NOW())
		ON CONFLICT (fingerprint) DO UPDATE SET
			ips = CASE WHEN $3 = '' THEN devices.ips
			      ELSE (array_prepend($3, array_remove(devices.ips, $3)))[1:`+fmt.Sprint(MaxIPHistory)+`] END,
			user_agent = COALESCE(NULLIF($4, ''), devices.user_agent),
			last_seen  = NOW()
	`, fingerprint, InitialTrust, ip, userAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}

	if userID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_users (fingerprint, user_id)
			VALUES ($1, $2)
			ON CONFLICT (fingerprint, user_id) DO NOTHING
		`, fingerprint, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to link user: %w", err)
		}
	}

	d := &Device{Fingerprint: fingerprint}
	var flagReason, userAgentCol sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT d.trust_score, d.ips, d.user_agent, d.flagged, d.flag_reason, d.first_seen, d.last_seen,
		       (SELECT COUNT(*) FROM device_users du WHERE du.fingerprint = d.fingerprint)
		FROM devices d WHERE d.fingerprint = $1
	`, fingerprint).Scan(&d.TrustScore, pq.Array(&d.IPs), &userAgentCol, &d.Flagged, &flagReason, &d.FirstSeen, &d.LastSeen, &d.UserCount)
	if err != nil {
		return nil, err
	}
	d.FlagReason = flagReason.String
	d.UserAgent = userAgentCol.String

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// Get retrieves a device record
func (p *PostgresStore) Get(ctx context.Context, fingerprint string) (*Device, error) {
	d := &Device{Fingerprint: fingerprint}
	var flagReason, userAgentCol sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT d.trust_score, d.ips, d.user_agent, d.flagged, d.flag_reason, d.first_seen, d.last_seen,
		       (SELECT COUNT(*) FROM device_users du WHERE du.fingerprint = d.fingerprint)
		FROM devices d WHERE d.fingerprint = $1
	`, fingerprint).Scan(&d.TrustScore, pq.Array(&d.IPs), &userAgentCol, &d.Flagged, &flagReason, &d.FirstSeen, &d.LastSeen, &d.UserCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.FlagReason = flagReason.String
	d.UserAgent = userAgentCol.String
	return d, nil
}

// AdjustTrust applies delta atomically, clamped in SQL
func (p *PostgresStore) AdjustTrust(ctx context.Context, fingerprint string, delta int) (int, error) {
	var score int
	err := p.db.QueryRowContext(ctx, `
		UPDATE devices
		SET trust_score = LEAST(100, GREATEST(0, trust_score + $2)),
		    last_seen   = NOW()
		WHERE fingerprint = $1
		RETURNING trust_score
	`, fingerprint, delta).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust trust: %w", err)
	}
	return score, nil
}

// Flag marks a device as flagged
func (p *PostgresStore) Flag(ctx context.Context, fingerprint, reason string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE devices SET flagged = TRUE, flag_reason = $2 WHERE fingerprint = $1
	`, fingerprint, reason)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Unflag clears the flag on a device
func (p *PostgresStore) Unflag(ctx context.Context, fingerprint string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE devices SET flagged = FALSE, flag_reason = NULL WHERE fingerprint = $1
	`, fingerprint)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

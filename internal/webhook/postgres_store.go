package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the webhook_deliveries table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			provider      VARCHAR(32) NOT NULL,
			event_id      VARCHAR(128) NOT NULL,
			payload_hash  VARCHAR(64) NOT NULL,
			received_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (provider, event_id)
		);

		CREATE INDEX IF NOT EXISTS idx_webhook_received ON webhook_deliveries(received_at);
	`)
	return err
}

// Admit inserts the delivery record. The primary key makes concurrent
// duplicates lose the race at the database, not in application code.
func (p *PostgresStore) Admit(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (provider, event_id, payload_hash, received_at)
		VALUES ($1, $2, $3, $4)
	`, d.Provider, d.EventID, d.PayloadHash, d.ReceivedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// Release deletes a delivery record so the provider's retry can land
func (p *PostgresStore) Release(ctx context.Context, provider, eventID string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries WHERE provider = $1 AND event_id = $2
	`, provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to release delivery: %w", err)
	}
	return nil
}

// PruneBefore deletes delivery records older than the cutoff
func (p *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries WHERE received_at < $1
	`, cutoff)
	return err
}

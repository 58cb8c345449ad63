package velocity

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

// NewPostgresStore creates a new PostgreSQL-backed velocity store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the velocity_counters table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS velocity_counters (
			control       VARCHAR(32) NOT NULL,
			key           VARCHAR(128) NOT NULL,
			window_start  TIMESTAMPTZ NOT NULL,
			used          BIGINT NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (control, key, window_start),
			CONSTRAINT chk_used_nonneg CHECK (used >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_velocity_window ON velocity_counters(window_start);
	`)
	return err
}

// Reserve applies every item atomically inside one serializable transaction.
// The guarded upsert only returns a row when the increment fits under the
// ceiling; a missing row means the control rejected the reservation and the
// whole transaction rolls back.
func (p *PostgresStore) Reserve(ctx context.Context, items []Item) error {
	for {
		err := p.reserveOnce(ctx, items)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "40001" {
			// serialization conflict, safe to retry the whole reservation
			continue
		}
		return err
	}
}

func (p *PostgresStore) reserveOnce(ctx context.Context, items []Item) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, it := range items {
		var used int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO velocity_counters (control, key, window_start, used, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (control, key, window_start) DO UPDATE
			SET used = velocity_counters.used + EXCLUDED.used, updated_at = NOW()
			WHERE velocity_counters.used + EXCLUDED.used <= $5
			RETURNING used
		`, it.Control, it.Key, it.WindowStart, it.Amount, it.Ceiling).Scan(&used)
		if err == sql.ErrNoRows {
			return &LimitError{Control: it.Control}
		}
		if err != nil {
			return fmt.Errorf("failed to reserve %s: %w", it.Control, err)
		}
		// The INSERT arm is not guarded by the WHERE clause, so re-check
		// the fresh-bucket case where a single reservation already exceeds
		// the ceiling.
		if used > it.Ceiling {
			return &LimitError{Control: it.Control}
		}
	}

	return tx.Commit()
}

// Add increments a counter unconditionally
func (p *PostgresStore) Add(ctx context.Context, item Item) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO velocity_counters (control, key, window_start, used, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (control, key, window_start) DO UPDATE
		SET used = velocity_counters.used + EXCLUDED.used, updated_at = NOW()
	`, item.Control, item.Key, item.WindowStart, item.Amount)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", item.Control, err)
	}
	return nil
}

// Usage returns the counter value for a window bucket
func (p *PostgresStore) Usage(ctx context.Context, control, key string, windowStart time.Time) (int64, error) {
	var used int64
	err := p.db.QueryRowContext(ctx, `
		SELECT used FROM velocity_counters
		WHERE control = $1 AND key = $2 AND window_start = $3
	`, control, key, windowStart).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return used, err
}

// Prune deletes counters for windows older than the cutoff
func (p *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM velocity_counters WHERE window_start < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

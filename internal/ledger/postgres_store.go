package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS coin_balances (
			user_id       VARCHAR(64) PRIMARY KEY,
			coins         BIGINT NOT NULL DEFAULT 0,
			total_earned  BIGINT NOT NULL DEFAULT 0,
			total_spent   BIGINT NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS coin_transactions (
			id            VARCHAR(40) PRIMARY KEY,
			user_id       VARCHAR(64) NOT NULL,
			type          VARCHAR(20) NOT NULL,
			amount        BIGINT NOT NULL,
			fee           BIGINT NOT NULL DEFAULT 0,
			net_amount    BIGINT NOT NULL,
			currency      VARCHAR(12) NOT NULL DEFAULT 'coins',
			status        VARCHAR(12) NOT NULL,
			provider      VARCHAR(32),
			provider_ref  VARCHAR(128),
			reference_id  VARCHAR(40),
			device_id     VARCHAR(128),
			ip            VARCHAR(45),
			risk_score    INT NOT NULL DEFAULT 0,
			description   TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_amount_positive CHECK (amount > 0),
			CONSTRAINT chk_net_amount CHECK (net_amount = amount - fee)
		);

		CREATE INDEX IF NOT EXISTS idx_coin_txns_user ON coin_transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_coin_txns_status ON coin_transactions(status) WHERE status = 'pending';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_coin_txns_chargeback
			ON coin_transactions(reference_id) WHERE type = 'chargeback';
	`)
	return err
}

const txnColumns = `id, user_id, type, amount, fee, net_amount, currency, status,
	provider, provider_ref, reference_id, device_id, ip, risk_score, description, created_at, updated_at`

// CreatePending inserts a new pending transaction
func (p *PostgresStore) CreatePending(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, insertTxnSQL, insertTxnArgs(t)...)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// Get returns one transaction
func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return scanTxn(p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM coin_transactions WHERE id = $1
	`, id))
}

// Complete finalizes a pending transaction and credits the balance in the
// same database transaction. The status predicate makes retries harmless:
// only the first completion applies the credit.
func (p *PostgresStore) Complete(ctx context.Context, id string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := scanTxn(tx.QueryRowContext(ctx, `
		UPDATE coin_transactions
		SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+txnColumns+`
	`, id))
	if err == ErrNotFound {
		return p.finalizedState(ctx, id, StatusCompleted)
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO coin_balances (user_id, coins, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			coins      = coin_balances.coins + $2,
			updated_at = NOW()
	`, t.UserID, t.NetAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// Fail marks a pending transaction as failed
func (p *PostgresStore) Fail(ctx context.Context, id, reason string) (*Transaction, error) {
	t, err := scanTxn(p.db.QueryRowContext(ctx, `
		UPDATE coin_transactions
		SET status = 'failed', description = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+txnColumns+`
	`, id, reason))
	if err == ErrNotFound {
		return p.finalizedState(ctx, id, StatusFailed)
	}
	return t, err
}

// Cancel withdraws a pending transaction before provider confirmation
func (p *PostgresStore) Cancel(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTxn(p.db.QueryRowContext(ctx, `
		UPDATE coin_transactions
		SET status = 'cancelled', description = 'cancelled_by_user', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+txnColumns+`
	`, id))
	if err == ErrNotFound {
		return p.finalizedState(ctx, id, StatusCancelled)
	}
	return t, err
}

// Chargeback inserts a new reversal transaction referencing a completed
// original and claws back its net amount in the same database transaction.
// The original row is never mutated; a partial unique index on reference_id
// makes a second chargeback of the same original fail.
// The clawback delta is applied unconditionally, so a chargeback can push
// the balance negative; recovery of negative balances is an operational
// process, not a ledger concern.
func (p *PostgresStore) Chargeback(ctx context.Context, originalID, newID, reason string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cb, err := scanTxn(tx.QueryRowContext(ctx, `
		INSERT INTO coin_transactions
			(id, user_id, type, amount, fee, net_amount, currency, status,
			 provider, reference_id, device_id, ip, risk_score, description, created_at, updated_at)
		SELECT $2, user_id, 'chargeback', net_amount, 0, net_amount, currency, 'completed',
			provider, id, device_id, ip, risk_score, $3, NOW(), NOW()
		FROM coin_transactions
		WHERE id = $1 AND status = 'completed'
		RETURNING `+txnColumns+`
	`, originalID, newID, reason))
	if err == ErrNotFound {
		// Either the original is missing or it never completed
		orig, getErr := p.Get(ctx, originalID)
		if getErr != nil {
			return nil, getErr
		}
		return orig, ErrInvalidTransition
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return p.chargebackOf(ctx, originalID)
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE coin_balances
		SET coins = coins - $2, updated_at = NOW()
		WHERE user_id = $1
	`, cb.UserID, cb.NetAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to claw back balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cb, nil
}

// chargebackOf returns the existing chargeback for an original transaction
func (p *PostgresStore) chargebackOf(ctx context.Context, originalID string) (*Transaction, error) {
	t, err := scanTxn(p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM coin_transactions
		WHERE reference_id = $1 AND type = 'chargeback'
	`, originalID))
	if err != nil {
		return nil, err
	}
	return t, ErrAlreadyReversed
}

// Debit atomically checks and decrements the balance, then records the
// transaction. The coins predicate rejects overdraft without a read-check
// race.
func (p *PostgresStore) Debit(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	spent := int64(0)
	if t.Type == TypeGiftSent {
		spent = t.Amount
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE coin_balances
		SET coins       = coins - $2,
		    total_spent = total_spent + $3,
		    updated_at  = NOW()
		WHERE user_id = $1 AND coins >= $2
	`, t.UserID, t.Amount, spent)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := insertTxn(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// Credit atomically increments the balance and records the transaction
func (p *PostgresStore) Credit(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	earned := int64(0)
	if t.Type == TypeGiftReceived {
		earned = t.Amount
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO coin_balances (user_id, coins, total_earned, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			coins        = coin_balances.coins + $2,
			total_earned = coin_balances.total_earned + $3,
			updated_at   = NOW()
	`, t.UserID, t.Amount, earned)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := insertTxn(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// GetBalance returns a user's coin position, zero-valued when unseen
func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	b := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT coins, total_earned, total_spent, updated_at
		FROM coin_balances WHERE user_id = $1
	`, userID).Scan(&b.Coins, &b.TotalEarned, &b.TotalSpent, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListByUser returns a user's transactions, newest first
func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM coin_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// finalizedState maps a no-op transition to the right error based on the
// transaction's current status: retrying the same transition is
// ErrAlreadyFinal, everything else ErrInvalidTransition.
func (p *PostgresStore) finalizedState(ctx context.Context, id, want string) (*Transaction, error) {
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == want {
		return cur, ErrAlreadyFinal
	}
	return cur, ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxn(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var provider, providerRef, referenceID, deviceID, ip, description sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Fee, &t.NetAmount, &t.Currency,
		&t.Status, &provider, &providerRef, &referenceID, &deviceID, &ip,
		&t.RiskScore, &description, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Provider = provider.String
	t.ProviderRef = providerRef.String
	t.ReferenceID = referenceID.String
	t.DeviceID = deviceID.String
	t.IP = ip.String
	t.Description = description.String
	return t, nil
}

const insertTxnSQL = `
	INSERT INTO coin_transactions
		(id, user_id, type, amount, fee, net_amount, currency, status,
		 provider, provider_ref, reference_id, device_id, ip, risk_score, description, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func insertTxnArgs(t *Transaction) []any {
	return []any{
		t.ID, t.UserID, t.Type, t.Amount, t.Fee, t.NetAmount, t.Currency, t.Status,
		nullStr(t.Provider), nullStr(t.ProviderRef), nullStr(t.ReferenceID),
		nullStr(t.DeviceID), nullStr(t.IP), t.RiskScore, nullStr(t.Description), t.CreatedAt, t.UpdatedAt,
	}
}

func insertTxn(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	if _, err := tx.ExecContext(ctx, insertTxnSQL, insertTxnArgs(t)...); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

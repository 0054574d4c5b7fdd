package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const (
	onePendingIndex   = "payment_tx_one_pending_per_escrow"
	oneCompletedIndex = "payment_tx_one_completed_per_escrow"
)

// PostgresStore persists payment transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (
			id, escrow_id, provider, method, status, amount,
			payer_phone, reference, provider_tx_id, failure_reason,
			paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.EscrowID, tx.Provider, string(tx.Method), string(tx.Status), tx.Amount,
		nullString(tx.PayerPhone), tx.Reference, nullString(tx.ProviderTxID), nullString(tx.FailureReason),
		nullTime(tx.PaidAt), tx.CreatedAt, tx.UpdatedAt,
	)
	if isUniqueViolation(err, onePendingIndex) {
		return ErrAttemptInProgress
	}
	return err
}

const txColumns = `id, escrow_id, provider, method, status, amount,
		       payer_phone, reference, provider_tx_id, failure_reason,
		       paid_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1`, id)
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE reference = $1`, reference)
}

func (p *PostgresStore) GetByProviderTx(ctx context.Context, provider, providerTxID string) (*Transaction, error) {
	return p.getOne(ctx, `
		SELECT `+txColumns+`
		FROM payment_transactions
		WHERE provider = $1 AND provider_tx_id = $2`, provider, providerTxID)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, args ...interface{}) (*Transaction, error) {
	tx, err := scanTransaction(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM payment_transactions
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// Update writes tx unless the stored row is already completed.
func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_transactions SET
			status = $1, provider_tx_id = $2, failure_reason = $3,
			paid_at = $4, updated_at = $5
		WHERE id = $6 AND status <> 'completed'`,
		string(tx.Status), nullString(tx.ProviderTxID), nullString(tx.FailureReason),
		nullTime(tx.PaidAt), tx.UpdatedAt, tx.ID,
	)
	if isUniqueViolation(err, oneCompletedIndex) {
		return ErrTransactionCompleted
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payment_transactions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrTransactionCompleted
	}
	return nil
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM payment_transactions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int, 3)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		method, status string
		phone          sql.NullString
		providerTxID   sql.NullString
		failureReason  sql.NullString
		paidAt         sql.NullTime
	)
	err := s.Scan(
		&tx.ID, &tx.EscrowID, &tx.Provider, &method, &status, &tx.Amount,
		&phone, &tx.Reference, &providerTxID, &failureReason,
		&paidAt, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Method = Method(method)
	tx.Status = Status(status)
	tx.PayerPhone = phone.String
	tx.ProviderTxID = providerTxID.String
	tx.FailureReason = failureReason.String
	if paidAt.Valid {
		tx.PaidAt = &paidAt.Time
	}
	return tx, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/freightpay/internal/pagination"
)

// activeShipmentIndex is the partial unique index that allows one
// non-terminal escrow per shipment.
const activeShipmentIndex = "escrows_one_active_per_shipment"

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, shipment_id, payer_id, amount, state,
			funded_at, terminal_at, dispute_reason, resolution,
			version, state_entered_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.ShipmentID, e.PayerID, e.Amount, string(e.State),
		nullTime(e.FundedAt), nullTime(e.TerminalAt),
		nullString(e.DisputeReason), nullString(e.Resolution),
		e.Version, e.StateEnteredAt, e.CreatedAt, e.UpdatedAt,
	)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeShipmentIndex {
		existing, getErr := p.GetActiveByShipment(ctx, e.ShipmentID)
		if getErr != nil {
			return &DuplicateError{ShipmentID: e.ShipmentID}
		}
		return &DuplicateError{ShipmentID: e.ShipmentID, EscrowID: existing.ID}
	}
	return err
}

const escrowColumns = `id, shipment_id, payer_id, amount, state,
		       funded_at, terminal_at, dispute_reason, resolution,
		       version, state_entered_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetActiveByShipment(ctx context.Context, shipmentID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE shipment_id = $1 AND state IN ('pending', 'funded', 'disputed')`, shipmentID)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByShipment(ctx context.Context, shipmentID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE shipment_id = $1
		ORDER BY created_at DESC`, shipmentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, funded_at = $2, terminal_at = $3,
			dispute_reason = $4, resolution = $5,
			version = $6, state_entered_at = $7, updated_at = $8
		WHERE id = $9 AND version = $10`,
		string(e.State), nullTime(e.FundedAt), nullTime(e.TerminalAt),
		nullString(e.DisputeReason), nullString(e.Resolution),
		e.Version, e.StateEnteredAt, e.UpdatedAt,
		e.ID, expectedVersion,
	)
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
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) ListNonTerminal(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state IN ('pending', 'funded', 'disputed')
		ORDER BY state_entered_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE state = $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2`, string(state), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE state = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4`, string(state), after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM escrows GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[State]int, len(AllStates))
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		state      string
		fundedAt   sql.NullTime
		terminalAt sql.NullTime
		disputeRsn sql.NullString
		resolution sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.ShipmentID, &e.PayerID, &e.Amount, &state,
		&fundedAt, &terminalAt, &disputeRsn, &resolution,
		&e.Version, &e.StateEnteredAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.State = State(state)
	e.DisputeReason = disputeRsn.String
	e.Resolution = resolution.String
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if terminalAt.Valid {
		e.TerminalAt = &terminalAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

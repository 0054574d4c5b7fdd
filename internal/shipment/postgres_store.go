package shipment

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore reads the marketplace shipments table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed shipment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Shipment, error) {
	s := &Shipment{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agreed_price, paid, updated_at
		FROM shipments WHERE id = $1`, id,
	).Scan(&s.ID, &s.OwnerID, &s.AgreedPrice, &s.Paid, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShipmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) SetPaid(ctx context.Context, id string, paid bool) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE shipments SET paid = $1, updated_at = NOW() WHERE id = $2`, paid, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrShipmentNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore reads and updates the shared orders table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, COALESCE(job_id, ''), client_id, provider_id, amount, status,
	payment_status, deadline, paid_at, completed_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	var deadline, paidAt, completedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id).Scan(
		&o.ID, &o.JobID, &o.ClientID, &o.ProviderID, &o.Amount, &o.Status,
		&o.PaymentStatus, &deadline, &paidAt, &completedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if deadline.Valid {
		o.Deadline = &deadline.Time
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	return o, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	status := o.Status
	if status == "" {
		status = StatusPending
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, job_id, client_id, provider_id, amount, status, payment_status, deadline, completed_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, 'unpaid', $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			client_id = EXCLUDED.client_id,
			provider_id = EXCLUDED.provider_id,
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			deadline = EXCLUDED.deadline,
			completed_at = COALESCE(orders.completed_at, EXCLUDED.completed_at),
			updated_at = NOW()`,
		o.ID, o.JobID, o.ClientID, o.ProviderID, o.Amount, status, o.Deadline, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id string, status PaymentStatus, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			payment_status = $2,
			paid_at = CASE WHEN $2 = 'paid' THEN COALESCE(paid_at, $3) ELSE paid_at END,
			updated_at = $3
		WHERE id = $1`, id, status, at)
	if err != nil {
		return fmt.Errorf("set order payment status: %w", err)
	}
	return requireOneRow(result)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2,
			completed_at = CASE WHEN $2 = 'completed' THEN COALESCE(completed_at, $3) ELSE completed_at END,
			updated_at = $3
		WHERE id = $1`, id, status, at)
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

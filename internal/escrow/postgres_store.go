package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL. Update is a
// compare-and-swap on status, so two instances cannot both release.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payment_id, order_id, client_id, provider_id,
		       amount, platform_fee, provider_amount, status,
		       auto_release_enabled, auto_release_days, release_scheduled_for,
		       dispute_raised_by, dispute_reason, dispute_raised_at,
		       dispute_resolution, dispute_resolved_by, dispute_resolved_at,
		       held_at, released_at, released_by, refunded_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	d := disputeColumns(e.Dispute)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17, $18,
			$19, $20, $21, $22, $23, $24
		)`,
		e.ID, e.PaymentID, e.OrderID, e.ClientID, e.ProviderID,
		e.Amount, e.PlatformFee, e.ProviderAmount, string(e.Status),
		e.AutoRelease.Enabled, e.AutoRelease.DaysAfterCompletion, nullTime(e.AutoRelease.ScheduledFor),
		d.raisedBy, d.reason, d.raisedAt,
		d.resolution, d.resolvedBy, d.resolvedAt,
		e.HeldAt, nullTime(e.ReleasedAt), nullString(e.ReleasedBy), nullTime(e.RefundedAt),
		e.CreatedAt, e.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrOrderHasEscrow
	}
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return p.getBy(ctx, "id", id)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return p.getBy(ctx, "order_id", orderID)
}

func (p *PostgresStore) GetByPayment(ctx context.Context, paymentID string) (*Escrow, error) {
	return p.getBy(ctx, "payment_id", paymentID)
}

func (p *PostgresStore) getBy(ctx context.Context, column, value string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE `+column+` = $1`, value) // #nosec G202 -- column is a constant
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow, expected Status) error {
	d := disputeColumns(e.Dispute)
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, auto_release_enabled = $2, release_scheduled_for = $3,
			dispute_raised_by = $4, dispute_reason = $5, dispute_raised_at = $6,
			dispute_resolution = $7, dispute_resolved_by = $8, dispute_resolved_at = $9,
			released_at = $10, released_by = $11, refunded_at = $12, updated_at = $13
		WHERE id = $14 AND status = $15`,
		string(e.Status), e.AutoRelease.Enabled, nullTime(e.AutoRelease.ScheduledFor),
		d.raisedBy, d.reason, d.raisedAt,
		d.resolution, d.resolvedBy, d.resolvedAt,
		nullTime(e.ReleasedAt), nullString(e.ReleasedBy), nullTime(e.RefundedAt), e.UpdatedAt,
		e.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, e.ID); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'held'
		  AND auto_release_enabled
		  AND release_scheduled_for <= $1
		ORDER BY release_scheduled_for ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		scheduledFor, releasedAt, refundedAt            sql.NullTime
		raisedAt, resolvedAt                            sql.NullTime
		raisedBy, reason, resolution, resolvedBy, relBy sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.PaymentID, &e.OrderID, &e.ClientID, &e.ProviderID,
		&e.Amount, &e.PlatformFee, &e.ProviderAmount, &e.Status,
		&e.AutoRelease.Enabled, &e.AutoRelease.DaysAfterCompletion, &scheduledFor,
		&raisedBy, &reason, &raisedAt,
		&resolution, &resolvedBy, &resolvedAt,
		&e.HeldAt, &releasedAt, &relBy, &refundedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.AutoRelease.ScheduledFor = timePtr(scheduledFor)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.ReleasedBy = relBy.String
	if raisedBy.Valid {
		e.Dispute = &Dispute{
			RaisedBy:   raisedBy.String,
			Reason:     reason.String,
			RaisedAt:   raisedAt.Time,
			Resolution: resolution.String,
			ResolvedBy: resolvedBy.String,
			ResolvedAt: timePtr(resolvedAt),
		}
	}
	return e, nil
}

type disputeRow struct {
	raisedBy, reason, resolution, resolvedBy sql.NullString
	raisedAt, resolvedAt                     sql.NullTime
}

func disputeColumns(d *Dispute) disputeRow {
	if d == nil {
		return disputeRow{}
	}
	return disputeRow{
		raisedBy:   nullString(d.RaisedBy),
		reason:     nullString(d.Reason),
		raisedAt:   sql.NullTime{Time: d.RaisedAt, Valid: true},
		resolution: nullString(d.Resolution),
		resolvedBy: nullString(d.ResolvedBy),
		resolvedAt: nullTime(d.ResolvedAt),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)

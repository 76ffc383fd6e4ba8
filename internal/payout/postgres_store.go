package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/pagination"
)

// PostgresStore persists payouts, withdrawals and preferences in
// PostgreSQL. Destinations are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, escrow_id, order_id, provider_id, amount, method, status,
		       destination, transaction_id, gateway_transfer_id, failure_reason,
		       attempts, completed_at, created_at, updated_at`

const withdrawalColumns = `id, user_id, amount, method, destination, status,
		       transaction_id, reversal_id, gateway_transfer_id, failure_reason,
		       attempts, completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) Create(ctx context.Context, po *Payout) error {
	dest, err := json.Marshal(po.Destination)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		po.ID, po.EscrowID, po.OrderID, po.ProviderID, po.Amount, string(po.Method), string(po.Status),
		dest, nullString(po.TransactionID), nullString(po.GatewayTransferID), nullString(po.FailureReason),
		po.Attempts, nullTime(po.CompletedAt), po.CreatedAt, po.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	return p.getBy(ctx, "id", id)
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Payout, error) {
	return p.getBy(ctx, "escrow_id", escrowID)
}

func (p *PostgresStore) getBy(ctx context.Context, column, value string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE `+column+` = $1`, value) // #nosec G202 -- column is a constant
	po, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return po, nil
}

func (p *PostgresStore) Update(ctx context.Context, po *Payout, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET
			status = $1, transaction_id = $2, gateway_transfer_id = $3,
			failure_reason = $4, attempts = $5, completed_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		string(po.Status), nullString(po.TransactionID), nullString(po.GatewayTransferID),
		nullString(po.FailureReason), po.Attempts, nullTime(po.CompletedAt), po.UpdatedAt,
		po.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, po.ID); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, page pagination.Params) ([]*Payout, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payouts WHERE provider_id = $1`, providerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payouts: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, providerID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list payouts: %w", err)
	}
	payouts, err := collectPayouts(rows)
	return payouts, total, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list payouts by status: %w", err)
	}
	return collectPayouts(rows)
}

func collectPayouts(rows *sql.Rows) ([]*Payout, error) {
	defer func() { _ = rows.Close() }()
	var result []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, po)
	}
	return result, rows.Err()
}

func scanPayout(s scanner) (*Payout, error) {
	po := &Payout{}
	var (
		dest                       []byte
		txnID, transferID, failure sql.NullString
		completedAt                sql.NullTime
	)
	err := s.Scan(
		&po.ID, &po.EscrowID, &po.OrderID, &po.ProviderID, &po.Amount, &po.Method, &po.Status,
		&dest, &txnID, &transferID, &failure,
		&po.Attempts, &completedAt, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if po.Destination, err = decodeDestination(dest); err != nil {
		return nil, err
	}
	po.TransactionID = txnID.String
	po.GatewayTransferID = transferID.String
	po.FailureReason = failure.String
	po.CompletedAt = timePtr(completedAt)
	return po, nil
}

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	dest, err := json.Marshal(w.Destination)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`,
		w.ID, w.UserID, w.Amount, string(w.Method), dest, string(w.Status),
		w.TransactionID, nullString(w.ReversalID), nullString(w.GatewayTransferID), nullString(w.FailureReason),
		w.Attempts, nullTime(w.CompletedAt), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	return w, nil
}

func (p *PostgresStore) UpdateWithdrawal(ctx context.Context, w *Withdrawal, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET
			status = $1, reversal_id = $2, gateway_transfer_id = $3,
			failure_reason = $4, attempts = $5, completed_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		string(w.Status), nullString(w.ReversalID), nullString(w.GatewayTransferID),
		nullString(w.FailureReason), w.Attempts, nullTime(w.CompletedAt), w.UpdatedAt,
		w.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetWithdrawal(ctx, w.ID); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, userID string, page pagination.Params) ([]*Withdrawal, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM withdrawals WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count withdrawals: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list withdrawals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, w)
	}
	return result, total, rows.Err()
}

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		dest                            []byte
		reversalID, transferID, failure sql.NullString
		completedAt                     sql.NullTime
	)
	err := s.Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Method, &dest, &w.Status,
		&w.TransactionID, &reversalID, &transferID, &failure,
		&w.Attempts, &completedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if w.Destination, err = decodeDestination(dest); err != nil {
		return nil, err
	}
	w.ReversalID = reversalID.String
	w.GatewayTransferID = transferID.String
	w.FailureReason = failure.String
	w.CompletedAt = timePtr(completedAt)
	return w, nil
}

func (p *PostgresStore) GetPreference(ctx context.Context, providerID string) (*Preference, error) {
	pref := &Preference{ProviderID: providerID}
	var dest []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT method, destination, updated_at
		FROM payout_preferences
		WHERE provider_id = $1`, providerID,
	).Scan(&pref.Method, &dest, &pref.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payout preference: %w", err)
	}
	if pref.Destination, err = decodeDestination(dest); err != nil {
		return nil, err
	}
	return pref, nil
}

func (p *PostgresStore) SetPreference(ctx context.Context, pref *Preference) error {
	dest, err := json.Marshal(pref.Destination)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payout_preferences (provider_id, method, destination, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_id) DO UPDATE SET
			method = EXCLUDED.method,
			destination = EXCLUDED.destination,
			updated_at = EXCLUDED.updated_at`,
		pref.ProviderID, string(pref.Method), dest, pref.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("set payout preference: %w", err)
	}
	return nil
}

func decodeDestination(raw []byte) (gateway.Destination, error) {
	var d gateway.Destination
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("decode destination: %w", err)
	}
	return d, nil
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
	return &t.Time
}

var _ Store = (*PostgresStore)(nil)

package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists payments, refunds and top-ups in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, order_id, user_id, amount, currency, method,
		       wallet_amount, gateway_amount, gateway_order_id, gateway_payment_id,
		       gateway_signature, status, transaction_id, wallet_transaction_id,
		       escrow_id, refunded_amount, failure_reason, paid_at, created_at, updated_at`

const refundColumns = `id, payment_id, order_id, escrow_id, requested_by, recipient_id,
		       amount, reason, type, status, gateway_amount, wallet_amount,
		       gateway_refund_id, wallet_transaction_id, failure_reason,
		       reviewed_by, review_note, reviewed_at, completed_at, created_at, updated_at`

const topUpColumns = `id, user_id, amount, currency, status, gateway_order_id,
		       gateway_payment_id, gateway_signature, transaction_id, failure_reason,
		       completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20
		)`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Currency, string(p.Method),
		p.WalletAmount, p.GatewayAmount, nullString(p.Gateway.OrderID), nullString(p.Gateway.PaymentID),
		nullString(p.Gateway.Signature), string(p.Status), p.TransactionID, nullString(p.WalletTransactionID),
		nullString(p.EscrowID), p.RefundedAmount, nullString(p.FailureReason), nullTime(p.PaidAt), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return s.getPaymentBy(ctx, "id", id)
}

func (s *PostgresStore) GetByGatewayOrder(ctx context.Context, gatewayOrderID string) (*Payment, error) {
	return s.getPaymentBy(ctx, "gateway_order_id", gatewayOrderID)
}

func (s *PostgresStore) getPaymentBy(ctx context.Context, column, value string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+column+` = $1`, value) // #nosec G202 -- column is a constant
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC, transaction_id DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return collectPayments(rows)
}

func (s *PostgresStore) Update(ctx context.Context, p *Payment, expected Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, gateway_order_id = $2, gateway_payment_id = $3, gateway_signature = $4,
			wallet_transaction_id = $5, escrow_id = $6, refunded_amount = $7,
			failure_reason = $8, paid_at = $9, updated_at = $10
		WHERE id = $11 AND status = $12`,
		string(p.Status), nullString(p.Gateway.OrderID), nullString(p.Gateway.PaymentID), nullString(p.Gateway.Signature),
		nullString(p.WalletTransactionID), nullString(p.EscrowID), p.RefundedAmount,
		nullString(p.FailureReason), nullTime(p.PaidAt), p.UpdatedAt,
		p.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return s.checkCAS(ctx, result, func() error { _, err := s.Get(ctx, p.ID); return err })
}

func (s *PostgresStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	return collectPayments(rows)
}

// checkCAS turns a zero-row compare-and-swap update into ErrStaleStatus,
// or into the not-found error exists reports.
func (s *PostgresStore) checkCAS(_ context.Context, result sql.Result, exists func() error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if err := exists(); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func collectPayments(rows *sql.Rows) ([]*Payment, error) {
	defer func() { _ = rows.Close() }()
	var result []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPayment(sc scanner) (*Payment, error) {
	p := &Payment{}
	var (
		gwOrder, gwPayment, gwSig, walletTxn sql.NullString
		escrowID, failure                    sql.NullString
		paidAt                               sql.NullTime
	)
	err := sc.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &p.Method,
		&p.WalletAmount, &p.GatewayAmount, &gwOrder, &gwPayment,
		&gwSig, &p.Status, &p.TransactionID, &walletTxn,
		&escrowID, &p.RefundedAmount, &failure, &paidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Gateway = GatewayRef{OrderID: gwOrder.String, PaymentID: gwPayment.String, Signature: gwSig.String}
	p.WalletTransactionID = walletTxn.String
	p.EscrowID = escrowID.String
	p.FailureReason = failure.String
	p.PaidAt = timePtr(paidAt)
	return p, nil
}

func (s *PostgresStore) CreateRefund(ctx context.Context, r *Refund) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19, $20, $21
		)`,
		r.ID, r.PaymentID, r.OrderID, nullString(r.EscrowID), r.RequestedBy, r.RecipientID,
		r.Amount, r.Reason, string(r.Type), string(r.Status), r.GatewayAmount, r.WalletAmount,
		nullString(r.GatewayRefundID), nullString(r.WalletTransactionID), nullString(r.FailureReason),
		nullString(r.ReviewedBy), nullString(r.ReviewNote), nullTime(r.ReviewedAt), nullTime(r.CompletedAt), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRefund(ctx context.Context, id string) (*Refund, error) {
	return s.getRefundBy(ctx, "id", id)
}

func (s *PostgresStore) GetRefundByGatewayID(ctx context.Context, gatewayRefundID string) (*Refund, error) {
	return s.getRefundBy(ctx, "gateway_refund_id", gatewayRefundID)
}

func (s *PostgresStore) getRefundBy(ctx context.Context, column, value string) (*Refund, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE `+column+` = $1`, value) // #nosec G202 -- column is a constant
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refund: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRefund(ctx context.Context, r *Refund, expected RefundStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE refunds SET
			status = $1, gateway_amount = $2, wallet_amount = $3,
			gateway_refund_id = $4, wallet_transaction_id = $5, failure_reason = $6,
			reviewed_by = $7, review_note = $8, reviewed_at = $9,
			completed_at = $10, updated_at = $11
		WHERE id = $12 AND status = $13`,
		string(r.Status), r.GatewayAmount, r.WalletAmount,
		nullString(r.GatewayRefundID), nullString(r.WalletTransactionID), nullString(r.FailureReason),
		nullString(r.ReviewedBy), nullString(r.ReviewNote), nullTime(r.ReviewedAt),
		nullTime(r.CompletedAt), r.UpdatedAt,
		r.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update refund: %w", err)
	}
	return s.checkCAS(ctx, result, func() error { _, err := s.GetRefund(ctx, r.ID); return err })
}

func (s *PostgresStore) ListRefunds(ctx context.Context, f RefundFilter) ([]*Refund, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("payment_id", f.PaymentID)
	add("requested_by", f.RequestedBy)
	add("status", string(f.Status))

	query := `SELECT ` + refundColumns + ` FROM refunds`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Refund{}
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRefund(sc scanner) (*Refund, error) {
	r := &Refund{}
	var (
		escrowID, gwRefund, walletTxn, failure sql.NullString
		reviewedBy, reviewNote                 sql.NullString
		reviewedAt, completedAt                sql.NullTime
	)
	err := sc.Scan(
		&r.ID, &r.PaymentID, &r.OrderID, &escrowID, &r.RequestedBy, &r.RecipientID,
		&r.Amount, &r.Reason, &r.Type, &r.Status, &r.GatewayAmount, &r.WalletAmount,
		&gwRefund, &walletTxn, &failure,
		&reviewedBy, &reviewNote, &reviewedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.EscrowID = escrowID.String
	r.GatewayRefundID = gwRefund.String
	r.WalletTransactionID = walletTxn.String
	r.FailureReason = failure.String
	r.ReviewedBy = reviewedBy.String
	r.ReviewNote = reviewNote.String
	r.ReviewedAt = timePtr(reviewedAt)
	r.CompletedAt = timePtr(completedAt)
	return r, nil
}

func (s *PostgresStore) CreateTopUp(ctx context.Context, t *TopUp) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topups (`+topUpColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13
		)`,
		t.ID, t.UserID, t.Amount, t.Currency, string(t.Status), t.Gateway.OrderID,
		nullString(t.Gateway.PaymentID), nullString(t.Gateway.Signature), nullString(t.TransactionID), nullString(t.FailureReason),
		nullTime(t.CompletedAt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert top-up: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTopUp(ctx context.Context, id string) (*TopUp, error) {
	return s.getTopUpBy(ctx, "id", id)
}

func (s *PostgresStore) GetTopUpByGatewayOrder(ctx context.Context, gatewayOrderID string) (*TopUp, error) {
	return s.getTopUpBy(ctx, "gateway_order_id", gatewayOrderID)
}

func (s *PostgresStore) getTopUpBy(ctx context.Context, column, value string) (*TopUp, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+topUpColumns+` FROM topups WHERE `+column+` = $1`, value) // #nosec G202 -- column is a constant
	t := &TopUp{}
	var (
		gwPayment, gwSig, txnID, failure sql.NullString
		completedAt                      sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.Amount, &t.Currency, &t.Status, &t.Gateway.OrderID,
		&gwPayment, &gwSig, &txnID, &failure,
		&completedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopUpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get top-up: %w", err)
	}
	t.Gateway.PaymentID = gwPayment.String
	t.Gateway.Signature = gwSig.String
	t.TransactionID = txnID.String
	t.FailureReason = failure.String
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

func (s *PostgresStore) UpdateTopUp(ctx context.Context, t *TopUp, expected TopUpStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE topups SET
			status = $1, gateway_payment_id = $2, gateway_signature = $3,
			transaction_id = $4, failure_reason = $5, completed_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		string(t.Status), nullString(t.Gateway.PaymentID), nullString(t.Gateway.Signature),
		nullString(t.TransactionID), nullString(t.FailureReason), nullTime(t.CompletedAt), t.UpdatedAt,
		t.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update top-up: %w", err)
	}
	return s.checkCAS(ctx, result, func() error { _, err := s.GetTopUp(ctx, t.ID); return err })
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

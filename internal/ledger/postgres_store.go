package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hireloop/payments/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. The wallet row lock
// taken by SELECT ... FOR UPDATE serializes mutations per wallet across
// every service instance; CHECK (balance >= 0) backs it up.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, user_id, balance, total_earned, total_spent, pending_amount, currency, created_at, updated_at`

const txnColumns = `id, wallet_id, user_id, type, amount, category, status, balance_after,
	COALESCE(order_id, ''), COALESCE(job_id, ''), COALESCE(reference, ''), COALESCE(description, ''),
	COALESCE(idempotency_key, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(s scanner) (*Wallet, error) {
	w := &Wallet{}
	err := s.Scan(&w.ID, &w.UserID, &w.Balance, &w.TotalEarned, &w.TotalSpent,
		&w.PendingAmount, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	err := s.Scan(&t.ID, &t.WalletID, &t.UserID, &t.Type, &t.Amount, &t.Category, &t.Status,
		&t.BalanceAfter, &t.OrderID, &t.JobID, &t.Reference, &t.Description,
		&t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureWallet(ctx context.Context, db execer, userID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, idgen.WithPrefix("wal_"), userID)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	if err := ensureWallet(ctx, p.db, userID); err != nil {
		return nil, err
	}
	w, err := scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (p *PostgresStore) Append(ctx context.Context, txn *Transaction) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := ensureWallet(ctx, tx, txn.UserID); err != nil {
		return nil, err
	}
	w, err := scanWallet(tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, txn.UserID))
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	if err := project(w, txn); err != nil {
		return nil, err
	}
	w.UpdatedAt = txn.CreatedAt

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance = $2, total_earned = $3, total_spent = $4, pending_amount = $5, updated_at = $6
		WHERE id = $1`,
		w.ID, w.Balance, w.TotalEarned, w.TotalSpent, w.PendingAmount, w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}

	txn.WalletID = w.ID
	txn.BalanceAfter = w.Balance

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, user_id, type, amount, category, status,
			balance_after, order_id, job_id, reference, description, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''),
			NULLIF($12, ''), NULLIF($13, ''), $14, $15)`,
		txn.ID, txn.WalletID, txn.UserID, txn.Type, txn.Amount, txn.Category, txn.Status,
		txn.BalanceAfter, txn.OrderID, txn.JobID, txn.Reference, txn.Description,
		txn.IdempotencyKey, txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM wallet_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) GetTransactionByKey(ctx context.Context, key string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM wallet_transactions WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by key: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, f Filter) ([]*Transaction, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	add := func(col string, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("type", string(f.Type))
	add("category", string(f.Category))
	add("status", string(f.Status))
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	args = append(args, f.Page.Limit, f.Page.Offset())
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM wallet_transactions WHERE %s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
		txnColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txns, err := collect(rows)
	return txns, total, err
}

func (p *PostgresStore) Replay(ctx context.Context, userID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM wallet_transactions WHERE user_id = $1 ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("replay transactions: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (p *PostgresStore) SetTransactionStatus(ctx context.Context, id string, status Status, at time.Time) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := scanTransaction(tx.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM wallet_transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	w, err := scanWallet(tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, t.WalletID))
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if err := settle(w, t, status); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE wallets SET pending_amount = $2, updated_at = $3 WHERE id = $1`,
		w.ID, w.PendingAmount, at); err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE wallet_transactions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, at); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Status = status
	t.UpdatedAt = at
	return t, nil
}

func (p *PostgresStore) Totals(ctx context.Context, userID string, since time.Time) (*Totals, error) {
	totals := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'credit' AND category = 'job_earning'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'debit' AND category = 'job_payment'), 0)
		FROM wallet_transactions
		WHERE user_id = $1 AND created_at >= $2 AND status <> 'failed'`,
		userID, since).Scan(&totals.Earned, &totals.Spent)
	if err != nil {
		return nil, fmt.Errorf("wallet totals: %w", err)
	}
	return totals, nil
}

func collect(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error, column string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return column == "" || strings.Contains(pqErr.Constraint, column)
}

var _ Store = (*PostgresStore)(nil)

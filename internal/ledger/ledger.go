// Package ledger tracks user wallets on the marketplace.
//
// A wallet's balance is a materialized projection of its append-only
// transaction history:
//  1. Every credit or debit appends exactly one Transaction
//  2. The Transaction records the balance after it was applied
//  3. Replaying the history oldest-first reproduces the wallet (Verify)
//
// Mutations on one wallet are serialized; different wallets proceed
// independently.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/pagination"
	"github.com/hireloop/payments/internal/syncutil"
	"github.com/hireloop/payments/internal/traces"
)

var (
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive with at most 2 decimals")
	ErrInvalidCategory     = errors.New("ledger: invalid category")
	ErrInvalidStatus       = errors.New("ledger: invalid status transition")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrDuplicateKey        = errors.New("ledger: idempotency key already used")
)

// Type is the direction of a transaction.
type Type string

const (
	TypeCredit Type = "credit"
	TypeDebit  Type = "debit"
)

// Category says why money moved.
type Category string

const (
	CategoryDeposit    Category = "deposit"     // wallet top-up via gateway
	CategoryWithdrawal Category = "withdrawal"  // payout to bank/UPI
	CategoryJobPayment Category = "job_payment" // client paying for an order
	CategoryJobEarning Category = "job_earning" // provider paid from escrow
	CategoryRefund     Category = "refund"      // money returned to a client
	CategoryCommission Category = "commission"
	CategoryBonus      Category = "bonus"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryDeposit, CategoryWithdrawal, CategoryJobPayment, CategoryJobEarning,
		CategoryRefund, CategoryCommission, CategoryBonus:
		return true
	}
	return false
}

// Status is the settlement state of a transaction. The balance effect is
// applied when the transaction is appended; status only tracks whether
// the outside world has settled it (e.g. a bank withdrawal).
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Wallet is the per-user balance projection.
type Wallet struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	TotalEarned   decimal.Decimal `json:"totalEarned"`
	TotalSpent    decimal.Decimal `json:"totalSpent"`
	PendingAmount decimal.Decimal `json:"pendingAmount"` // withdrawals not yet settled
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Transaction is an immutable ledger entry. Only Status changes after creation.
type Transaction struct {
	ID             string          `json:"id"`
	WalletID       string          `json:"walletId"`
	UserID         string          `json:"userId"`
	Type           Type            `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Category       Category        `json:"category"`
	Status         Status          `json:"status"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	OrderID        string          `json:"orderId,omitempty"`
	JobID          string          `json:"jobId,omitempty"`
	Reference      string          `json:"reference,omitempty"` // payment, payout, refund or top-up id
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Signed returns the transaction's effect on the balance.
func (t *Transaction) Signed() decimal.Decimal {
	if t.Type == TypeDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Refs links a mutation to the entity that caused it.
type Refs struct {
	OrderID     string
	JobID       string
	Reference   string
	Description string
	// Status defaults to completed.
	Status Status
	// IdempotencyKey makes the mutation replay-safe: a second call with
	// the same key returns the first transaction and changes nothing.
	IdempotencyKey string
}

// Filter narrows history queries. Zero fields match everything.
type Filter struct {
	Type     Type
	Category Category
	Status   Status
	Page     pagination.Params
}

// Matches reports whether t passes the filter.
func (f Filter) Matches(t *Transaction) bool {
	return (f.Type == "" || t.Type == f.Type) &&
		(f.Category == "" || t.Category == f.Category) &&
		(f.Status == "" || t.Status == f.Status)
}

// Totals are period sums used by wallet stats.
type Totals struct {
	Earned decimal.Decimal `json:"earned"`
	Spent  decimal.Decimal `json:"spent"`
}

// Store persists wallets and their transactions.
type Store interface {
	// GetWallet returns the user's wallet, creating an empty one on first access.
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	// Append applies txn to its wallet and records it in one atomic unit,
	// filling WalletID and BalanceAfter. Returns ErrInsufficientFunds if
	// a debit would overdraw (nothing is written) and ErrDuplicateKey if
	// txn.IdempotencyKey was already used.
	Append(ctx context.Context, txn *Transaction) (*Wallet, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*Transaction, error)
	// ListTransactions returns one page, newest first, and the filtered total.
	ListTransactions(ctx context.Context, userID string, f Filter) ([]*Transaction, int, error)
	// Replay returns the full history oldest first.
	Replay(ctx context.Context, userID string) ([]*Transaction, error)
	// SetTransactionStatus moves a pending transaction to completed or failed.
	SetTransactionStatus(ctx context.Context, id string, status Status, at time.Time) (*Transaction, error)
	Totals(ctx context.Context, userID string, since time.Time) (*Totals, error)
}

// Ledger is the service wrapping a Store.
type Ledger struct {
	store    Store
	locks    *syncutil.KeyedMutex
	now      func() time.Time
	currency string
	logger   *slog.Logger
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{
		store:    store,
		locks:    syncutil.NewKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
		currency: "INR",
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock sets the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Credit adds amount to the user's wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, category Category, refs Refs) (*Transaction, error) {
	return l.apply(ctx, TypeCredit, userID, amount, category, refs)
}

// Debit removes amount from the user's wallet. An overdraft returns
// ErrInsufficientFunds and records nothing.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, category Category, refs Refs) (*Transaction, error) {
	return l.apply(ctx, TypeDebit, userID, amount, category, refs)
}

func (l *Ledger) apply(ctx context.Context, typ Type, userID string, amount decimal.Decimal, category Category, refs Refs) (_ *Transaction, err error) {
	if userID == "" {
		return nil, fmt.Errorf("ledger: user id required")
	}
	if !money.Positive(amount) || !amount.Equal(amount.Round(money.Decimals)) {
		return nil, ErrInvalidAmount
	}
	if !category.Valid() {
		return nil, ErrInvalidCategory
	}
	status := refs.Status
	if status == "" {
		status = StatusCompleted
	}

	ctx, span := traces.StartSpan(ctx, "ledger."+string(typ),
		traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()
	defer observeOp(string(typ))()

	if refs.IdempotencyKey != "" {
		if existing, err := l.store.GetTransactionByKey(ctx, refs.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
	}

	unlock, err := l.locks.LockContext(ctx, "wallet:"+userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.now()
	txn := &Transaction{
		ID:             idgen.Sortable("txn_"),
		UserID:         userID,
		Type:           typ,
		Amount:         amount,
		Category:       category,
		Status:         status,
		OrderID:        refs.OrderID,
		JobID:          refs.JobID,
		Reference:      refs.Reference,
		Description:    refs.Description,
		IdempotencyKey: refs.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := l.store.Append(ctx, txn); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return l.store.GetTransactionByKey(ctx, refs.IdempotencyKey)
		}
		if errors.Is(err, ErrInsufficientFunds) {
			insufficientTotal.Inc()
		}
		return nil, err
	}

	l.logger.Debug("ledger entry appended",
		"txnId", txn.ID, "userId", userID, "type", typ, "category", category,
		"amount", money.Format(amount), "balanceAfter", money.Format(txn.BalanceAfter))
	return txn, nil
}

// GetWallet returns the user's wallet, creating it if needed.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.Currency == "" {
		w.Currency = l.currency
	}
	return w, nil
}

// GetTransaction returns a transaction owned by userID. Transactions of
// other users are reported as not found.
func (l *Ledger) GetTransaction(ctx context.Context, userID, id string) (*Transaction, error) {
	t, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	return t, nil
}

// History returns a filtered page of the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, f Filter) ([]*Transaction, pagination.Meta, error) {
	f.Page = pagination.Normalize(f.Page.Page, f.Page.Limit)
	txns, total, err := l.store.ListTransactions(ctx, userID, f)
	if err != nil {
		return nil, pagination.Meta{}, err
	}
	return txns, pagination.NewMeta(f.Page, total), nil
}

// SetStatus settles a pending transaction.
func (l *Ledger) SetStatus(ctx context.Context, id string, status Status) (*Transaction, error) {
	if status != StatusCompleted && status != StatusFailed {
		return nil, ErrInvalidStatus
	}
	t, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := l.locks.LockContext(ctx, "wallet:"+t.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.store.SetTransactionStatus(ctx, id, status, l.now())
}

// WalletStats is the summary shown on the wallet dashboard.
type WalletStats struct {
	Wallet          *Wallet         `json:"wallet"`
	MonthlyEarnings decimal.Decimal `json:"monthlyEarnings"`
	MonthlySpending decimal.Decimal `json:"monthlySpending"`
	Recent          []*Transaction  `json:"recentTransactions"`
}

// Stats returns balance, current-month totals and the five latest transactions.
func (l *Ledger) Stats(ctx context.Context, userID string) (*WalletStats, error) {
	w, err := l.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	totals, err := l.store.Totals(ctx, userID, monthStart)
	if err != nil {
		return nil, err
	}
	recent, _, err := l.store.ListTransactions(ctx, userID, Filter{Page: pagination.Normalize(1, 5)})
	if err != nil {
		return nil, err
	}
	return &WalletStats{
		Wallet:          w,
		MonthlyEarnings: totals.Earned,
		MonthlySpending: totals.Spent,
		Recent:          recent,
	}, nil
}

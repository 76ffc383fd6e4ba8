// Package payout disburses a provider's share of released escrows and
// handles wallet withdrawals.
//
// Wallet payouts are credited to the provider's ledger wallet
// synchronously. Bank and UPI payouts are recorded as pending and handed
// to a queue; a worker moves them through processing to completed or
// failed via the gateway. A failed payout never touches the escrow: the
// money is already accounted for and the payout is flagged for retry.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/pagination"
	"github.com/hireloop/payments/internal/syncutil"
	"github.com/hireloop/payments/internal/traces"
)

var (
	ErrPayoutNotFound     = errors.New("payout not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrInvalidStatus      = errors.New("invalid payout status for this operation")
	ErrEscrowNotReleased  = errors.New("escrow is not released")
	ErrDuplicate          = errors.New("payout already exists")
	ErrStaleStatus        = errors.New("payout status changed concurrently")
	ErrBelowMinimum       = errors.New("amount below minimum withdrawal")
	ErrInvalidDestination = errors.New("invalid payout destination")
	ErrInvalidMethod      = errors.New("invalid payout method")
	// errTransferPending asks the queue to look again later.
	errTransferPending = errors.New("transfer still pending at gateway")
)

// Method is how money reaches the provider.
type Method string

const (
	MethodWallet       Method = "wallet"
	MethodBankTransfer Method = "bank_transfer"
	MethodUPI          Method = "upi"
)

// External reports whether the method goes through the gateway.
func (m Method) External() bool {
	return m == MethodBankTransfer || m == MethodUPI
}

// Status of a payout or withdrawal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Payout is one disbursement of a released escrow.
type Payout struct {
	ID                string              `json:"id"`
	EscrowID          string              `json:"escrowId"`
	OrderID           string              `json:"orderId"`
	ProviderID        string              `json:"providerId"`
	Amount            decimal.Decimal     `json:"amount"`
	Method            Method              `json:"method"`
	Status            Status              `json:"status"`
	Destination       gateway.Destination `json:"destination,omitempty"`
	TransactionID     string              `json:"transactionId,omitempty"` // ledger credit for wallet payouts
	GatewayTransferID string              `json:"gatewayTransferId,omitempty"`
	FailureReason     string              `json:"failureReason,omitempty"`
	Attempts          int                 `json:"attempts"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// Preference is a provider's chosen payout method.
type Preference struct {
	ProviderID  string              `json:"providerId"`
	Method      Method              `json:"method"`
	Destination gateway.Destination `json:"destination"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Store persists payouts, withdrawals and payout preferences.
type Store interface {
	// Create returns ErrDuplicate if the escrow already has a payout.
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Payout, error)
	// Update writes p only if the stored status equals expected.
	Update(ctx context.Context, p *Payout, expected Status) error
	ListByProvider(ctx context.Context, providerID string, page pagination.Params) ([]*Payout, int, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payout, error)

	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *Withdrawal, expected Status) error
	ListWithdrawals(ctx context.Context, userID string, page pagination.Params) ([]*Withdrawal, int, error)

	GetPreference(ctx context.Context, providerID string) (*Preference, error)
	SetPreference(ctx context.Context, p *Preference) error
}

// Ledger is the subset of the ledger payouts need.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, category ledger.Category, refs ledger.Refs) (*ledger.Transaction, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, category ledger.Category, refs ledger.Refs) (*ledger.Transaction, error)
	SetStatus(ctx context.Context, id string, status ledger.Status) (*ledger.Transaction, error)
}

// EscrowReader looks up the escrow a payout settles.
type EscrowReader interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
}

// Queue hands external transfers to the worker.
type Queue interface {
	EnqueuePayout(ctx context.Context, id string) error
	EnqueueWithdrawal(ctx context.Context, id string) error
}

// Config is the payout policy.
type Config struct {
	Currency      string
	MinWithdrawal decimal.Decimal
}

// Dispatcher creates and completes payouts and withdrawals.
type Dispatcher struct {
	store   Store
	ledger  Ledger
	escrows EscrowReader
	gateway gateway.Gateway
	queue   Queue
	cfg     Config
	locks   *syncutil.KeyedMutex
	clock   clock.Clock
	logger  *slog.Logger
}

// NewDispatcher creates a payout dispatcher.
func NewDispatcher(store Store, l Ledger, escrows EscrowReader, gw gateway.Gateway, queue Queue, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &Dispatcher{
		store:   store,
		ledger:  l,
		escrows: escrows,
		gateway: gw,
		queue:   queue,
		cfg:     cfg,
		locks:   syncutil.NewKeyedMutex(),
		clock:   clock.Real{},
		logger:  logger,
	}
}

// WithClock sets the time source.
func (d *Dispatcher) WithClock(c clock.Clock) *Dispatcher {
	d.clock = c
	return d
}

// WithQueue sets the queue after construction, for wiring where the
// queue itself needs the dispatcher.
func (d *Dispatcher) WithQueue(q Queue) *Dispatcher {
	d.queue = q
	return d
}

// Dispatch creates the payout for a released escrow. It is idempotent:
// a second call for the same escrow finishes an interrupted wallet
// payout or does nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, e *escrow.Escrow) (err error) {
	ctx, span := traces.StartSpan(ctx, "payout.dispatch", traces.EscrowID(e.ID))
	defer func() { traces.End(span, err) }()

	if e.Status != escrow.StatusReleased {
		return ErrEscrowNotReleased
	}

	p, queued, err := d.create(ctx, e)
	if err != nil || !queued {
		return err
	}

	// Enqueue outside the escrow lock; an inline queue processes the
	// payout on this goroutine.
	if err := d.queue.EnqueuePayout(ctx, p.ID); err != nil {
		// Stays pending; an admin retry re-enqueues it.
		d.logger.Error("failed to enqueue payout", "payoutId", p.ID, "error", err)
		return nil
	}
	d.logger.Info("payout queued", "payoutId", p.ID, "method", p.Method,
		"providerId", p.ProviderID, "amount", money.Format(p.Amount))
	return nil
}

// create records the payout and pays wallet payouts. It reports whether
// the new payout needs an external transfer.
func (d *Dispatcher) create(ctx context.Context, e *escrow.Escrow) (*Payout, bool, error) {
	unlock, err := d.locks.LockContext(ctx, "escrow:"+e.ID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	p, err := d.store.GetByEscrow(ctx, e.ID)
	switch {
	case err == nil:
		if p.Method == MethodWallet && p.Status == StatusPending {
			return p, false, d.creditWallet(ctx, p)
		}
		return p, false, nil
	case !errors.Is(err, ErrPayoutNotFound):
		return nil, false, err
	}

	method, dest := MethodWallet, gateway.Destination{}
	if pref, err := d.store.GetPreference(ctx, e.ProviderID); err == nil {
		method, dest = pref.Method, pref.Destination
	}

	now := d.clock.Now()
	p = &Payout{
		ID:          idgen.WithPrefix("po_"),
		EscrowID:    e.ID,
		OrderID:     e.OrderID,
		ProviderID:  e.ProviderID,
		Amount:      e.ProviderAmount,
		Method:      method,
		Status:      StatusPending,
		Destination: dest,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return p, false, nil
		}
		return nil, false, fmt.Errorf("create payout: %w", err)
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Method), string(StatusPending)).Inc()

	if p.Method == MethodWallet {
		return p, false, d.creditWallet(ctx, p)
	}
	return p, true, nil
}

// creditWallet pays a wallet payout. The idempotency key makes a repeat
// after a crash return the original credit.
func (d *Dispatcher) creditWallet(ctx context.Context, p *Payout) error {
	from := p.Status
	txn, err := d.ledger.Credit(ctx, p.ProviderID, p.Amount, ledger.CategoryJobEarning, ledger.Refs{
		OrderID:        p.OrderID,
		Reference:      p.ID,
		Description:    "Payment received for completed job",
		IdempotencyKey: "payout:" + p.ID,
	})
	if err != nil {
		d.fail(ctx, p, from, err.Error())
		return fmt.Errorf("credit provider wallet: %w", err)
	}
	p.TransactionID = txn.ID
	return d.complete(ctx, p, from)
}

// complete marks p completed once its escrow is confirmed released.
func (d *Dispatcher) complete(ctx context.Context, p *Payout, from Status) error {
	e, err := d.escrows.Get(ctx, p.EscrowID)
	if err != nil {
		return fmt.Errorf("load escrow: %w", err)
	}
	if e.Status != escrow.StatusReleased {
		return ErrEscrowNotReleased
	}

	now := d.clock.Now()
	p.Status = StatusCompleted
	p.CompletedAt = &now
	p.FailureReason = ""
	p.UpdatedAt = now
	if err := d.store.Update(ctx, p, from); err != nil {
		return fmt.Errorf("complete payout: %w", err)
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Method), string(StatusCompleted)).Inc()
	d.logger.Info("payout completed", "payoutId", p.ID, "method", p.Method,
		"providerId", p.ProviderID, "amount", money.Format(p.Amount))
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, p *Payout, from Status, reason string) {
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = d.clock.Now()
	if err := d.store.Update(ctx, p, from); err != nil {
		d.logger.Error("failed to record payout failure", "payoutId", p.ID, "error", err)
		return
	}
	metrics.PayoutsTotal.WithLabelValues(string(p.Method), string(StatusFailed)).Inc()
	d.logger.Warn("payout failed", "payoutId", p.ID, "method", p.Method, "reason", reason)
}

// ProcessPayout executes an external payout. It is called by the queue
// worker and is safe to repeat: the payout id is the gateway reference.
func (d *Dispatcher) ProcessPayout(ctx context.Context, id string) error {
	unlock, err := d.locks.LockContext(ctx, "payout:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !p.Method.External() || (p.Status != StatusPending && p.Status != StatusProcessing) {
		return nil
	}

	from := p.Status
	p.Status = StatusProcessing
	p.Attempts++
	p.UpdatedAt = d.clock.Now()
	if err := d.store.Update(ctx, p, from); err != nil {
		return err
	}

	tr, err := d.gateway.Transfer(ctx, gateway.TransferRequest{
		Reference:   p.ID,
		Amount:      p.Amount,
		Currency:    d.cfg.Currency,
		Method:      string(p.Method),
		Destination: p.Destination,
	})
	switch {
	case errors.Is(err, gateway.ErrUnavailable):
		return err
	case err != nil:
		d.fail(ctx, p, StatusProcessing, err.Error())
		return nil
	}

	p.GatewayTransferID = tr.ID
	switch tr.Status {
	case gateway.TransferProcessed:
		return d.complete(ctx, p, StatusProcessing)
	case gateway.TransferFailed:
		d.fail(ctx, p, StatusProcessing, tr.FailureReason)
		return nil
	default:
		if err := d.store.Update(ctx, p, StatusProcessing); err != nil {
			return err
		}
		return errTransferPending
	}
}

// Retry re-attempts a payout that failed or is stuck before completion.
// Transfers are idempotent on the payout id, so re-running an in-flight
// external payout is safe. The escrow is not touched.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*Payout, error) {
	p, err := d.resetForRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	d.logger.Info("payout retry requested", "payoutId", p.ID, "method", p.Method)

	if p.Method == MethodWallet {
		unlock, err := d.locks.LockContext(ctx, "escrow:"+p.EscrowID)
		if err != nil {
			return nil, err
		}
		err = d.creditWallet(ctx, p)
		unlock()
		if err != nil {
			return nil, err
		}
	} else if err := d.queue.EnqueuePayout(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("enqueue payout: %w", err)
	}
	return d.store.Get(ctx, id)
}

func (d *Dispatcher) resetForRetry(ctx context.Context, id string) (*Payout, error) {
	unlock, err := d.locks.LockContext(ctx, "payout:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusCompleted:
		return nil, ErrInvalidStatus
	case StatusFailed:
		p.Status = StatusPending
		p.FailureReason = ""
		p.UpdatedAt = d.clock.Now()
		if err := d.store.Update(ctx, p, StatusFailed); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Get returns a payout.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Payout, error) {
	return d.store.Get(ctx, id)
}

// GetByEscrow returns the payout of an escrow.
func (d *Dispatcher) GetByEscrow(ctx context.Context, escrowID string) (*Payout, error) {
	return d.store.GetByEscrow(ctx, escrowID)
}

// ListByProvider returns a provider's payouts, newest first.
func (d *Dispatcher) ListByProvider(ctx context.Context, providerID string, page pagination.Params) ([]*Payout, pagination.Meta, error) {
	page = pagination.Normalize(page.Page, page.Limit)
	payouts, total, err := d.store.ListByProvider(ctx, providerID, page)
	if err != nil {
		return nil, pagination.Meta{}, err
	}
	return payouts, pagination.NewMeta(page, total), nil
}

// ListFailed returns failed payouts awaiting retry.
func (d *Dispatcher) ListFailed(ctx context.Context, limit int) ([]*Payout, error) {
	return d.store.ListByStatus(ctx, StatusFailed, limit)
}

// SetPreference records how a provider wants to be paid.
func (d *Dispatcher) SetPreference(ctx context.Context, providerID string, method Method, dest gateway.Destination) (*Preference, error) {
	if err := validateDestination(method, dest, true); err != nil {
		return nil, err
	}
	p := &Preference{ProviderID: providerID, Method: method, Destination: dest, UpdatedAt: d.clock.Now()}
	if method == MethodWallet {
		p.Destination = gateway.Destination{}
	}
	if err := d.store.SetPreference(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPreference returns a provider's payout preference, defaulting to wallet.
func (d *Dispatcher) GetPreference(ctx context.Context, providerID string) (*Preference, error) {
	p, err := d.store.GetPreference(ctx, providerID)
	if errors.Is(err, ErrPayoutNotFound) {
		return &Preference{ProviderID: providerID, Method: MethodWallet}, nil
	}
	return p, err
}

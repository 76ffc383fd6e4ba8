// Package payment is the payment orchestrator. It accepts checkouts paid
// from the wallet, through the gateway, or both; confirms gateway legs
// through signed callbacks and webhooks; and drives the ledger and the
// escrow engine to a consistent end state. It also owns refunds, wallet
// top-ups and the expiry of abandoned checkouts.
package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/dedupe"
	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/orders"
	"github.com/hireloop/payments/internal/syncutil"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrRefundNotFound       = errors.New("refund not found")
	ErrTopUpNotFound        = errors.New("top-up not found")
	ErrUnauthorized         = errors.New("not authorized for this payment")
	ErrInvalidSignature     = errors.New("invalid gateway signature")
	ErrAlreadyPaid          = errors.New("order already paid")
	ErrCaptureRefunded      = errors.New("payment had already failed, captured amount refunded")
	ErrInvalidStatus        = errors.New("invalid status for this operation")
	ErrOrderNotCompleted    = errors.New("order must be completed to release payment")
	ErrRefundExceedsPayment = errors.New("refund exceeds refundable amount")
	ErrStaleStatus          = errors.New("status changed concurrently")
)

// Method is how a checkout is funded.
type Method string

const (
	MethodGateway  Method = "gateway"
	MethodWallet   Method = "wallet"
	MethodCombined Method = "combined"
)

// Status of a payment.
type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Paid reports whether the payment has been captured, refunded or not.
func (s Status) Paid() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusPartiallyRefunded
}

// GatewayRef correlates a payment with the gateway's records.
type GatewayRef struct {
	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	Signature string `json:"-"`
}

// Payment is one checkout attempt against an order.
type Payment struct {
	ID                  string          `json:"id"`
	OrderID             string          `json:"orderId"`
	UserID              string          `json:"userId"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Method              Method          `json:"paymentMethod"`
	WalletAmount        decimal.Decimal `json:"walletAmount"`
	GatewayAmount       decimal.Decimal `json:"gatewayAmount"`
	Gateway             GatewayRef      `json:"gateway"`
	Status              Status          `json:"status"`
	TransactionID       string          `json:"transactionId"`
	WalletTransactionID string          `json:"walletTransactionId,omitempty"`
	EscrowID            string          `json:"escrowId,omitempty"`
	RefundedAmount      decimal.Decimal `json:"refundedAmount"`
	FailureReason       string          `json:"failureReason,omitempty"`
	PaidAt              *time.Time      `json:"paidAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Store persists payments, refunds and top-ups. Update methods are
// compare-and-swap on status and return ErrStaleStatus on mismatch.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByGatewayOrder(ctx context.Context, gatewayOrderID string) (*Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Payment, error)
	Update(ctx context.Context, p *Payment, expected Status) error
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)

	CreateRefund(ctx context.Context, r *Refund) error
	GetRefund(ctx context.Context, id string) (*Refund, error)
	GetRefundByGatewayID(ctx context.Context, gatewayRefundID string) (*Refund, error)
	UpdateRefund(ctx context.Context, r *Refund, expected RefundStatus) error
	ListRefunds(ctx context.Context, f RefundFilter) ([]*Refund, error)

	CreateTopUp(ctx context.Context, t *TopUp) error
	GetTopUp(ctx context.Context, id string) (*TopUp, error)
	GetTopUpByGatewayOrder(ctx context.Context, gatewayOrderID string) (*TopUp, error)
	UpdateTopUp(ctx context.Context, t *TopUp, expected TopUpStatus) error
}

// Ledger is the subset of the ledger the orchestrator needs.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, category ledger.Category, refs ledger.Refs) (*ledger.Transaction, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, category ledger.Category, refs ledger.Refs) (*ledger.Transaction, error)
}

// Escrows is the escrow engine as seen by the orchestrator.
type Escrows interface {
	Open(ctx context.Context, req escrow.OpenRequest) (*escrow.Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*escrow.Escrow, error)
	Release(ctx context.Context, id, by string) (*escrow.Escrow, bool, error)
	Refund(ctx context.Context, id string) (*escrow.Escrow, bool, error)
	ReserveRefund(ctx context.Context, id string) (*escrow.Escrow, bool, error)
	CancelRefund(ctx context.Context, id string) (*escrow.Escrow, error)
	MarkOrderCompleted(ctx context.Context, orderID string, completedAt time.Time) (*escrow.Escrow, error)
}

// Config is the orchestrator policy.
type Config struct {
	Currency   string
	MinTopUp   decimal.Decimal
	MaxTopUp   decimal.Decimal
	PendingTTL time.Duration // 0 disables expiry
	// WebhookDedupeTTL bounds how long delivered webhook ids are remembered.
	WebhookDedupeTTL time.Duration
}

// Service is the payment orchestrator.
type Service struct {
	store   Store
	ledger  Ledger
	escrows Escrows
	orders  orders.Store
	gateway gateway.Gateway
	signer  *gateway.Signer
	seen    dedupe.Store
	cfg     Config

	// orderLocks serializes checkouts per order; locks serializes
	// payment and top-up transitions. Order locks may be held while
	// taking a payment lock, never the reverse.
	orderLocks *syncutil.KeyedMutex
	locks      *syncutil.KeyedMutex
	clock      clock.Clock
	logger     *slog.Logger
}

// NewService creates the orchestrator.
func NewService(store Store, l Ledger, escrows Escrows, orderStore orders.Store, gw gateway.Gateway, signer *gateway.Signer, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.WebhookDedupeTTL == 0 {
		cfg.WebhookDedupeTTL = 72 * time.Hour
	}
	return &Service{
		store:      store,
		ledger:     l,
		escrows:    escrows,
		orders:     orderStore,
		gateway:    gw,
		signer:     signer,
		seen:       dedupe.NewMemoryStore(),
		cfg:        cfg,
		orderLocks: syncutil.NewKeyedMutex(),
		locks:      syncutil.NewKeyedMutex(),
		clock:      clock.Real{},
		logger:     slog.Default(),
	}
}

// WithDedupe sets the store used to drop replayed webhooks.
func (s *Service) WithDedupe(d dedupe.Store) *Service {
	s.seen = d
	return s
}

// WithClock sets the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Get returns a payment. Only the payer may read it unless asAdmin is set.
func (s *Service) Get(ctx context.Context, id, userID string, asAdmin bool) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !asAdmin && p.UserID != userID {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// latestPaid returns the captured payment of an order, if any.
func (s *Service) latestPaid(ctx context.Context, orderID string) (*Payment, error) {
	payments, err := s.store.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.Status.Paid() {
			return p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

// Package escrow holds a client's payment for an order until the work is
// accepted.
//
// Flow:
//  1. Payment completes → Open: status held, fee split fixed
//  2. Order completes → auto-release scheduled completedAt + days
//  3. Client releases (or the scheduler does) → released, payout dispatched
//  4. Approved refund → refunding while money moves → refunded
//  5. Either party disputes → disputed, auto-release suspended
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/syncutil"
	"github.com/hireloop/payments/internal/traces"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrInvalidStatus  = errors.New("invalid escrow status for this operation")
	ErrDisputed       = errors.New("escrow is disputed")
	ErrUnauthorized   = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrOrderHasEscrow = errors.New("order already has an escrow")
	// ErrStaleStatus is returned by Store.Update when the stored status
	// no longer matches the expected one.
	ErrStaleStatus = errors.New("escrow status changed concurrently")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
	// StatusRefunding reserves the escrow for a refund in flight. It
	// blocks release until the refund completes or is cancelled.
	StatusRefunding Status = "refunding"
)

// Who released an escrow.
const (
	ReleasedByClient    = "client"
	ReleasedByScheduler = "scheduler"
	ReleasedByAdmin     = "admin"
)

// AutoRelease is the hands-free release policy.
type AutoRelease struct {
	Enabled             bool       `json:"enabled"`
	DaysAfterCompletion int        `json:"daysAfterCompletion"`
	ScheduledFor        *time.Time `json:"scheduledFor,omitempty"`
}

// Dispute records who raised a dispute and how an administrator settled it.
type Dispute struct {
	RaisedBy   string     `json:"raisedBy"`
	Reason     string     `json:"reason"`
	RaisedAt   time.Time  `json:"raisedAt"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Escrow is the platform-held money for one order.
type Escrow struct {
	ID             string          `json:"id"`
	PaymentID      string          `json:"paymentId"`
	OrderID        string          `json:"orderId"`
	ClientID       string          `json:"clientId"`
	ProviderID     string          `json:"providerId"`
	Amount         decimal.Decimal `json:"amount"`
	PlatformFee    decimal.Decimal `json:"platformFee"`
	ProviderAmount decimal.Decimal `json:"providerAmount"`
	Status         Status          `json:"status"`
	AutoRelease    AutoRelease     `json:"autoRelease"`
	Dispute        *Dispute        `json:"dispute,omitempty"`
	HeldAt         time.Time       `json:"heldAt"`
	ReleasedAt     *time.Time      `json:"releasedAt,omitempty"`
	ReleasedBy     string          `json:"releasedBy,omitempty"`
	RefundedAt     *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// IsParty reports whether userID is the escrow's client or provider.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (e.ClientID == userID || e.ProviderID == userID)
}

// Store persists escrow data.
type Store interface {
	// Create inserts a new escrow. Returns ErrOrderHasEscrow if the
	// payment or the order already has one.
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*Escrow, error)
	GetByPayment(ctx context.Context, paymentID string) (*Escrow, error)
	// Update writes e only if the stored status still equals expected,
	// otherwise it returns ErrStaleStatus and writes nothing.
	Update(ctx context.Context, e *Escrow, expected Status) error
	// ListDue returns held escrows with auto-release enabled and
	// scheduledFor <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
}

// PayoutDispatcher turns a released escrow into a provider payout.
// It must be idempotent per escrow.
type PayoutDispatcher interface {
	Dispatch(ctx context.Context, e *Escrow) error
}

// OpenRequest contains the parameters for opening an escrow.
type OpenRequest struct {
	PaymentID  string
	OrderID    string
	ClientID   string
	ProviderID string
	Amount     decimal.Decimal
}

// Config is the escrow policy.
type Config struct {
	FeeBPS          int64 // platform fee in basis points
	AutoReleaseDays int   // 0 disables auto-release
}

// Service implements escrow business logic.
type Service struct {
	store   Store
	payouts PayoutDispatcher
	cfg     Config
	locks   *syncutil.KeyedMutex
	clock   clock.Clock
	logger  *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, cfg Config) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		locks:  syncutil.NewKeyedMutex(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
}

// WithPayouts sets the dispatcher invoked after release.
func (s *Service) WithPayouts(d PayoutDispatcher) *Service {
	s.payouts = d
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

// Open creates a held escrow for a completed payment. Opening twice for
// the same payment returns the existing escrow.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Escrow, error) {
	if !money.Positive(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if req.PaymentID == "" || req.OrderID == "" || req.ClientID == "" || req.ProviderID == "" {
		return nil, fmt.Errorf("escrow: payment, order, client and provider are required")
	}

	unlock, err := s.locks.LockContext(ctx, "order:"+req.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := s.store.GetByPayment(ctx, req.PaymentID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	fee, providerAmount := money.Split(req.Amount, s.cfg.FeeBPS)
	e := &Escrow{
		ID:             idgen.WithPrefix("esc_"),
		PaymentID:      req.PaymentID,
		OrderID:        req.OrderID,
		ClientID:       req.ClientID,
		ProviderID:     req.ProviderID,
		Amount:         req.Amount,
		PlatformFee:    fee,
		ProviderAmount: providerAmount,
		Status:         StatusHeld,
		AutoRelease: AutoRelease{
			Enabled:             s.cfg.AutoReleaseDays > 0,
			DaysAfterCompletion: s.cfg.AutoReleaseDays,
		},
		HeldAt:    now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.AutoRelease.Enabled {
		at := now.AddDate(0, 0, s.cfg.AutoReleaseDays)
		e.AutoRelease.ScheduledFor = &at
	}

	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, ErrOrderHasEscrow) {
			// Lost a race with another instance opening for the same payment.
			if existing, getErr := s.store.GetByPayment(ctx, req.PaymentID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld)).Inc()
	s.logger.Info("escrow opened",
		"escrowId", e.ID, "orderId", e.OrderID, "paymentId", e.PaymentID,
		"amount", money.Format(e.Amount), "platformFee", money.Format(e.PlatformFee))
	return e, nil
}

// Release moves a held escrow to released and dispatches the provider
// payout. Releasing an already released escrow returns it with
// released=false. Payout failures are logged and do not undo the release.
func (s *Service) Release(ctx context.Context, id, by string) (_ *Escrow, released bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, "escrow:"+id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	switch e.Status {
	case StatusReleased:
		return e, false, nil
	case StatusRefunded, StatusRefunding:
		return nil, false, ErrInvalidStatus
	case StatusDisputed:
		return nil, false, ErrDisputed
	}

	now := s.clock.Now()
	e.Status = StatusReleased
	e.ReleasedAt = &now
	e.ReleasedBy = by
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e, StatusHeld); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return s.afterStaleRelease(ctx, id)
		}
		return nil, false, fmt.Errorf("failed to release escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased)).Inc()
	metrics.EscrowHoldDuration.Observe(now.Sub(e.HeldAt).Seconds())
	s.logger.Info("escrow released",
		"escrowId", e.ID, "orderId", e.OrderID, "by", by,
		"providerAmount", money.Format(e.ProviderAmount))

	if s.payouts != nil {
		if err := s.payouts.Dispatch(ctx, e); err != nil {
			s.logger.Error("payout dispatch failed after release",
				"escrowId", e.ID, "providerId", e.ProviderID, "error", err)
		}
	}
	return e, true, nil
}

// afterStaleRelease resolves a lost compare-and-swap: another instance
// moved the escrow first.
func (s *Service) afterStaleRelease(ctx context.Context, id string) (*Escrow, bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch e.Status {
	case StatusReleased:
		return e, false, nil
	case StatusDisputed:
		return nil, false, ErrDisputed
	default:
		return nil, false, ErrInvalidStatus
	}
}

// Refund moves a held, disputed or refunding escrow to refunded.
// Refunding an already refunded escrow returns it with refunded=false; a
// released escrow cannot be refunded.
func (s *Service) Refund(ctx context.Context, id string) (_ *Escrow, refunded bool, err error) {
	unlock, err := s.locks.LockContext(ctx, "escrow:"+id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch e.Status {
	case StatusRefunded:
		return e, false, nil
	case StatusReleased:
		return nil, false, ErrInvalidStatus
	}

	from := e.Status
	now := s.clock.Now()
	e.Status = StatusRefunded
	e.RefundedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e, from); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			if fresh, getErr := s.store.Get(ctx, id); getErr == nil && fresh.Status == StatusRefunded {
				return fresh, false, nil
			}
			return nil, false, ErrInvalidStatus
		}
		return nil, false, fmt.Errorf("failed to refund escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.logger.Info("escrow refunded", "escrowId", e.ID, "orderId", e.OrderID)
	return e, true, nil
}

// ReserveRefund moves a held or disputed escrow to refunding before any
// refund money moves. reserved is false when the escrow was already
// refunding or refunded, so an earlier refund owns the reservation. A
// released escrow returns ErrInvalidStatus.
func (s *Service) ReserveRefund(ctx context.Context, id string) (_ *Escrow, reserved bool, err error) {
	unlock, err := s.locks.LockContext(ctx, "escrow:"+id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch e.Status {
	case StatusRefunding, StatusRefunded:
		return e, false, nil
	case StatusReleased:
		return nil, false, ErrInvalidStatus
	}

	from := e.Status
	e.Status = StatusRefunding
	e.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, e, from); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, false, ErrInvalidStatus
		}
		return nil, false, fmt.Errorf("failed to reserve escrow: %w", err)
	}
	s.logger.Info("escrow reserved for refund", "escrowId", e.ID, "orderId", e.OrderID)
	return e, true, nil
}

// CancelRefund undoes ReserveRefund after a refund that moved no money.
// The escrow goes back to disputed if an unresolved dispute is on it,
// otherwise to held. Escrows not refunding are returned as is.
func (s *Service) CancelRefund(ctx context.Context, id string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, "escrow:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusRefunding {
		return e, nil
	}

	e.Status = StatusHeld
	if e.Dispute != nil && e.Dispute.ResolvedAt == nil {
		e.Status = StatusDisputed
	}
	e.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, e, StatusRefunding); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return s.store.Get(ctx, id)
		}
		return nil, err
	}
	s.logger.Info("escrow refund reservation cancelled", "escrowId", e.ID, "status", e.Status)
	return e, nil
}

// Dispute suspends a held escrow. Only the client or provider may raise it.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, "escrow:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusHeld {
		return nil, ErrInvalidStatus
	}

	now := s.clock.Now()
	e.Status = StatusDisputed
	e.Dispute = &Dispute{RaisedBy: callerID, Reason: reason, RaisedAt: now}
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e, StatusHeld); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, ErrInvalidStatus
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.logger.Warn("escrow disputed", "escrowId", e.ID, "orderId", e.OrderID, "raisedBy", callerID)
	return e, nil
}

// ResolveDispute returns a disputed escrow to held with the administrator's
// note and auto-release switched off. The administrator then releases it
// or approves a refund through the normal paths.
func (s *Service) ResolveDispute(ctx context.Context, id, adminID, resolution string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, "escrow:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed || e.Dispute == nil {
		return nil, ErrInvalidStatus
	}

	now := s.clock.Now()
	e.Status = StatusHeld
	e.Dispute.Resolution = resolution
	e.Dispute.ResolvedBy = adminID
	e.Dispute.ResolvedAt = &now
	e.AutoRelease.Enabled = false
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e, StatusDisputed); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, ErrInvalidStatus
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld)).Inc()
	s.logger.Info("escrow dispute resolved", "escrowId", e.ID, "resolvedBy", adminID)
	return e, nil
}

// MarkOrderCompleted reschedules auto-release to completedAt + days.
// Escrows that are not held, or have auto-release off, are returned as is.
func (s *Service) MarkOrderCompleted(ctx context.Context, orderID string, completedAt time.Time) (*Escrow, error) {
	e, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, "escrow:"+e.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err = s.store.Get(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusHeld || !e.AutoRelease.Enabled {
		return e, nil
	}

	at := completedAt.AddDate(0, 0, e.AutoRelease.DaysAfterCompletion)
	e.AutoRelease.ScheduledFor = &at
	e.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, e, StatusHeld); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return s.store.Get(ctx, e.ID)
		}
		return nil, err
	}
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the escrow of an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// GetByPayment returns the escrow opened for a payment.
func (s *Service) GetByPayment(ctx context.Context, paymentID string) (*Escrow, error) {
	return s.store.GetByPayment(ctx, paymentID)
}

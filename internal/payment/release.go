package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/orders"
	"github.com/hireloop/payments/internal/traces"
)

// ReleasePayment releases the order's escrow to the provider. Only the
// order's client may release, and only once the order is completed.
// Releasing twice returns the released escrow again.
func (s *Service) ReleasePayment(ctx context.Context, orderID, callerID string) (_ *escrow.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.release", traces.OrderID(orderID), traces.UserID(callerID))
	defer func() { traces.End(span, err) }()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if o.Status != orders.StatusCompleted {
		return nil, ErrOrderNotCompleted
	}
	e, err := s.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	e, _, err = s.escrows.Release(ctx, e.ID, escrow.ReleasedByClient)
	return e, err
}

// OrderCompleted records that the order finished and reschedules the
// escrow's auto-release from the completion time. It returns a nil
// escrow for orders that were never paid.
func (s *Service) OrderCompleted(ctx context.Context, orderID string, at time.Time) (*escrow.Escrow, error) {
	if at.IsZero() {
		at = s.clock.Now()
	}
	if err := s.orders.SetStatus(ctx, orderID, orders.StatusCompleted, at); err != nil {
		return nil, err
	}
	e, err := s.escrows.MarkOrderCompleted(ctx, orderID, at)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return nil, nil
	}
	return e, err
}

// OrderPaymentStatus is the payment view of an order.
type OrderPaymentStatus struct {
	OrderID       string               `json:"orderId"`
	PaymentStatus orders.PaymentStatus `json:"paymentStatus"`
	Payment       *Payment             `json:"payment,omitempty"`
	Escrow        *escrow.Escrow       `json:"escrow,omitempty"`
}

// GetOrderPaymentStatus returns the order's payment status with its
// captured payment and escrow, if any. Only the order's parties may read
// it unless asAdmin is set.
func (s *Service) GetOrderPaymentStatus(ctx context.Context, orderID, userID string, asAdmin bool) (*OrderPaymentStatus, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !asAdmin && !o.IsParty(userID) {
		return nil, ErrUnauthorized
	}

	out := &OrderPaymentStatus{OrderID: o.ID, PaymentStatus: o.PaymentStatus}
	if p, err := s.latestPaid(ctx, o.ID); err == nil {
		out.Payment = p
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}
	if e, err := s.escrows.GetByOrder(ctx, o.ID); err == nil {
		out.Escrow = e
	} else if !errors.Is(err, escrow.ErrEscrowNotFound) {
		return nil, err
	}
	return out, nil
}

// ListByOrder returns every payment attempt of an order, newest first.
func (s *Service) ListByOrder(ctx context.Context, orderID, userID string, asAdmin bool) ([]*Payment, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !asAdmin && !o.IsParty(userID) {
		return nil, ErrUnauthorized
	}
	return s.store.ListByOrder(ctx, orderID)
}

// ReleaseRecorder marks the order's payment released before handing the
// escrow to the payout dispatcher, for client and scheduler releases
// alike.
type ReleaseRecorder struct {
	orders orders.Store
	next   escrow.PayoutDispatcher
	clock  clock.Clock
	logger *slog.Logger
}

// NewReleaseRecorder wraps next.
func NewReleaseRecorder(orderStore orders.Store, next escrow.PayoutDispatcher, c clock.Clock, logger *slog.Logger) *ReleaseRecorder {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReleaseRecorder{orders: orderStore, next: next, clock: c, logger: logger}
}

// Dispatch implements escrow.PayoutDispatcher.
func (r *ReleaseRecorder) Dispatch(ctx context.Context, e *escrow.Escrow) error {
	if err := r.orders.SetPaymentStatus(ctx, e.OrderID, orders.PaymentReleased, r.clock.Now()); err != nil {
		r.logger.Error("failed to mark order payment released", "orderId", e.OrderID, "escrowId", e.ID, "error", err)
	}
	return r.next.Dispatch(ctx, e)
}

var _ escrow.PayoutDispatcher = (*ReleaseRecorder)(nil)

// UpsertOrder stores an order pushed by the order subsystem.
func (s *Service) UpsertOrder(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	o.UpdatedAt = s.clock.Now()
	if err := s.orders.Upsert(ctx, o); err != nil {
		return nil, err
	}
	return s.orders.Get(ctx, o.ID)
}

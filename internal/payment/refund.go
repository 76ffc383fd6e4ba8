package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/orders"
	"github.com/hireloop/payments/internal/traces"
	"github.com/hireloop/payments/internal/validation"
)

// RefundStatus is the refund lifecycle state.
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundApproved   RefundStatus = "approved"
	RefundRejected   RefundStatus = "rejected"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

// counts reports whether the refund's amount is reserved against the
// payment's refundable amount.
func (s RefundStatus) counts() bool {
	switch s {
	case RefundPending, RefundApproved, RefundProcessing, RefundCompleted:
		return true
	}
	return false
}

// RefundType is full or partial.
type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
)

// Refund returns money from a captured payment to the payer.
type Refund struct {
	ID          string          `json:"id"`
	PaymentID   string          `json:"paymentId"`
	OrderID     string          `json:"orderId"`
	EscrowID    string          `json:"escrowId,omitempty"`
	RequestedBy string          `json:"requestedBy"`
	RecipientID string          `json:"recipientId"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	Type        RefundType      `json:"type"`
	Status      RefundStatus    `json:"status"`
	// GatewayAmount and WalletAmount are the per-leg allocation, set when
	// processing starts.
	GatewayAmount       decimal.Decimal `json:"gatewayAmount"`
	WalletAmount        decimal.Decimal `json:"walletAmount"`
	GatewayRefundID     string          `json:"gatewayRefundId,omitempty"`
	WalletTransactionID string          `json:"walletTransactionId,omitempty"`
	FailureReason       string          `json:"failureReason,omitempty"`
	ReviewedBy          string          `json:"reviewedBy,omitempty"`
	ReviewNote          string          `json:"reviewNote,omitempty"`
	ReviewedAt          *time.Time      `json:"reviewedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// RefundFilter narrows ListRefunds. Zero fields match everything.
type RefundFilter struct {
	PaymentID   string
	RequestedBy string
	Status      RefundStatus
}

// RefundRequest asks for money back on a paid order.
type RefundRequest struct {
	OrderID string
	UserID  string
	Amount  decimal.Decimal // ignored for full refunds
	Reason  string
	Type    RefundType
}

// RequestRefund records a pending refund. Only the order's client may ask,
// only while the escrow still holds the money, and never for more than
// the payment's unreserved amount.
func (s *Service) RequestRefund(ctx context.Context, req RefundRequest) (_ *Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.request_refund",
		traces.OrderID(req.OrderID), traces.UserID(req.UserID))
	defer func() { traces.End(span, err) }()

	if err := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
		validation.OneOf("type", string(req.Type), string(RefundFull), string(RefundPartial)),
	); err != nil {
		return nil, err
	}
	if req.Type == RefundPartial && !money.Positive(req.Amount) {
		return nil, validation.Fail("amount", "must be a positive amount")
	}

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.ClientID != req.UserID {
		return nil, ErrUnauthorized
	}
	p, err := s.latestPaid(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if err := s.checkEscrowRefundable(ctx, o.ID); err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, "payment:"+p.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	remaining, err := s.refundable(ctx, p, "")
	if err != nil {
		return nil, err
	}
	amount := req.Amount
	if req.Type == RefundFull {
		amount = remaining
	}
	if !money.Positive(amount) || amount.GreaterThan(remaining) {
		return nil, ErrRefundExceedsPayment
	}

	now := s.clock.Now()
	r := &Refund{
		ID:            idgen.WithPrefix("rfd_"),
		PaymentID:     p.ID,
		OrderID:       o.ID,
		EscrowID:      p.EscrowID,
		RequestedBy:   req.UserID,
		RecipientID:   p.UserID,
		Amount:        amount,
		Reason:        validation.SanitizeString(req.Reason, validation.MaxReasonLength),
		Type:          req.Type,
		Status:        RefundPending,
		GatewayAmount: decimal.Zero,
		WalletAmount:  decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRefund(ctx, r); err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}
	metrics.RefundsTotal.WithLabelValues(string(RefundPending)).Inc()
	s.logger.Info("refund requested", "refundId", r.ID, "paymentId", p.ID, "orderId", o.ID,
		"amount", money.Format(amount), "type", r.Type)
	return r, nil
}

// refundable is the payment amount not yet reserved by other refunds.
func (s *Service) refundable(ctx context.Context, p *Payment, exclude string) (decimal.Decimal, error) {
	refunds, err := s.store.ListRefunds(ctx, RefundFilter{PaymentID: p.ID})
	if err != nil {
		return decimal.Zero, err
	}
	reserved := decimal.Zero
	for _, r := range refunds {
		if r.ID != exclude && r.Status.counts() {
			reserved = reserved.Add(r.Amount)
		}
	}
	return p.Amount.Sub(reserved), nil
}

func (s *Service) checkEscrowRefundable(ctx context.Context, orderID string) error {
	e, err := s.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load escrow: %w", err)
	}
	if e.Status == escrow.StatusReleased {
		return ErrInvalidStatus
	}
	return nil
}

// ApproveRefund approves a pending refund and processes it immediately.
func (s *Service) ApproveRefund(ctx context.Context, id, adminID, note string) (_ *Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.approve_refund", traces.RefundID(id))
	defer func() { traces.End(span, err) }()

	if err := s.review(ctx, id, adminID, note, RefundApproved); err != nil {
		return nil, err
	}
	return s.ProcessRefund(ctx, id)
}

// RejectRefund closes a pending refund without moving money.
func (s *Service) RejectRefund(ctx context.Context, id, adminID, note string) (*Refund, error) {
	if err := s.review(ctx, id, adminID, note, RefundRejected); err != nil {
		return nil, err
	}
	return s.store.GetRefund(ctx, id)
}

func (s *Service) review(ctx context.Context, id, adminID, note string, to RefundStatus) error {
	r, err := s.store.GetRefund(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.locks.LockContext(ctx, "payment:"+r.PaymentID)
	if err != nil {
		return err
	}
	defer unlock()

	if r, err = s.store.GetRefund(ctx, id); err != nil {
		return err
	}
	if r.Status != RefundPending {
		return ErrInvalidStatus
	}
	now := s.clock.Now()
	r.Status = to
	r.ReviewedBy = adminID
	r.ReviewNote = validation.SanitizeString(note, validation.MaxReasonLength)
	r.ReviewedAt = &now
	r.UpdatedAt = now
	if err := s.store.UpdateRefund(ctx, r, RefundPending); err != nil {
		return err
	}
	metrics.RefundsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("refund reviewed", "refundId", r.ID, "status", to, "reviewedBy", adminID)
	return nil
}

// ProcessRefund moves an approved refund's money. The escrow is reserved
// for the refund first, so a release can no longer win once money moves.
// The gateway leg is refunded before the wallet leg is credited for the
// rest. A declined gateway refund fails the refund with no ledger change
// and an unavailable gateway leaves it approved for a later attempt;
// both hand the escrow back. A gateway refund still pending completes on
// the refund.processed webhook.
func (s *Service) ProcessRefund(ctx context.Context, id string) (*Refund, error) {
	r, err := s.store.GetRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.LockContext(ctx, "payment:"+r.PaymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if r, err = s.store.GetRefund(ctx, id); err != nil {
		return nil, err
	}
	if r.Status != RefundApproved {
		return nil, ErrInvalidStatus
	}
	p, err := s.store.Get(ctx, r.PaymentID)
	if err != nil {
		return nil, err
	}

	e, err := s.escrows.GetByOrder(ctx, r.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	_, reserved, err := s.escrows.ReserveRefund(ctx, e.ID)
	if err != nil {
		if !errors.Is(err, escrow.ErrInvalidStatus) {
			return nil, err
		}
		if ferr := s.failRefund(ctx, r, RefundApproved, "escrow already released"); ferr != nil {
			return nil, ferr
		}
		return r, ErrInvalidStatus
	}
	unreserve := func() {
		if !reserved {
			return
		}
		if _, err := s.escrows.CancelRefund(ctx, e.ID); err != nil {
			s.logger.Error("failed to cancel escrow refund reservation", "escrowId", e.ID, "refundId", r.ID, "error", err)
		}
	}

	gwPart, err := s.gatewayShare(ctx, p, r)
	if err != nil {
		unreserve()
		return nil, err
	}
	r.GatewayAmount = gwPart
	r.WalletAmount = r.Amount.Sub(gwPart)
	r.Status = RefundProcessing
	r.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateRefund(ctx, r, RefundApproved); err != nil {
		unreserve()
		return nil, err
	}

	if money.Positive(gwPart) {
		gr, err := s.gateway.RefundPayment(ctx, p.Gateway.PaymentID, gwPart, idgen.Receipt("refund", r.ID))
		switch {
		case errors.Is(err, gateway.ErrUnavailable):
			r.Status = RefundApproved
			r.UpdatedAt = s.clock.Now()
			if uerr := s.store.UpdateRefund(ctx, r, RefundProcessing); uerr != nil {
				s.logger.Error("failed to revert refund to approved", "refundId", r.ID, "error", uerr)
			}
			unreserve()
			return nil, err
		case err != nil:
			unreserve()
			return r, s.failRefund(ctx, r, RefundProcessing, err.Error())
		case gr.Status == gateway.TransferFailed:
			unreserve()
			return r, s.failRefund(ctx, r, RefundProcessing, "gateway refund failed")
		}
		r.GatewayRefundID = gr.ID
		if gr.Status != gateway.TransferProcessed {
			r.UpdatedAt = s.clock.Now()
			if err := s.store.UpdateRefund(ctx, r, RefundProcessing); err != nil {
				return nil, err
			}
			s.logger.Info("gateway refund pending", "refundId", r.ID, "gatewayRefundId", gr.ID)
			return r, nil
		}
	}

	if err := s.finishRefund(ctx, r, p); err != nil {
		return nil, err
	}
	return r, nil
}

// gatewayShare is how much of r goes back through the gateway: as much
// as the gateway leg has left, given earlier refunds of the payment.
func (s *Service) gatewayShare(ctx context.Context, p *Payment, r *Refund) (decimal.Decimal, error) {
	if !money.Positive(p.GatewayAmount) || p.Gateway.PaymentID == "" {
		return decimal.Zero, nil
	}
	refunds, err := s.store.ListRefunds(ctx, RefundFilter{PaymentID: p.ID})
	if err != nil {
		return decimal.Zero, err
	}
	used := decimal.Zero
	for _, other := range refunds {
		if other.ID != r.ID && (other.Status == RefundProcessing || other.Status == RefundCompleted) {
			used = used.Add(other.GatewayAmount)
		}
	}
	left := p.GatewayAmount.Sub(used)
	if !money.Positive(left) {
		return decimal.Zero, nil
	}
	return decimal.Min(left, r.Amount), nil
}

// finishRefund credits the wallet leg and settles the payment, escrow and
// order. The caller holds the payment lock and r is processing.
func (s *Service) finishRefund(ctx context.Context, r *Refund, p *Payment) error {
	if money.Positive(r.WalletAmount) {
		txn, err := s.ledger.Credit(ctx, r.RecipientID, r.WalletAmount, ledger.CategoryRefund, ledger.Refs{
			OrderID:        r.OrderID,
			Reference:      r.ID,
			Description:    "Refund for order " + r.OrderID,
			IdempotencyKey: "refund:" + r.ID,
		})
		if err != nil {
			return fmt.Errorf("credit refund: %w", err)
		}
		r.WalletTransactionID = txn.ID
	}

	now := s.clock.Now()
	r.Status = RefundCompleted
	r.CompletedAt = &now
	r.UpdatedAt = now
	if err := s.store.UpdateRefund(ctx, r, RefundProcessing); err != nil {
		return err
	}

	from := p.Status
	p.RefundedAmount = p.RefundedAmount.Add(r.Amount)
	p.Status = StatusPartiallyRefunded
	orderStatus := orders.PaymentPartiallyRefunded
	if p.RefundedAmount.GreaterThanOrEqual(p.Amount) {
		p.Status = StatusRefunded
		orderStatus = orders.PaymentRefunded
	}
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p, from); err != nil {
		return fmt.Errorf("settle payment: %w", err)
	}

	if e, err := s.escrows.GetByOrder(ctx, r.OrderID); err == nil {
		_, closed, err := s.escrows.Refund(ctx, e.ID)
		if err != nil {
			s.logger.Error("failed to mark escrow refunded", "escrowId", e.ID, "refundId", r.ID, "error", err)
		}
		if remainder := p.Amount.Sub(p.RefundedAmount); closed && money.Positive(remainder) {
			// A refunded escrow never releases, so the rest stays with the platform.
			s.logger.Warn("partial refund closed escrow with unreleased remainder",
				"escrowId", e.ID, "orderId", r.OrderID, "remainder", money.Format(remainder))
			metrics.RefundRemainderTotal.Add(remainder.InexactFloat64())
		}
	}
	if err := s.orders.SetPaymentStatus(ctx, r.OrderID, orderStatus, now); err != nil {
		s.logger.Error("failed to update order payment status", "orderId", r.OrderID, "error", err)
	}
	if p.Status == StatusRefunded {
		if err := s.orders.SetStatus(ctx, r.OrderID, orders.StatusCancelled, now); err != nil {
			s.logger.Error("failed to cancel refunded order", "orderId", r.OrderID, "error", err)
		}
	}

	metrics.RefundsTotal.WithLabelValues(string(RefundCompleted)).Inc()
	s.logger.Info("refund completed", "refundId", r.ID, "paymentId", p.ID,
		"gatewayAmount", money.Format(r.GatewayAmount), "walletAmount", money.Format(r.WalletAmount))
	return nil
}

func (s *Service) failRefund(ctx context.Context, r *Refund, from RefundStatus, reason string) error {
	r.Status = RefundFailed
	r.FailureReason = reason
	r.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateRefund(ctx, r, from); err != nil {
		return err
	}
	metrics.RefundsTotal.WithLabelValues(string(RefundFailed)).Inc()
	s.logger.Warn("refund failed", "refundId", r.ID, "paymentId", r.PaymentID, "reason", reason)
	return nil
}

// GetRefund returns a refund to its requester or an administrator.
func (s *Service) GetRefund(ctx context.Context, id, userID string, asAdmin bool) (*Refund, error) {
	r, err := s.store.GetRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	if !asAdmin && r.RequestedBy != userID && r.RecipientID != userID {
		return nil, ErrUnauthorized
	}
	return r, nil
}

// ListRefunds lists refunds, newest first.
func (s *Service) ListRefunds(ctx context.Context, f RefundFilter) ([]*Refund, error) {
	return s.store.ListRefunds(ctx, f)
}

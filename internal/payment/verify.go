package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/orders"
	"github.com/hireloop/payments/internal/traces"
	"github.com/hireloop/payments/internal/validation"
)

// lateCaptureRequester marks refunds the service issues on its own.
const lateCaptureRequester = "system"

// VerifyRequest is the checkout widget's success callback.
type VerifyRequest struct {
	PaymentID        string
	GatewayPaymentID string
	Signature        string
	UserID           string
}

// VerifyPayment checks the callback signature and completes the payment.
// Repeating a successful verification returns the completed payment and
// opens no second escrow.
func (s *Service) VerifyPayment(ctx context.Context, req VerifyRequest) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.verify", traces.PaymentID(req.PaymentID))
	defer func() { traces.End(span, err) }()

	if err := validation.Validate(
		validation.Required("paymentId", req.PaymentID),
		validation.Required("gatewayPaymentId", req.GatewayPaymentID),
		validation.Required("signature", req.Signature),
	); err != nil {
		return nil, err
	}

	p, err := s.store.Get(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.UserID != req.UserID {
		return nil, ErrUnauthorized
	}
	if p.Method == MethodWallet || p.Gateway.OrderID == "" {
		return nil, ErrInvalidStatus
	}
	if !s.signer.VerifyPayment(p.Gateway.OrderID, req.GatewayPaymentID, req.Signature) {
		s.logger.Warn("payment signature mismatch", "paymentId", p.ID, "gatewayOrderId", p.Gateway.OrderID)
		return nil, ErrInvalidSignature
	}
	if p.Status.Paid() {
		if p.Gateway.PaymentID == req.GatewayPaymentID {
			return p, nil
		}
		return nil, ErrAlreadyPaid
	}

	return s.complete(ctx, p.ID, GatewayRef{
		OrderID:   p.Gateway.OrderID,
		PaymentID: req.GatewayPaymentID,
		Signature: req.Signature,
	})
}

// complete moves a confirmed payment to completed: the escrow is opened
// and the order marked paid. It is safe to call again after a partial
// failure, since the payment then stays processing and escrow opening is
// idempotent per payment.
func (s *Service) complete(ctx context.Context, id string, ref GatewayRef) (*Payment, error) {
	unlock, err := s.locks.LockContext(ctx, "payment:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusCompleted, StatusRefunded, StatusPartiallyRefunded:
		return p, nil
	case StatusFailed:
		if ref.PaymentID == "" {
			return nil, ErrInvalidStatus
		}
		return s.reverseLateCapture(ctx, p, ref)
	case StatusPending:
		if ref.PaymentID != "" {
			p.Gateway.PaymentID = ref.PaymentID
			p.Gateway.Signature = ref.Signature
		}
		p.Status = StatusProcessing
		p.UpdatedAt = s.clock.Now()
		if err := s.store.Update(ctx, p, StatusPending); err != nil {
			return nil, err
		}
	}

	o, err := s.orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	e, err := s.escrows.Open(ctx, escrow.OpenRequest{
		PaymentID:  p.ID,
		OrderID:    o.ID,
		ClientID:   o.ClientID,
		ProviderID: o.ProviderID,
		Amount:     p.Amount,
	})
	if errors.Is(err, escrow.ErrOrderHasEscrow) {
		return s.reverseDuplicate(ctx, p)
	}
	if err != nil {
		return nil, fmt.Errorf("open escrow: %w", err)
	}

	now := s.clock.Now()
	if err := s.orders.SetPaymentStatus(ctx, o.ID, orders.PaymentPaid, now); err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}

	p.Status = StatusCompleted
	p.EscrowID = e.ID
	p.PaidAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p, StatusProcessing); err != nil {
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(p.Method), string(StatusCompleted)).Inc()
	s.logger.Info("payment completed", "paymentId", p.ID, "orderId", p.OrderID,
		"method", p.Method, "amount", money.Format(p.Amount), "escrowId", e.ID)
	return p, nil
}

// reverseDuplicate returns the money of a payment that was confirmed
// after another payment already paid the order. The caller holds the
// payment lock and p is processing.
func (s *Service) reverseDuplicate(ctx context.Context, p *Payment) (*Payment, error) {
	if money.Positive(p.GatewayAmount) && p.Gateway.PaymentID != "" {
		if _, err := s.gateway.RefundPayment(ctx, p.Gateway.PaymentID, p.GatewayAmount, idgen.Receipt("dup", p.ID)); err != nil {
			return nil, fmt.Errorf("refund duplicate payment: %w", err)
		}
	}
	s.reverseWalletLeg(ctx, p, "order already paid")

	p.Status = StatusRefunded
	p.RefundedAmount = p.Amount
	p.FailureReason = "order already paid by another payment"
	p.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, p, StatusProcessing); err != nil {
		return nil, err
	}
	s.logger.Warn("duplicate payment refunded", "paymentId", p.ID, "orderId", p.OrderID)
	return p, ErrAlreadyPaid
}

// reverseLateCapture refunds a gateway capture that arrived after the
// payment failed (expired, superseded, or its gateway order errored). The
// wallet leg was already credited back when it failed. The refund is
// recorded on the payment, so a second callback for the same capture
// refunds nothing. The caller holds the payment lock.
func (s *Service) reverseLateCapture(ctx context.Context, p *Payment, ref GatewayRef) (*Payment, error) {
	if p.Gateway.PaymentID == ref.PaymentID {
		return p, ErrCaptureRefunded
	}

	gr, err := s.gateway.RefundPayment(ctx, ref.PaymentID, p.GatewayAmount, idgen.Receipt("late", p.ID))
	if errors.Is(err, gateway.ErrUnavailable) {
		return nil, fmt.Errorf("refund late capture: %w", err)
	}
	if err != nil {
		s.logger.Error("gateway declined refund of late capture, refund it manually",
			"paymentId", p.ID, "gatewayPaymentId", ref.PaymentID, "error", err)
		return nil, ErrInvalidStatus
	}

	now := s.clock.Now()
	r := &Refund{
		ID:              idgen.WithPrefix("rfd_"),
		PaymentID:       p.ID,
		OrderID:         p.OrderID,
		RequestedBy:     lateCaptureRequester,
		RecipientID:     p.UserID,
		Amount:          p.GatewayAmount,
		Reason:          "captured after payment " + p.FailureReason,
		Type:            RefundFull,
		Status:          RefundCompleted,
		GatewayAmount:   p.GatewayAmount,
		WalletAmount:    decimal.Zero,
		GatewayRefundID: gr.ID,
		CompletedAt:     &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateRefund(ctx, r); err != nil {
		s.logger.Error("failed to record late capture refund", "paymentId", p.ID, "gatewayRefundId", gr.ID, "error", err)
	}

	p.Gateway.PaymentID = ref.PaymentID
	p.Gateway.Signature = ref.Signature
	p.RefundedAmount = p.RefundedAmount.Add(p.GatewayAmount)
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p, StatusFailed); err != nil {
		return nil, err
	}
	metrics.RefundsTotal.WithLabelValues(string(RefundCompleted)).Inc()
	s.logger.Warn("late capture refunded", "paymentId", p.ID, "orderId", p.OrderID,
		"gatewayPaymentId", ref.PaymentID, "amount", money.Format(p.GatewayAmount), "reason", p.FailureReason)
	return p, ErrCaptureRefunded
}

// fail marks a pending payment failed and credits back its wallet leg.
func (s *Service) fail(ctx context.Context, id, reason string) error {
	unlock, err := s.locks.LockContext(ctx, "payment:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return ErrInvalidStatus
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, p, StatusPending); err != nil {
		return err
	}
	s.reverseWalletLeg(ctx, p, reason)

	metrics.PaymentsTotal.WithLabelValues(string(p.Method), string(StatusFailed)).Inc()
	s.logger.Warn("payment failed", "paymentId", p.ID, "orderId", p.OrderID, "method", p.Method, "reason", reason)
	return nil
}

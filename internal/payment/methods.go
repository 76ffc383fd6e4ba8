package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/orders"
	"github.com/hireloop/payments/internal/traces"
	"github.com/hireloop/payments/internal/validation"
)

// CheckoutRequest starts a payment for an order.
type CheckoutRequest struct {
	OrderID string
	UserID  string
	Amount  decimal.Decimal
	Method  Method
	// WalletAmount and GatewayAmount split a combined payment.
	WalletAmount  decimal.Decimal
	GatewayAmount decimal.Decimal
}

// GatewayCheckout is what the client needs to open the gateway widget.
type GatewayCheckout struct {
	KeyID    string `json:"keyId"`
	OrderID  string `json:"gatewayOrderId"`
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
}

// CheckoutResult is returned by CreatePaymentOrder. Gateway is nil for
// wallet payments, which complete synchronously.
type CheckoutResult struct {
	Payment *Payment            `json:"payment"`
	Gateway *GatewayCheckout    `json:"gateway,omitempty"`
	Debit   *ledger.Transaction `json:"walletTransaction,omitempty"`
}

// checkoutFunc funds one payment method. p arrives with id, order, payer
// and amounts filled in and is not yet stored.
type checkoutFunc func(s *Service, ctx context.Context, p *Payment, o *orders.Order) (*CheckoutResult, error)

var checkouts = map[Method]checkoutFunc{
	MethodWallet:   (*Service).walletCheckout,
	MethodGateway:  (*Service).gatewayCheckout,
	MethodCombined: (*Service).combinedCheckout,
}

func (r CheckoutRequest) validate() error {
	errs := validation.Validate(
		validation.Required("orderId", r.OrderID),
		validation.OneOf("paymentMethod", string(r.Method), string(MethodGateway), string(MethodWallet), string(MethodCombined)),
	)
	if errs != nil {
		return errs
	}
	if !money.Positive(r.Amount) {
		return validation.Fail("amount", "must be a positive amount")
	}
	if r.Method == MethodCombined {
		if !money.Positive(r.WalletAmount) || !money.Positive(r.GatewayAmount) {
			return validation.Fail("walletAmount", "wallet and gateway amounts are required for combined payment")
		}
		if !r.WalletAmount.Add(r.GatewayAmount).Equal(r.Amount) {
			return validation.Fail("amount", "walletAmount + gatewayAmount must equal amount")
		}
	}
	return nil
}

// CreatePaymentOrder starts a checkout. Only the order's client may pay,
// and only while the order is unpaid. Earlier pending checkouts for the
// order are superseded.
func (s *Service) CreatePaymentOrder(ctx context.Context, req CheckoutRequest) (_ *CheckoutResult, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.create_order",
		traces.OrderID(req.OrderID), traces.UserID(req.UserID), traces.Method(string(req.Method)))
	defer func() { traces.End(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock, err := s.orderLocks.LockContext(ctx, "order:"+req.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.ClientID != req.UserID {
		return nil, ErrUnauthorized
	}
	if !o.Payable() {
		return nil, ErrAlreadyPaid
	}
	if !req.Amount.Equal(o.Amount) {
		return nil, validation.Fail("amount", "must equal the order amount "+money.Format(o.Amount))
	}

	if err := s.supersede(ctx, o.ID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	p := &Payment{
		ID:             idgen.WithPrefix("pay_"),
		OrderID:        o.ID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       s.cfg.Currency,
		Method:         req.Method,
		Status:         StatusPending,
		TransactionID:  idgen.Sortable("TXN_"),
		WalletAmount:   decimal.Zero,
		GatewayAmount:  decimal.Zero,
		RefundedAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch req.Method {
	case MethodWallet:
		p.WalletAmount = req.Amount
	case MethodGateway:
		p.GatewayAmount = req.Amount
	case MethodCombined:
		p.WalletAmount = req.WalletAmount
		p.GatewayAmount = req.GatewayAmount
	}

	res, err := checkouts[req.Method](s, ctx, p, o)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(string(req.Method), string(StatusFailed)).Inc()
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(req.Method), string(res.Payment.Status)).Inc()
	return res, nil
}

// supersede fails pending checkouts of the order so only the newest one
// can complete. Wallet legs are credited back.
func (s *Service) supersede(ctx context.Context, orderID string) error {
	payments, err := s.store.ListByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Status != StatusPending {
			continue
		}
		if err := s.fail(ctx, p.ID, "superseded by a new checkout"); err != nil && !errors.Is(err, ErrInvalidStatus) {
			return fmt.Errorf("supersede payment %s: %w", p.ID, err)
		}
	}
	return nil
}

// walletCheckout debits the full amount and completes synchronously.
func (s *Service) walletCheckout(ctx context.Context, p *Payment, o *orders.Order) (*CheckoutResult, error) {
	txn, err := s.debitWalletLeg(ctx, p, o)
	if err != nil {
		return nil, err
	}
	p.Status = StatusProcessing
	if err := s.store.Create(ctx, p); err != nil {
		s.reverseWalletLeg(ctx, p, "payment record failed")
		return nil, fmt.Errorf("create payment: %w", err)
	}
	s.logger.Info("wallet payment debited", "paymentId", p.ID, "orderId", p.OrderID, "amount", money.Format(p.Amount))

	done, err := s.complete(ctx, p.ID, GatewayRef{})
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Payment: done, Debit: txn}, nil
}

// gatewayCheckout creates a gateway order for the full amount. The
// payment completes on a verified callback or webhook.
func (s *Service) gatewayCheckout(ctx context.Context, p *Payment, o *orders.Order) (*CheckoutResult, error) {
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	gw, err := s.openGatewayOrder(ctx, p, o)
	if err != nil {
		if ferr := s.fail(ctx, p.ID, "gateway order failed: "+err.Error()); ferr != nil {
			s.logger.Error("failed to record gateway order failure", "paymentId", p.ID, "error", ferr)
		}
		return nil, err
	}
	return gw, nil
}

// combinedCheckout debits the wallet share first, then opens a gateway
// order for the remainder. If the gateway leg fails the wallet share is
// credited back.
func (s *Service) combinedCheckout(ctx context.Context, p *Payment, o *orders.Order) (*CheckoutResult, error) {
	txn, err := s.debitWalletLeg(ctx, p, o)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		s.reverseWalletLeg(ctx, p, "payment record failed")
		return nil, fmt.Errorf("create payment: %w", err)
	}

	gw, err := s.openGatewayOrder(ctx, p, o)
	if err != nil {
		if ferr := s.fail(ctx, p.ID, "gateway order failed: "+err.Error()); ferr != nil {
			s.logger.Error("failed to record gateway order failure", "paymentId", p.ID, "error", ferr)
		}
		return nil, err
	}
	gw.Debit = txn
	return gw, nil
}

func (s *Service) debitWalletLeg(ctx context.Context, p *Payment, o *orders.Order) (*ledger.Transaction, error) {
	txn, err := s.ledger.Debit(ctx, p.UserID, p.WalletAmount, ledger.CategoryJobPayment, ledger.Refs{
		OrderID:        o.ID,
		JobID:          o.JobID,
		Reference:      p.ID,
		Description:    "Payment for order " + o.ID,
		IdempotencyKey: "payment:" + p.ID + ":wallet",
	})
	if err != nil {
		return nil, err
	}
	p.WalletTransactionID = txn.ID
	return txn, nil
}

// reverseWalletLeg credits a debited wallet share back. The key makes
// it run at most once per payment.
func (s *Service) reverseWalletLeg(ctx context.Context, p *Payment, reason string) {
	if p.WalletTransactionID == "" || !money.Positive(p.WalletAmount) {
		return
	}
	_, err := s.ledger.Credit(ctx, p.UserID, p.WalletAmount, ledger.CategoryRefund, ledger.Refs{
		OrderID:        p.OrderID,
		Reference:      p.ID,
		Description:    "Wallet payment reversed: " + reason,
		IdempotencyKey: "payment:" + p.ID + ":wallet-reversal",
	})
	if err != nil {
		s.logger.Error("failed to reverse wallet leg", "paymentId", p.ID, "userId", p.UserID,
			"amount", money.Format(p.WalletAmount), "error", err)
		return
	}
	s.logger.Info("wallet leg reversed", "paymentId", p.ID, "amount", money.Format(p.WalletAmount), "reason", reason)
}

func (s *Service) openGatewayOrder(ctx context.Context, p *Payment, o *orders.Order) (*CheckoutResult, error) {
	gwOrder, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:   p.GatewayAmount,
		Currency: s.cfg.Currency,
		Receipt:  idgen.Receipt("order", o.ID),
		Notes: map[string]string{
			"orderId":   o.ID,
			"userId":    p.UserID,
			"paymentId": p.ID,
		},
	})
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, "payment:"+p.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	cur.Gateway.OrderID = gwOrder.ID
	cur.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, cur, StatusPending); err != nil {
		return nil, fmt.Errorf("record gateway order: %w", err)
	}
	s.logger.Info("gateway order created", "paymentId", p.ID, "orderId", o.ID,
		"gatewayOrderId", gwOrder.ID, "amount", money.Format(p.GatewayAmount))

	return &CheckoutResult{
		Payment: cur,
		Gateway: &GatewayCheckout{
			KeyID:    s.gateway.KeyID(),
			OrderID:  gwOrder.ID,
			Amount:   gwOrder.Amount,
			Currency: gwOrder.Currency,
		},
	}, nil
}

package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/traces"
	"github.com/hireloop/payments/internal/validation"
)

// TopUpStatus is the state of a wallet top-up.
type TopUpStatus string

const (
	TopUpPending   TopUpStatus = "pending"
	TopUpCompleted TopUpStatus = "completed"
	TopUpFailed    TopUpStatus = "failed"
)

// TopUp adds money to a wallet through the gateway.
type TopUp struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        TopUpStatus     `json:"status"`
	Gateway       GatewayRef      `json:"gateway"`
	TransactionID string          `json:"transactionId,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TopUpCheckout is returned by CreateTopUp.
type TopUpCheckout struct {
	TopUp   *TopUp           `json:"topUp"`
	Gateway *GatewayCheckout `json:"gateway"`
}

// CreateTopUp opens a gateway order for a wallet top-up.
func (s *Service) CreateTopUp(ctx context.Context, userID string, amount decimal.Decimal) (_ *TopUpCheckout, err error) {
	ctx, span := traces.StartSpan(ctx, "payment.create_topup", traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()

	if !money.Positive(amount) {
		return nil, validation.Fail("amount", "must be a positive amount")
	}
	if s.cfg.MinTopUp.IsPositive() && amount.LessThan(s.cfg.MinTopUp) {
		return nil, validation.Fail("amount", "minimum top-up is "+money.Format(s.cfg.MinTopUp))
	}
	if s.cfg.MaxTopUp.IsPositive() && amount.GreaterThan(s.cfg.MaxTopUp) {
		return nil, validation.Fail("amount", "maximum top-up is "+money.Format(s.cfg.MaxTopUp))
	}

	id := idgen.WithPrefix("top_")
	gwOrder, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		Amount:   amount,
		Currency: s.cfg.Currency,
		Receipt:  idgen.Receipt("topup", id),
		Notes:    map[string]string{"userId": userID, "topUpId": id, "type": "wallet_topup"},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	t := &TopUp{
		ID:        id,
		UserID:    userID,
		Amount:    amount,
		Currency:  s.cfg.Currency,
		Status:    TopUpPending,
		Gateway:   GatewayRef{OrderID: gwOrder.ID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTopUp(ctx, t); err != nil {
		return nil, fmt.Errorf("create top-up: %w", err)
	}
	s.logger.Info("top-up created", "topUpId", t.ID, "userId", userID, "amount", money.Format(amount), "gatewayOrderId", gwOrder.ID)

	return &TopUpCheckout{
		TopUp: t,
		Gateway: &GatewayCheckout{
			KeyID:    s.gateway.KeyID(),
			OrderID:  gwOrder.ID,
			Amount:   gwOrder.Amount,
			Currency: gwOrder.Currency,
		},
	}, nil
}

// VerifyTopUpRequest is the checkout callback for a top-up.
type VerifyTopUpRequest struct {
	TopUpID          string
	GatewayPaymentID string
	Signature        string
	UserID           string
}

// VerifyTopUp checks the callback signature and credits the wallet with
// the amount recorded at creation, never an amount from the request.
func (s *Service) VerifyTopUp(ctx context.Context, req VerifyTopUpRequest) (*TopUp, error) {
	if err := validation.Validate(
		validation.Required("topUpId", req.TopUpID),
		validation.Required("gatewayPaymentId", req.GatewayPaymentID),
		validation.Required("signature", req.Signature),
	); err != nil {
		return nil, err
	}
	t, err := s.store.GetTopUp(ctx, req.TopUpID)
	if err != nil {
		return nil, err
	}
	if t.UserID != req.UserID {
		return nil, ErrUnauthorized
	}
	if !s.signer.VerifyPayment(t.Gateway.OrderID, req.GatewayPaymentID, req.Signature) {
		s.logger.Warn("top-up signature mismatch", "topUpId", t.ID)
		return nil, ErrInvalidSignature
	}
	return s.completeTopUp(ctx, t.ID, GatewayRef{
		OrderID:   t.Gateway.OrderID,
		PaymentID: req.GatewayPaymentID,
		Signature: req.Signature,
	})
}

func (s *Service) completeTopUp(ctx context.Context, id string, ref GatewayRef) (*TopUp, error) {
	unlock, err := s.locks.LockContext(ctx, "topup:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.GetTopUp(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case TopUpCompleted:
		return t, nil
	case TopUpFailed:
		s.logger.Error("gateway captured a failed top-up, refund it manually",
			"topUpId", t.ID, "gatewayPaymentId", ref.PaymentID)
		return nil, ErrInvalidStatus
	}

	txn, err := s.ledger.Credit(ctx, t.UserID, t.Amount, ledger.CategoryDeposit, ledger.Refs{
		Reference:      t.ID,
		Description:    "Wallet top-up",
		IdempotencyKey: "topup:" + t.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("credit top-up: %w", err)
	}

	now := s.clock.Now()
	t.Status = TopUpCompleted
	t.Gateway.PaymentID = ref.PaymentID
	t.Gateway.Signature = ref.Signature
	t.TransactionID = txn.ID
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := s.store.UpdateTopUp(ctx, t, TopUpPending); err != nil {
		return nil, err
	}
	s.logger.Info("top-up completed", "topUpId", t.ID, "userId", t.UserID, "amount", money.Format(t.Amount))
	return t, nil
}

func (s *Service) failTopUp(ctx context.Context, id, reason string) error {
	unlock, err := s.locks.LockContext(ctx, "topup:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := s.store.GetTopUp(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != TopUpPending {
		return nil
	}
	t.Status = TopUpFailed
	t.FailureReason = reason
	t.UpdatedAt = s.clock.Now()
	return s.store.UpdateTopUp(ctx, t, TopUpPending)
}

// GetTopUp returns a top-up to its owner.
func (s *Service) GetTopUp(ctx context.Context, id, userID string) (*TopUp, error) {
	t, err := s.store.GetTopUp(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrUnauthorized
	}
	return t, nil
}

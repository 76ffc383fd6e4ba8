package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/money"
)

// Sandbox is an in-process gateway for development and tests. It records
// every call, can be told to fail, and signs callbacks with the same
// secrets the service verifies against.
type Sandbox struct {
	signer *Signer
	keyID  string

	mu        sync.Mutex
	orders    map[string]*Order
	refunds   []*Refund
	transfers map[string]*Transfer // by reference
	failures  map[string]error     // op -> error returned by the next calls
}

// NewSandbox creates a sandbox gateway.
func NewSandbox(signer *Signer) *Sandbox {
	return &Sandbox{
		signer:    signer,
		keyID:     "rzp_test_sandbox",
		orders:    make(map[string]*Order),
		transfers: make(map[string]*Transfer),
		failures:  make(map[string]error),
	}
}

// Operation names accepted by Fail.
const (
	OpCreateOrder = "create_order"
	OpRefund      = "refund"
	OpTransfer    = "transfer"
)

// Fail makes every subsequent call to op return err until Recover.
func (s *Sandbox) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// Recover clears an injected failure.
func (s *Sandbox) Recover(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, op)
}

func (s *Sandbox) KeyID() string { return s.keyID }

func (s *Sandbox) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpCreateOrder]; err != nil {
		return nil, err
	}
	o := &Order{
		ID:       idgen.WithPrefix("order_")[:20],
		Amount:   money.ToMinor(req.Amount),
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
	}
	s.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (s *Sandbox) RefundPayment(_ context.Context, paymentID string, amount decimal.Decimal, _ string) (*Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpRefund]; err != nil {
		return nil, err
	}
	r := &Refund{
		ID:        idgen.WithPrefix("rfnd_")[:19],
		PaymentID: paymentID,
		Amount:    money.ToMinor(amount),
		Status:    "processed",
	}
	s.refunds = append(s.refunds, r)
	cp := *r
	return &cp, nil
}

func (s *Sandbox) Transfer(_ context.Context, req TransferRequest) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpTransfer]; err != nil {
		return nil, err
	}
	if t, ok := s.transfers[req.Reference]; ok {
		cp := *t
		return &cp, nil
	}
	t := &Transfer{
		ID:        idgen.WithPrefix("pout_")[:19],
		Reference: req.Reference,
		Status:    TransferProcessed,
	}
	s.transfers[req.Reference] = t
	cp := *t
	return &cp, nil
}

// Order returns a created order.
func (s *Sandbox) Order(id string) (*Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// Refunds returns every refund issued so far.
func (s *Sandbox) Refunds() []Refund {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Refund, len(s.refunds))
	for i, r := range s.refunds {
		out[i] = *r
	}
	return out
}

// Transfers returns the number of distinct transfers.
func (s *Sandbox) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}

// Capture simulates a successful checkout for orderID and returns the
// gateway payment id with the signature the widget would hand back.
func (s *Sandbox) Capture(orderID string) (paymentID, signature string) {
	paymentID = idgen.WithPrefix("pay_")[:18]
	return paymentID, s.signer.PaymentSignature(orderID, paymentID)
}

// Webhook builds a signed webhook body for a payment event.
func (s *Sandbox) Webhook(event string, p PaymentEntity) (body []byte, signature string) {
	msg := map[string]any{
		"event":      event,
		"created_at": time.Now().Unix(),
		"payload": map[string]any{
			"payment": map[string]any{"entity": p},
		},
	}
	body, _ = json.Marshal(msg)
	return body, s.signer.WebhookSignature(body)
}

// RefundWebhook builds a signed refund.processed body.
func (s *Sandbox) RefundWebhook(r RefundEntity) (body []byte, signature string) {
	msg := map[string]any{
		"event":      EventRefundProcessed,
		"created_at": time.Now().Unix(),
		"payload": map[string]any{
			"refund": map[string]any{"entity": r},
		},
	}
	body, _ = json.Marshal(msg)
	return body, s.signer.WebhookSignature(body)
}

var _ Gateway = (*Sandbox)(nil)

package gateway

import (
	"encoding/json"
	"fmt"
)

// Webhook event types acted upon.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundProcessed = "refund.processed"
)

// Webhook headers.
const (
	SignatureHeader = "x-gateway-signature"
	EventIDHeader   = "x-gateway-event-id"
)

// PaymentEntity is the payment object inside a webhook.
type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RefundEntity is the refund object inside a webhook.
type RefundEntity struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Status    string            `json:"status"`
	Notes     map[string]string `json:"notes,omitempty"`
}

// Event is a parsed webhook body.
type Event struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment,omitempty"`
		Refund *struct {
			Entity RefundEntity `json:"entity"`
		} `json:"refund,omitempty"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// ParseEvent decodes a webhook body. Call it only after the signature
// over the same bytes has been verified.
func ParseEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("gateway: decode webhook: %w", err)
	}
	if e.Event == "" {
		return nil, fmt.Errorf("gateway: webhook without event type")
	}
	return &e, nil
}

// Payment returns the payment entity, if the event carries one.
func (e *Event) Payment() (PaymentEntity, bool) {
	if e.Payload.Payment == nil {
		return PaymentEntity{}, false
	}
	return e.Payload.Payment.Entity, true
}

// Refund returns the refund entity, if the event carries one.
func (e *Event) Refund() (RefundEntity, bool) {
	if e.Payload.Refund == nil {
		return RefundEntity{}, false
	}
	return e.Payload.Refund.Entity, true
}

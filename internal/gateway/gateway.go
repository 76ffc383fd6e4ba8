// Package gateway is the boundary to the external payment gateway: order
// creation for client-side checkout, refunds of captured payments, payouts
// to bank accounts and UPI ids, and the two HMAC signature schemes the
// gateway uses for callbacks.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable covers timeouts, transport failures and 5xx
	// responses. The call may be retried.
	ErrUnavailable = errors.New("gateway: unavailable")
	// ErrDeclined is an explicit rejection (4xx). Retrying will not help.
	ErrDeclined = errors.New("gateway: request declined")
)

// DeclinedError carries the gateway's rejection details.
type DeclinedError struct {
	Status      int
	Code        string
	Description string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("gateway: declined (%d %s): %s", e.Status, e.Code, e.Description)
}

func (e *DeclinedError) Unwrap() error { return ErrDeclined }

// Transfer methods.
const (
	MethodBankTransfer = "bank_transfer"
	MethodUPI          = "upi"
)

// Transfer statuses.
const (
	TransferProcessed = "processed"
	TransferPending   = "pending"
	TransferFailed    = "failed"
)

// CreateOrderRequest asks the gateway for a checkout order.
type CreateOrderRequest struct {
	Amount   decimal.Decimal
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is a gateway-side checkout order.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Refund is a gateway-side refund of a captured payment.
type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// Destination is where an external payout goes.
type Destination struct {
	AccountHolder string `json:"accountHolder,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	BankName      string `json:"bankName,omitempty"`
	UPIID         string `json:"upiId,omitempty"`
}

// TransferRequest asks the gateway to pay money out.
type TransferRequest struct {
	Reference   string // idempotency reference, e.g. the payout id
	Amount      decimal.Decimal
	Currency    string
	Method      string
	Destination Destination
}

// Transfer is the gateway's view of a payout.
type Transfer struct {
	ID            string `json:"id"`
	Reference     string `json:"reference_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Gateway is the outbound contract. Every call is bounded by a timeout and
// fails with ErrUnavailable (retry-safe) or ErrDeclined (not retry-safe).
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal, receipt string) (*Refund, error)
	Transfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	// KeyID is the public key handed to client-side checkout.
	KeyID() string
}

// Signer computes and checks gateway signatures.
type Signer struct {
	keySecret     []byte
	webhookSecret []byte
}

// NewSigner creates a signer from the API key secret and webhook secret.
func NewSigner(keySecret, webhookSecret string) *Signer {
	return &Signer{keySecret: []byte(keySecret), webhookSecret: []byte(webhookSecret)}
}

// PaymentSignature is hex(HMAC-SHA256(keySecret, orderID|paymentID)), the
// value the checkout widget returns after a successful payment.
func (s *Signer) PaymentSignature(orderID, paymentID string) string {
	return sign(s.keySecret, []byte(orderID+"|"+paymentID))
}

// VerifyPayment checks a checkout callback signature in constant time.
func (s *Signer) VerifyPayment(orderID, paymentID, signature string) bool {
	return equal(s.PaymentSignature(orderID, paymentID), signature)
}

// WebhookSignature is hex(HMAC-SHA256(webhookSecret, rawBody)).
func (s *Signer) WebhookSignature(rawBody []byte) string {
	return sign(s.webhookSecret, rawBody)
}

// VerifyWebhook checks a webhook signature against the exact raw body.
// An unset webhook secret rejects everything.
func (s *Signer) VerifyWebhook(rawBody []byte, signature string) bool {
	if len(s.webhookSecret) == 0 {
		return false
	}
	return equal(s.WebhookSignature(rawBody), signature)
}

func sign(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func equal(expected, got string) bool {
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}

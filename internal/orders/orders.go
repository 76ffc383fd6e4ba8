// Package orders is the payments service's view of marketplace orders.
//
// Orders are owned by the order subsystem. This package reads them to
// authorize payment operations and writes back only the payment status
// and the order state transitions caused by payments (paid, cancelled on
// full refund).
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound = errors.New("orders: order not found")
	ErrInvalidOrder  = errors.New("orders: invalid order")
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// PaymentStatus is the order's payment state as seen by clients.
type PaymentStatus string

const (
	PaymentUnpaid            PaymentStatus = "unpaid"
	PaymentPaid              PaymentStatus = "paid"
	PaymentReleased          PaymentStatus = "released"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Order is the subset of an order the payments service needs.
type Order struct {
	ID            string          `json:"id"`
	JobID         string          `json:"jobId,omitempty"`
	ClientID      string          `json:"clientId"`
	ProviderID    string          `json:"providerId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Payable reports whether a checkout may start for the order.
func (o *Order) Payable() bool {
	return o.PaymentStatus == PaymentUnpaid && o.Status != StatusCancelled
}

// IsParty reports whether userID is the order's client or provider.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (o.ClientID == userID || o.ProviderID == userID)
}

// Validate checks the fields an upsert must carry.
func (o *Order) Validate() error {
	if o.ID == "" || o.ClientID == "" || o.ProviderID == "" || o.Amount.Sign() <= 0 {
		return ErrInvalidOrder
	}
	if o.ClientID == o.ProviderID {
		return ErrInvalidOrder
	}
	return nil
}

// Store persists orders.
type Store interface {
	Get(ctx context.Context, id string) (*Order, error)
	// Upsert inserts or replaces an order pushed by the order subsystem.
	// Payment fields already recorded here are preserved.
	Upsert(ctx context.Context, o *Order) error
	SetPaymentStatus(ctx context.Context, id string, status PaymentStatus, at time.Time) error
	SetStatus(ctx context.Context, id string, status Status, at time.Time) error
}

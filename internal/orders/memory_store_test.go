package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newOrder(id string) *Order {
	return &Order{
		ID:         id,
		ClientID:   "client_1",
		ProviderID: "provider_1",
		Amount:     decimal.NewFromInt(1000),
	}
}

func TestMemoryStore_UpsertDefaults(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Upsert(ctx, newOrder("ord_1")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	o, err := s.Get(ctx, "ord_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if o.PaymentStatus != PaymentUnpaid {
		t.Errorf("Expected unpaid, got %s", o.PaymentStatus)
	}
	if o.Status != StatusPending {
		t.Errorf("Expected pending, got %s", o.Status)
	}
}

func TestMemoryStore_UpsertPreservesPayment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = s.Upsert(ctx, newOrder("ord_1"))
	if err := s.SetPaymentStatus(ctx, "ord_1", PaymentPaid, now); err != nil {
		t.Fatalf("SetPaymentStatus failed: %v", err)
	}

	update := newOrder("ord_1")
	update.Status = StatusCompleted
	_ = s.Upsert(ctx, update)

	o, _ := s.Get(ctx, "ord_1")
	if o.PaymentStatus != PaymentPaid || o.PaidAt == nil {
		t.Errorf("payment fields lost on upsert: %+v", o)
	}
	if o.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", o.Status)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Upsert(ctx, newOrder("ord_1"))

	o, _ := s.Get(ctx, "ord_1")
	o.Status = StatusCancelled

	again, _ := s.Get(ctx, "ord_1")
	if again.Status != StatusPending {
		t.Error("mutating a returned order must not change the store")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
	if err := s.SetStatus(ctx, "missing", StatusCompleted, time.Now()); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrder_Validate(t *testing.T) {
	o := newOrder("ord_1")
	o.ProviderID = o.ClientID
	if err := o.Validate(); !errors.Is(err, ErrInvalidOrder) {
		t.Error("client and provider must differ")
	}
	o = newOrder("ord_1")
	o.Amount = decimal.Zero
	if err := o.Validate(); !errors.Is(err, ErrInvalidOrder) {
		t.Error("amount must be positive")
	}
	if !newOrder("x").IsParty("provider_1") || newOrder("x").IsParty("stranger") {
		t.Error("IsParty mismatch")
	}
}

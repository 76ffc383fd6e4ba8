package orders

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	if existing, ok := m.orders[o.ID]; ok {
		cp.PaymentStatus = existing.PaymentStatus
		cp.PaidAt = existing.PaidAt
	}
	if cp.PaymentStatus == "" {
		cp.PaymentStatus = PaymentUnpaid
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) SetPaymentStatus(_ context.Context, id string, status PaymentStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentStatus = status
	if status == PaymentPaid && o.PaidAt == nil {
		t := at
		o.PaidAt = &t
	}
	o.UpdatedAt = at
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	if status == StatusCompleted && o.CompletedAt == nil {
		t := at
		o.CompletedAt = &t
	}
	o.UpdatedAt = at
	return nil
}

var _ Store = (*MemoryStore)(nil)

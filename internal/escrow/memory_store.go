package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows   map[string]*Escrow
	byOrder   map[string]string // order id -> escrow id
	byPayment map[string]string // payment id -> escrow id
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[string]*Escrow),
		byOrder:   make(map[string]string),
		byPayment: make(map[string]string),
	}
}

// clone returns a deep copy so callers never share pointers with the store.
func clone(e *Escrow) *Escrow {
	cp := *e
	if e.Dispute != nil {
		d := *e.Dispute
		cp.Dispute = &d
	}
	if e.AutoRelease.ScheduledFor != nil {
		at := *e.AutoRelease.ScheduledFor
		cp.AutoRelease.ScheduledFor = &at
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPayment[e.PaymentID]; ok {
		return ErrOrderHasEscrow
	}
	if _, ok := m.byOrder[e.OrderID]; ok {
		return ErrOrderHasEscrow
	}
	m.escrows[e.ID] = clone(e)
	m.byOrder[e.OrderID] = e.ID
	m.byPayment[e.PaymentID] = e.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	id, ok := m.byOrder[orderID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByPayment(ctx context.Context, paymentID string) (*Escrow, error) {
	m.mu.RLock()
	id, ok := m.byPayment[paymentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Status != expected {
		return ErrStaleStatus
	}
	m.escrows[e.ID] = clone(e)
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusHeld || !e.AutoRelease.Enabled || e.AutoRelease.ScheduledFor == nil {
			continue
		}
		if e.AutoRelease.ScheduledFor.After(now) {
			continue
		}
		result = append(result, clone(e))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AutoRelease.ScheduledFor.Before(*result[j].AutoRelease.ScheduledFor)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)

package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments map[string]*Payment
	refunds  map[string]*Refund
	topups   map[string]*TopUp
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		refunds:  make(map[string]*Refund),
		topups:   make(map[string]*TopUp),
	}
}

func timeCopy(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	cp.PaidAt = timeCopy(p.PaidAt)
	return &cp
}

func cloneRefund(r *Refund) *Refund {
	cp := *r
	cp.ReviewedAt = timeCopy(r.ReviewedAt)
	cp.CompletedAt = timeCopy(r.CompletedAt)
	return &cp
}

func cloneTopUp(t *TopUp) *TopUp {
	cp := *t
	cp.CompletedAt = timeCopy(t.CompletedAt)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetByGatewayOrder(_ context.Context, gatewayOrderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if gatewayOrderID != "" && p.Gateway.OrderID == gatewayOrderID {
			return clonePayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionID > out[j].TransactionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Payment, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.Status != expected {
		return ErrStaleStatus
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.Status == StatusPending && p.CreatedAt.Before(cutoff) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateRefund(_ context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds[r.ID] = cloneRefund(r)
	return nil
}

func (m *MemoryStore) GetRefund(_ context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	return cloneRefund(r), nil
}

func (m *MemoryStore) GetRefundByGatewayID(_ context.Context, gatewayRefundID string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.refunds {
		if gatewayRefundID != "" && r.GatewayRefundID == gatewayRefundID {
			return cloneRefund(r), nil
		}
	}
	return nil, ErrRefundNotFound
}

func (m *MemoryStore) UpdateRefund(_ context.Context, r *Refund, expected RefundStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.refunds[r.ID]
	if !ok {
		return ErrRefundNotFound
	}
	if cur.Status != expected {
		return ErrStaleStatus
	}
	m.refunds[r.ID] = cloneRefund(r)
	return nil
}

func (m *MemoryStore) ListRefunds(_ context.Context, f RefundFilter) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Refund{}
	for _, r := range m.refunds {
		if f.PaymentID != "" && r.PaymentID != f.PaymentID {
			continue
		}
		if f.RequestedBy != "" && r.RequestedBy != f.RequestedBy {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, cloneRefund(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateTopUp(_ context.Context, t *TopUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topups[t.ID] = cloneTopUp(t)
	return nil
}

func (m *MemoryStore) GetTopUp(_ context.Context, id string) (*TopUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.topups[id]
	if !ok {
		return nil, ErrTopUpNotFound
	}
	return cloneTopUp(t), nil
}

func (m *MemoryStore) GetTopUpByGatewayOrder(_ context.Context, gatewayOrderID string) (*TopUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.topups {
		if gatewayOrderID != "" && t.Gateway.OrderID == gatewayOrderID {
			return cloneTopUp(t), nil
		}
	}
	return nil, ErrTopUpNotFound
}

func (m *MemoryStore) UpdateTopUp(_ context.Context, t *TopUp, expected TopUpStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.topups[t.ID]
	if !ok {
		return ErrTopUpNotFound
	}
	if cur.Status != expected {
		return ErrStaleStatus
	}
	m.topups[t.ID] = cloneTopUp(t)
	return nil
}

var _ Store = (*MemoryStore)(nil)

package payout

import (
	"context"
	"sort"
	"sync"

	"github.com/hireloop/payments/internal/pagination"
)

// MemoryStore is an in-memory payout store for demo/development mode.
type MemoryStore struct {
	payouts     map[string]*Payout
	byEscrow    map[string]string // escrow id -> payout id
	withdrawals map[string]*Withdrawal
	prefs       map[string]*Preference
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts:     make(map[string]*Payout),
		byEscrow:    make(map[string]string),
		withdrawals: make(map[string]*Withdrawal),
		prefs:       make(map[string]*Preference),
	}
}

func clonePayout(p *Payout) *Payout {
	cp := *p
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func cloneWithdrawal(w *Withdrawal) *Withdrawal {
	cp := *w
	if w.CompletedAt != nil {
		at := *w.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEscrow[p.EscrowID]; ok {
		return ErrDuplicate
	}
	m.payouts[p.ID] = clonePayout(p)
	m.byEscrow[p.EscrowID] = p.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return clonePayout(p), nil
}

func (m *MemoryStore) GetByEscrow(ctx context.Context, escrowID string) (*Payout, error) {
	m.mu.RLock()
	id, ok := m.byEscrow[escrowID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(_ context.Context, p *Payout, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payouts[p.ID]
	if !ok {
		return ErrPayoutNotFound
	}
	if current.Status != expected {
		return ErrStaleStatus
	}
	m.payouts[p.ID] = clonePayout(p)
	return nil
}

func (m *MemoryStore) ListByProvider(_ context.Context, providerID string, page pagination.Params) ([]*Payout, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Payout
	for _, p := range m.payouts {
		if p.ProviderID == providerID {
			all = append(all, clonePayout(p))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return pagination.Slice(all, page), len(all), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.payouts {
		if p.Status == status {
			result = append(result, clonePayout(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateWithdrawal(_ context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawals[w.ID] = cloneWithdrawal(w)
	return nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return cloneWithdrawal(w), nil
}

func (m *MemoryStore) UpdateWithdrawal(_ context.Context, w *Withdrawal, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.withdrawals[w.ID]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if current.Status != expected {
		return ErrStaleStatus
	}
	m.withdrawals[w.ID] = cloneWithdrawal(w)
	return nil
}

func (m *MemoryStore) ListWithdrawals(_ context.Context, userID string, page pagination.Params) ([]*Withdrawal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			all = append(all, cloneWithdrawal(w))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return pagination.Slice(all, page), len(all), nil
}

func (m *MemoryStore) GetPreference(_ context.Context, providerID string) (*Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prefs[providerID]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetPreference(_ context.Context, p *Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.prefs[p.ProviderID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)

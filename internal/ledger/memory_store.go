package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// One mutex covers wallets and history, so Append is atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet      // by user id
	txns    []*Transaction          // append order
	byID    map[string]*Transaction
	byKey   map[string]*Transaction // by idempotency key
}

// NewMemoryStore creates an empty ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byID:    make(map[string]*Transaction),
		byKey:   make(map[string]*Transaction),
	}
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.walletLocked(userID)
	return &cp, nil
}

// Caller must hold m.mu for writing.
func (m *MemoryStore) walletLocked(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		now := time.Now().UTC()
		w = &Wallet{ID: idgen.WithPrefix("wal_"), UserID: userID, CreatedAt: now, UpdatedAt: now}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) Append(_ context.Context, txn *Transaction) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.IdempotencyKey != "" {
		if _, ok := m.byKey[txn.IdempotencyKey]; ok {
			return nil, ErrDuplicateKey
		}
	}

	w := m.walletLocked(txn.UserID)
	next := *w
	if err := project(&next, txn); err != nil {
		return nil, err
	}
	next.UpdatedAt = txn.CreatedAt
	*w = next

	txn.WalletID = w.ID
	txn.BalanceAfter = w.Balance

	stored := *txn
	m.txns = append(m.txns, &stored)
	m.byID[stored.ID] = &stored
	if stored.IdempotencyKey != "" {
		m.byKey[stored.IdempotencyKey] = &stored
	}

	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByKey(_ context.Context, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byKey[key]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, f Filter) ([]*Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Transaction
	for i := len(m.txns) - 1; i >= 0; i-- {
		t := m.txns[i]
		if t.UserID == userID && f.Matches(t) {
			cp := *t
			matched = append(matched, &cp)
		}
	}
	return pagination.Slice(matched, f.Page), len(matched), nil
}

func (m *MemoryStore) Replay(_ context.Context, userID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.txns {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetTransactionStatus(_ context.Context, id string, status Status, at time.Time) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	w := m.walletLocked(t.UserID)
	if err := settle(w, t, status); err != nil {
		return nil, err
	}
	t.Status = status
	t.UpdatedAt = at
	w.UpdatedAt = at

	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Totals(_ context.Context, userID string, since time.Time) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := &Totals{}
	for _, t := range m.txns {
		if t.UserID != userID || t.CreatedAt.Before(since) || t.Status == StatusFailed {
			continue
		}
		switch {
		case t.Type == TypeCredit && t.Category == CategoryJobEarning:
			totals.Earned = totals.Earned.Add(t.Amount)
		case t.Type == TypeDebit && t.Category == CategoryJobPayment:
			totals.Spent = totals.Spent.Add(t.Amount)
		}
	}
	return totals, nil
}

var _ Store = (*MemoryStore)(nil)

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/pagination"
)

func amt(s string) decimal.Decimal { return money.MustParse(s) }

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store), store
}

func TestDebit_ExactBalanceReachesZero(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Credit(ctx, "client_1", amt("500"), CategoryDeposit, Refs{}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	txn, err := l.Debit(ctx, "client_1", amt("500"), CategoryJobPayment, Refs{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if !txn.BalanceAfter.IsZero() {
		t.Errorf("Expected balanceAfter 0, got %s", txn.BalanceAfter)
	}

	w, _ := l.GetWallet(ctx, "client_1")
	if !w.Balance.IsZero() {
		t.Errorf("Expected balance 0, got %s", w.Balance)
	}
	if !w.TotalSpent.Equal(amt("500")) {
		t.Errorf("Expected totalSpent 500, got %s", w.TotalSpent)
	}
}

func TestDebit_InsufficientFundsWritesNothing(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, _ = l.Credit(ctx, "client_1", amt("100"), CategoryDeposit, Refs{})

	_, err := l.Debit(ctx, "client_1", amt("500"), CategoryJobPayment, Refs{})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	w, _ := l.GetWallet(ctx, "client_1")
	if !w.Balance.Equal(amt("100")) {
		t.Errorf("Expected balance 100, got %s", w.Balance)
	}
	txns, _ := store.Replay(ctx, "client_1")
	if len(txns) != 1 {
		t.Errorf("Expected only the deposit transaction, got %d", len(txns))
	}
}

func TestApply_RejectsBadInput(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Credit(ctx, "u", amt("0"), CategoryDeposit, Refs{}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Credit(ctx, "u", amt("5").Neg(), CategoryDeposit, Refs{}); err == nil {
		t.Error("negative amount should fail")
	}
	if _, err := l.Credit(ctx, "u", amt("10"), Category("gift"), Refs{}); !errors.Is(err, ErrInvalidCategory) {
		t.Errorf("unknown category: expected ErrInvalidCategory, got %v", err)
	}
}

func TestApply_IdempotencyKey(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	first, err := l.Credit(ctx, "provider_1", amt("950"), CategoryJobEarning, Refs{IdempotencyKey: "payout:po_1"})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	second, err := l.Credit(ctx, "provider_1", amt("950"), CategoryJobEarning, Refs{IdempotencyKey: "payout:po_1"})
	if err != nil {
		t.Fatalf("replayed Credit failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected same transaction, got %s and %s", first.ID, second.ID)
	}

	w, _ := l.GetWallet(ctx, "provider_1")
	if !w.Balance.Equal(amt("950")) {
		t.Errorf("Expected balance 950 after replay, got %s", w.Balance)
	}
	txns, _ := store.Replay(ctx, "provider_1")
	if len(txns) != 1 {
		t.Errorf("Expected 1 transaction, got %d", len(txns))
	}
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	_, _ = l.Credit(ctx, "client_1", amt("1000"), CategoryDeposit, Refs{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "client_1", amt("30"), CategoryJobPayment, Refs{}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 33 {
		t.Errorf("Expected 33 successful debits of 30 from 1000, got %d", succeeded)
	}
	w, _ := l.GetWallet(ctx, "client_1")
	if !w.Balance.Equal(amt("10")) {
		t.Errorf("Expected balance 10, got %s", w.Balance)
	}

	res, err := l.Verify(ctx, "client_1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Match {
		t.Errorf("Expected history to match wallet: %+v", res)
	}
}

func TestSetStatus_WithdrawalPendingLifecycle(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	_, _ = l.Credit(ctx, "provider_1", amt("1000"), CategoryJobEarning, Refs{})

	txn, err := l.Debit(ctx, "provider_1", amt("400"), CategoryWithdrawal, Refs{Status: StatusPending})
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	w, _ := l.GetWallet(ctx, "provider_1")
	if !w.PendingAmount.Equal(amt("400")) {
		t.Errorf("Expected pending 400, got %s", w.PendingAmount)
	}

	if _, err := l.SetStatus(ctx, txn.ID, StatusCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	w, _ = l.GetWallet(ctx, "provider_1")
	if !w.PendingAmount.IsZero() {
		t.Errorf("Expected pending 0 after settlement, got %s", w.PendingAmount)
	}
	if !w.Balance.Equal(amt("600")) {
		t.Errorf("Expected balance 600, got %s", w.Balance)
	}

	if _, err := l.SetStatus(ctx, txn.ID, StatusFailed); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus on settled transaction, got %v", err)
	}

	res, _ := l.Verify(ctx, "provider_1")
	if !res.Match {
		t.Errorf("Expected match after settlement: %+v", res)
	}
}

func TestHistory_FiltersAndOrdersByRecency(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, _ = l.Credit(ctx, "u1", amt("100"), CategoryDeposit, Refs{})
	_, _ = l.Debit(ctx, "u1", amt("10"), CategoryJobPayment, Refs{OrderID: "ord_1"})
	_, _ = l.Credit(ctx, "u1", amt("10"), CategoryRefund, Refs{OrderID: "ord_1"})
	_, _ = l.Debit(ctx, "u1", amt("20"), CategoryJobPayment, Refs{OrderID: "ord_2"})
	_, _ = l.Credit(ctx, "u2", amt("5"), CategoryBonus, Refs{})

	all, meta, err := l.History(ctx, "u1", Filter{})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if meta.Total != 4 || len(all) != 4 {
		t.Fatalf("Expected 4 transactions, got %d (total %d)", len(all), meta.Total)
	}
	if all[0].OrderID != "ord_2" {
		t.Errorf("Expected newest first, got %s", all[0].OrderID)
	}

	debits, _, _ := l.History(ctx, "u1", Filter{Type: TypeDebit, Category: CategoryJobPayment})
	if len(debits) != 2 {
		t.Errorf("Expected 2 job payments, got %d", len(debits))
	}

	page, meta, _ := l.History(ctx, "u1", Filter{Page: pagination.Params{Page: 2, Limit: 3}})
	if len(page) != 1 || meta.Pages != 2 {
		t.Errorf("Expected 1 item on page 2 of 2, got %d items, %d pages", len(page), meta.Pages)
	}
}

func TestGetTransaction_OwnerOnly(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	txn, _ := l.Credit(ctx, "u1", amt("100"), CategoryDeposit, Refs{})

	if _, err := l.GetTransaction(ctx, "u1", txn.ID); err != nil {
		t.Errorf("owner lookup failed: %v", err)
	}
	if _, err := l.GetTransaction(ctx, "u2", txn.ID); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound for non-owner, got %v", err)
	}
}

func TestStats_CurrentMonth(t *testing.T) {
	l, _ := newTestLedger()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clock := now.AddDate(0, -1, 0)
	l.WithClock(func() time.Time { return clock })
	ctx := context.Background()

	_, _ = l.Credit(ctx, "p1", amt("300"), CategoryJobEarning, Refs{})

	clock = now
	_, _ = l.Credit(ctx, "p1", amt("950"), CategoryJobEarning, Refs{})
	_, _ = l.Debit(ctx, "p1", amt("200"), CategoryJobPayment, Refs{})

	stats, err := l.Stats(ctx, "p1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if !stats.MonthlyEarnings.Equal(amt("950")) {
		t.Errorf("Expected monthly earnings 950, got %s", stats.MonthlyEarnings)
	}
	if !stats.MonthlySpending.Equal(amt("200")) {
		t.Errorf("Expected monthly spending 200, got %s", stats.MonthlySpending)
	}
	if !stats.Wallet.TotalEarned.Equal(amt("1250")) {
		t.Errorf("Expected total earned 1250, got %s", stats.Wallet.TotalEarned)
	}
	if len(stats.Recent) != 3 {
		t.Errorf("Expected 3 recent transactions, got %d", len(stats.Recent))
	}
}

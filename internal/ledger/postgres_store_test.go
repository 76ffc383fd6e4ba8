package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hireloop/payments/internal/testutil"
)

func TestPostgresStore_AppendAndReplay(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	if _, err := l.Credit(ctx, "pg_client", amt("500"), CategoryDeposit, Refs{IdempotencyKey: "topup:t1"}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	txn, err := l.Debit(ctx, "pg_client", amt("500"), CategoryJobPayment, Refs{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if !txn.BalanceAfter.IsZero() {
		t.Errorf("Expected balanceAfter 0, got %s", txn.BalanceAfter)
	}

	if _, err := l.Debit(ctx, "pg_client", amt("1"), CategoryJobPayment, Refs{}); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}

	again, err := l.Credit(ctx, "pg_client", amt("500"), CategoryDeposit, Refs{IdempotencyKey: "topup:t1"})
	if err != nil {
		t.Fatalf("replayed Credit failed: %v", err)
	}
	w, _ := l.GetWallet(ctx, "pg_client")
	if !w.Balance.IsZero() {
		t.Errorf("Expected replayed credit to change nothing, balance %s", w.Balance)
	}
	if again.IdempotencyKey != "topup:t1" {
		t.Errorf("Expected original transaction back, got %+v", again)
	}

	res, err := l.Verify(ctx, "pg_client")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !res.Match || res.Transactions != 2 {
		t.Errorf("Expected match over 2 transactions, got %+v", res)
	}
}

func TestPostgresStore_ConcurrentDebitsAcrossLedgers(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	_, _ = New(store).Credit(ctx, "pg_race", amt("100"), CategoryDeposit, Refs{})

	// Separate Ledger values have separate in-process locks, so only the
	// row lock keeps the wallet from going negative.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = New(store).Debit(ctx, "pg_race", amt("10"), CategoryJobPayment, Refs{})
		}()
	}
	wg.Wait()

	w, _ := store.GetWallet(ctx, "pg_race")
	if !w.Balance.IsZero() {
		t.Errorf("Expected balance 0, got %s", w.Balance)
	}
	txns, _ := store.Replay(ctx, "pg_race")
	if len(txns) != 11 {
		t.Errorf("Expected 11 transactions, got %d", len(txns))
	}
}

func TestPostgresStore_SettleWithdrawal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()
	_, _ = l.Credit(ctx, "pg_provider", amt("300"), CategoryJobEarning, Refs{})
	txn, _ := l.Debit(ctx, "pg_provider", amt("120"), CategoryWithdrawal, Refs{Status: StatusPending})

	if _, err := l.SetStatus(ctx, txn.ID, StatusCompleted); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	w, _ := l.GetWallet(ctx, "pg_provider")
	if !w.PendingAmount.IsZero() || !w.Balance.Equal(amt("180")) {
		t.Errorf("Unexpected wallet after settlement: %+v", w)
	}

	stats, err := l.Stats(ctx, "pg_provider")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if !stats.MonthlyEarnings.Equal(amt("300")) {
		t.Errorf("Expected monthly earnings 300, got %s", stats.MonthlyEarnings)
	}
}

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	payouts := newMockPayouts()
	clk := clock.NewFake(time.Now().UTC().Truncate(time.Microsecond))
	svc := NewService(store, Config{FeeBPS: 500, AutoReleaseDays: 3}).WithPayouts(payouts).WithClock(clk)

	e, err := svc.Open(ctx, OpenRequest{
		PaymentID: "pay_pg", OrderID: "ord_pg", ClientID: "client_pg", ProviderID: "provider_pg",
		Amount: money.MustParse("1000"),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	byOrder, err := store.GetByOrder(ctx, "ord_pg")
	if err != nil {
		t.Fatalf("GetByOrder failed: %v", err)
	}
	if byOrder.ID != e.ID || !byOrder.ProviderAmount.Equal(money.MustParse("950")) {
		t.Errorf("Unexpected escrow from store: %+v", byOrder)
	}

	if err := store.Create(ctx, e); !errors.Is(err, ErrOrderHasEscrow) {
		t.Errorf("Expected ErrOrderHasEscrow on duplicate insert, got %v", err)
	}

	stale := *byOrder
	stale.Status = StatusRefunded
	if err := store.Update(ctx, &stale, StatusReleased); !errors.Is(err, ErrStaleStatus) {
		t.Errorf("Expected ErrStaleStatus, got %v", err)
	}

	_, _ = svc.Dispute(ctx, e.ID, "client_pg", "late")
	if _, err := svc.ResolveDispute(ctx, e.ID, "admin", "ok"); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	reloaded, _ := store.Get(ctx, e.ID)
	if reloaded.Dispute == nil || reloaded.Dispute.Resolution != "ok" || reloaded.AutoRelease.Enabled {
		t.Errorf("Dispute not persisted: %+v", reloaded)
	}

	if _, released, err := svc.Release(ctx, e.ID, ReleasedByAdmin); err != nil || !released {
		t.Fatalf("Release failed: released=%v err=%v", released, err)
	}
	if _, released, _ := svc.Release(ctx, e.ID, ReleasedByAdmin); released {
		t.Error("second release should be a no-op")
	}
	if payouts.count != 1 {
		t.Errorf("Expected 1 payout, got %d", payouts.count)
	}
}

func TestPostgresStore_ListDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	start := time.Now().UTC().Add(-10 * 24 * time.Hour).Truncate(time.Microsecond)
	clk := clock.NewFake(start)
	svc := NewService(store, Config{FeeBPS: 500, AutoReleaseDays: 3}).WithClock(clk)

	for _, id := range []string{"a", "b"} {
		if _, err := svc.Open(ctx, OpenRequest{
			PaymentID: "pay_due_" + id, OrderID: "ord_due_" + id,
			ClientID: "c", ProviderID: "p", Amount: money.MustParse("10"),
		}); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
	}
	_, _ = svc.MarkOrderCompleted(ctx, "ord_due_b", time.Now().UTC())

	due, err := store.ListDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 1 || due[0].OrderID != "ord_due_a" {
		t.Errorf("Expected only ord_due_a due, got %d escrows", len(due))
	}
}

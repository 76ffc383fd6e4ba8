package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/money"
)

// mockPayouts records dispatch calls for verification.
type mockPayouts struct {
	mu      sync.Mutex
	calls   map[string]decimal.Decimal // escrow id -> provider amount
	count   int
	failErr error
}

func newMockPayouts() *mockPayouts {
	return &mockPayouts{calls: make(map[string]decimal.Decimal)}
}

func (m *mockPayouts) Dispatch(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	if m.failErr != nil {
		return m.failErr
	}
	m.calls[e.ID] = e.ProviderAmount
	return nil
}

var testStart = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestService() (*Service, *MemoryStore, *mockPayouts, *clock.Fake) {
	store := NewMemoryStore()
	payouts := newMockPayouts()
	clk := clock.NewFake(testStart)
	svc := NewService(store, Config{FeeBPS: 500, AutoReleaseDays: 3}).
		WithPayouts(payouts).
		WithClock(clk)
	return svc, store, payouts, clk
}

func openTestEscrow(t *testing.T, svc *Service, amount string) *Escrow {
	t.Helper()
	e, err := svc.Open(context.Background(), OpenRequest{
		PaymentID:  "pay_1",
		OrderID:    "ord_1",
		ClientID:   "client_1",
		ProviderID: "provider_1",
		Amount:     money.MustParse(amount),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return e
}

func TestOpen_SplitsFee(t *testing.T) {
	svc, _, _, _ := newTestService()
	e := openTestEscrow(t, svc, "1000")

	if e.Status != StatusHeld {
		t.Errorf("Expected status held, got %s", e.Status)
	}
	if !e.PlatformFee.Equal(money.MustParse("50")) {
		t.Errorf("Expected platform fee 50, got %s", e.PlatformFee)
	}
	if !e.ProviderAmount.Equal(money.MustParse("950")) {
		t.Errorf("Expected provider amount 950, got %s", e.ProviderAmount)
	}
	if !e.PlatformFee.Add(e.ProviderAmount).Equal(e.Amount) {
		t.Error("fee + provider amount must equal amount")
	}
	if e.AutoRelease.ScheduledFor == nil || !e.AutoRelease.ScheduledFor.Equal(testStart.AddDate(0, 0, 3)) {
		t.Errorf("Expected auto-release at heldAt + 3 days, got %v", e.AutoRelease.ScheduledFor)
	}
}

func TestOpen_SplitInvariantWithRounding(t *testing.T) {
	svc, _, _, _ := newTestService()
	for i, amount := range []string{"0.01", "0.99", "333.33", "1234.57", "99999.99"} {
		e, err := svc.Open(context.Background(), OpenRequest{
			PaymentID: "pay_" + amount, OrderID: "ord_" + amount,
			ClientID: "c", ProviderID: "p", Amount: money.MustParse(amount),
		})
		if err != nil {
			t.Fatalf("case %d: Open failed: %v", i, err)
		}
		if !e.PlatformFee.Add(e.ProviderAmount).Equal(e.Amount) {
			t.Errorf("case %d: %s + %s != %s", i, e.PlatformFee, e.ProviderAmount, e.Amount)
		}
	}
}

func TestOpen_IdempotentPerPayment(t *testing.T) {
	svc, _, _, _ := newTestService()
	first := openTestEscrow(t, svc, "1000")
	second := openTestEscrow(t, svc, "1000")

	if first.ID != second.ID {
		t.Errorf("Expected same escrow, got %s and %s", first.ID, second.ID)
	}

	_, err := svc.Open(context.Background(), OpenRequest{
		PaymentID: "pay_2", OrderID: "ord_1", ClientID: "client_1", ProviderID: "provider_1",
		Amount: money.MustParse("1000"),
	})
	if !errors.Is(err, ErrOrderHasEscrow) {
		t.Errorf("Expected ErrOrderHasEscrow for a second payment on the order, got %v", err)
	}
}

func TestOpen_RejectsNonPositive(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.Open(context.Background(), OpenRequest{
		PaymentID: "p", OrderID: "o", ClientID: "c", ProviderID: "v", Amount: decimal.Zero,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestRelease_DispatchesPayoutOnce(t *testing.T) {
	svc, _, payouts, _ := newTestService()
	e := openTestEscrow(t, svc, "1000")
	ctx := context.Background()

	got, released, err := svc.Release(ctx, e.ID, ReleasedByClient)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !released || got.Status != StatusReleased || got.ReleasedAt == nil {
		t.Fatalf("Expected released escrow, got %+v (released=%v)", got, released)
	}
	if got.ReleasedBy != ReleasedByClient {
		t.Errorf("Expected releasedBy client, got %s", got.ReleasedBy)
	}
	if !payouts.calls[e.ID].Equal(money.MustParse("950")) {
		t.Errorf("Expected payout of 950, got %s", payouts.calls[e.ID])
	}

	again, released, err := svc.Release(ctx, e.ID, ReleasedByClient)
	if err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if released {
		t.Error("second Release should report released=false")
	}
	if again.Status != StatusReleased {
		t.Errorf("Expected status released, got %s", again.Status)
	}
	if payouts.count != 1 {
		t.Errorf("Expected exactly 1 payout dispatch, got %d", payouts.count)
	}
}

func TestRelease_ConcurrentCallsDispatchOnce(t *testing.T) {
	svc, _, payouts, _ := newTestService()
	e := openTestEscrow(t, svc, "500")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			by := ReleasedByClient
			if i%2 == 0 {
				by = ReleasedByScheduler
			}
			_, released, err := svc.Release(context.Background(), e.ID, by)
			if err != nil {
				t.Errorf("Release failed: %v", err)
				return
			}
			if released {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly 1 winning release, got %d", winners)
	}
	if payouts.count != 1 {
		t.Errorf("Expected exactly 1 payout, got %d", payouts.count)
	}
}

func TestRelease_PayoutFailureKeepsReleased(t *testing.T) {
	svc, store, payouts, _ := newTestService()
	payouts.failErr = errors.New("bank down")
	e := openTestEscrow(t, svc, "1000")

	_, released, err := svc.Release(context.Background(), e.ID, ReleasedByClient)
	if err != nil || !released {
		t.Fatalf("Release should succeed despite payout failure: released=%v err=%v", released, err)
	}
	stored, _ := store.Get(context.Background(), e.ID)
	if stored.Status != StatusReleased {
		t.Errorf("Expected escrow to stay released, got %s", stored.Status)
	}
}

func TestReleaseAndRefund_MutuallyExclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("refund after release", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		e := openTestEscrow(t, svc, "1000")
		_, _, _ = svc.Release(ctx, e.ID, ReleasedByClient)
		if _, _, err := svc.Refund(ctx, e.ID); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("Expected ErrInvalidStatus, got %v", err)
		}
	})

	t.Run("release after refund", func(t *testing.T) {
		svc, _, payouts, _ := newTestService()
		e := openTestEscrow(t, svc, "1000")
		got, refunded, err := svc.Refund(ctx, e.ID)
		if err != nil || !refunded || got.RefundedAt == nil {
			t.Fatalf("Refund failed: refunded=%v err=%v", refunded, err)
		}
		if _, _, err := svc.Release(ctx, e.ID, ReleasedByClient); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("Expected ErrInvalidStatus, got %v", err)
		}
		if payouts.count != 0 {
			t.Errorf("Expected no payout, got %d", payouts.count)
		}
		if _, refunded, err := svc.Refund(ctx, e.ID); err != nil || refunded {
			t.Errorf("Expected idempotent second refund, refunded=%v err=%v", refunded, err)
		}
	})
}

func TestDispute_BlocksReleaseUntilResolved(t *testing.T) {
	svc, _, payouts, _ := newTestService()
	e := openTestEscrow(t, svc, "1000")
	ctx := context.Background()

	if _, err := svc.Dispute(ctx, e.ID, "stranger", "no"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for non-party, got %v", err)
	}

	disputed, err := svc.Dispute(ctx, e.ID, "provider_1", "client unresponsive")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed || disputed.Dispute.RaisedBy != "provider_1" {
		t.Errorf("Unexpected disputed escrow: %+v", disputed)
	}

	if _, _, err := svc.Release(ctx, e.ID, ReleasedByClient); !errors.Is(err, ErrDisputed) {
		t.Errorf("Expected ErrDisputed, got %v", err)
	}
	if _, err := svc.Dispute(ctx, e.ID, "client_1", "again"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus for a second dispute, got %v", err)
	}

	resolved, err := svc.ResolveDispute(ctx, e.ID, "admin_1", "work accepted after review")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusHeld || resolved.AutoRelease.Enabled {
		t.Errorf("Expected held with auto-release off, got %+v", resolved)
	}
	if resolved.Dispute.ResolvedBy != "admin_1" || resolved.Dispute.ResolvedAt == nil {
		t.Errorf("Expected resolution recorded, got %+v", resolved.Dispute)
	}

	if _, released, err := svc.Release(ctx, e.ID, ReleasedByAdmin); err != nil || !released {
		t.Errorf("Expected release after resolution, released=%v err=%v", released, err)
	}
	if payouts.count != 1 {
		t.Errorf("Expected 1 payout, got %d", payouts.count)
	}
}

func TestRefund_FromDisputed(t *testing.T) {
	svc, _, _, _ := newTestService()
	e := openTestEscrow(t, svc, "1000")
	ctx := context.Background()

	_, _ = svc.Dispute(ctx, e.ID, "client_1", "never delivered")
	got, refunded, err := svc.Refund(ctx, e.ID)
	if err != nil || !refunded {
		t.Fatalf("Refund of disputed escrow failed: refunded=%v err=%v", refunded, err)
	}
	if got.Status != StatusRefunded {
		t.Errorf("Expected refunded, got %s", got.Status)
	}
}

func TestReserveRefund_BlocksRelease(t *testing.T) {
	svc, _, payouts, _ := newTestService()
	e := openTestEscrow(t, svc, "1000")
	ctx := context.Background()

	got, reserved, err := svc.ReserveRefund(ctx, e.ID)
	if err != nil || !reserved || got.Status != StatusRefunding {
		t.Fatalf("ReserveRefund failed: reserved=%v err=%v", reserved, err)
	}
	if _, reserved, err := svc.ReserveRefund(ctx, e.ID); err != nil || reserved {
		t.Errorf("Expected second reservation to be a no-op, reserved=%v err=%v", reserved, err)
	}
	if _, _, err := svc.Release(ctx, e.ID, ReleasedByClient); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus releasing a refunding escrow, got %v", err)
	}
	if _, err := svc.Dispute(ctx, e.ID, "client_1", "late"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus disputing a refunding escrow, got %v", err)
	}

	got, refunded, err := svc.Refund(ctx, e.ID)
	if err != nil || !refunded || got.Status != StatusRefunded {
		t.Fatalf("Refund of refunding escrow failed: refunded=%v err=%v", refunded, err)
	}
	if payouts.count != 0 {
		t.Errorf("Expected no payout, got %d", payouts.count)
	}
}

func TestReserveRefund_ConcurrentWithRelease(t *testing.T) {
	for range 20 {
		svc, _, payouts, _ := newTestService()
		e := openTestEscrow(t, svc, "1000")
		ctx := context.Background()

		var wg sync.WaitGroup
		var reserved, released bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, reserved, _ = svc.ReserveRefund(ctx, e.ID)
		}()
		go func() {
			defer wg.Done()
			_, released, _ = svc.Release(ctx, e.ID, ReleasedByClient)
		}()
		wg.Wait()

		if reserved == released {
			t.Fatalf("Expected exactly one winner, reserved=%v released=%v", reserved, released)
		}
		if released != (payouts.count == 1) {
			t.Errorf("Expected payout only after release, got %d", payouts.count)
		}
	}
}

func TestReserveRefund_ReleasedRejected(t *testing.T) {
	svc, _, _, _ := newTestService()
	e := openTestEscrow(t, svc, "1000")
	ctx := context.Background()

	_, _, _ = svc.Release(ctx, e.ID, ReleasedByClient)
	if _, _, err := svc.ReserveRefund(ctx, e.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
}

func TestCancelRefund_RestoresPriorStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("held", func(t *testing.T) {
		svc, _, payouts, _ := newTestService()
		e := openTestEscrow(t, svc, "1000")
		_, _, _ = svc.ReserveRefund(ctx, e.ID)

		got, err := svc.CancelRefund(ctx, e.ID)
		if err != nil || got.Status != StatusHeld {
			t.Fatalf("Expected held after cancel, got %v, %v", got, err)
		}
		if _, released, err := svc.Release(ctx, e.ID, ReleasedByClient); err != nil || !released {
			t.Errorf("Expected release after cancel, released=%v err=%v", released, err)
		}
		if payouts.count != 1 {
			t.Errorf("Expected 1 payout, got %d", payouts.count)
		}
	})

	t.Run("disputed", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		e := openTestEscrow(t, svc, "1000")
		_, _ = svc.Dispute(ctx, e.ID, "client_1", "never delivered")
		_, _, _ = svc.ReserveRefund(ctx, e.ID)

		got, err := svc.CancelRefund(ctx, e.ID)
		if err != nil || got.Status != StatusDisputed {
			t.Fatalf("Expected disputed after cancel, got %v, %v", got, err)
		}
	})

	t.Run("not refunding", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		e := openTestEscrow(t, svc, "1000")
		_, _, _ = svc.Refund(ctx, e.ID)

		got, err := svc.CancelRefund(ctx, e.ID)
		if err != nil || got.Status != StatusRefunded {
			t.Errorf("Expected refunded escrow untouched, got %v, %v", got, err)
		}
	})
}

func TestResolveDispute_RequiresDisputed(t *testing.T) {
	svc, _, _, _ := newTestService()
	e := openTestEscrow(t, svc, "1000")
	if _, err := svc.ResolveDispute(context.Background(), e.ID, "admin_1", "n/a"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
}

func TestMarkOrderCompleted_Reschedules(t *testing.T) {
	svc, _, _, _ := newTestService()
	openTestEscrow(t, svc, "1000")

	completedAt := testStart.Add(48 * time.Hour)
	e, err := svc.MarkOrderCompleted(context.Background(), "ord_1", completedAt)
	if err != nil {
		t.Fatalf("MarkOrderCompleted failed: %v", err)
	}
	want := completedAt.AddDate(0, 0, 3)
	if e.AutoRelease.ScheduledFor == nil || !e.AutoRelease.ScheduledFor.Equal(want) {
		t.Errorf("Expected scheduledFor %v, got %v", want, e.AutoRelease.ScheduledFor)
	}

	if _, err := svc.MarkOrderCompleted(context.Background(), "ord_missing", completedAt); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Expected ErrEscrowNotFound, got %v", err)
	}
}

func TestOpen_AutoReleaseDisabledWithZeroDays(t *testing.T) {
	svc := NewService(NewMemoryStore(), Config{FeeBPS: 500})
	e, err := svc.Open(context.Background(), OpenRequest{
		PaymentID: "p", OrderID: "o", ClientID: "c", ProviderID: "v", Amount: money.MustParse("10"),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if e.AutoRelease.Enabled || e.AutoRelease.ScheduledFor != nil {
		t.Errorf("Expected auto-release disabled, got %+v", e.AutoRelease)
	}
}

package payout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/money"
)

var testStart = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

var testDest = gateway.Destination{
	AccountHolder: "Asha Verma",
	AccountNumber: "123456789012",
	IFSC:          "HDFC0001234",
	BankName:      "HDFC Bank",
}

type testEnv struct {
	dispatcher *Dispatcher
	store      *MemoryStore
	ledger     *ledger.Ledger
	escrows    *escrow.Service
	gw         *gateway.Sandbox
	clk        *clock.Fake
}

func newTestEnv() *testEnv {
	logger := slog.New(slog.DiscardHandler)
	clk := clock.NewFake(testStart)

	l := ledger.New(ledger.NewMemoryStore())
	escrows := escrow.NewService(escrow.NewMemoryStore(), escrow.Config{FeeBPS: 500, AutoReleaseDays: 3}).
		WithClock(clk).
		WithLogger(logger)
	gw := gateway.NewSandbox(gateway.NewSigner("key_secret", "webhook_secret"))
	store := NewMemoryStore()

	d := NewDispatcher(store, l, escrows, gw, nil, Config{MinWithdrawal: money.MustParse("100")}, logger).
		WithClock(clk)
	d.WithQueue(NewInlineQueue(d, logger))
	escrows.WithPayouts(d)

	return &testEnv{dispatcher: d, store: store, ledger: l, escrows: escrows, gw: gw, clk: clk}
}

func (env *testEnv) openEscrow(t *testing.T, amount string) *escrow.Escrow {
	t.Helper()
	e, err := env.escrows.Open(context.Background(), escrow.OpenRequest{
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

func (env *testEnv) release(t *testing.T, amount string) *escrow.Escrow {
	t.Helper()
	e := env.openEscrow(t, amount)
	e, released, err := env.escrows.Release(context.Background(), e.ID, escrow.ReleasedByClient)
	if err != nil || !released {
		t.Fatalf("Release failed: released=%v err=%v", released, err)
	}
	return e
}

func (env *testEnv) balance(t *testing.T, userID string) string {
	t.Helper()
	w, err := env.ledger.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	return money.Format(w.Balance)
}

func TestRelease_CreditsProviderWallet(t *testing.T) {
	env := newTestEnv()
	e := env.release(t, "1000")

	p, err := env.dispatcher.GetByEscrow(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("GetByEscrow failed: %v", err)
	}
	if p.Method != MethodWallet || p.Status != StatusCompleted {
		t.Errorf("Expected completed wallet payout, got %s/%s", p.Method, p.Status)
	}
	if !p.Amount.Equal(money.MustParse("950")) {
		t.Errorf("Expected payout 950, got %s", p.Amount)
	}
	if p.CompletedAt == nil || !p.CompletedAt.Equal(testStart) {
		t.Errorf("Expected completedAt %v, got %v", testStart, p.CompletedAt)
	}
	if got := env.balance(t, "provider_1"); got != "950.00" {
		t.Errorf("Expected provider balance 950.00, got %s", got)
	}

	txn, err := env.ledger.GetTransaction(context.Background(), "provider_1", p.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if txn.Category != ledger.CategoryJobEarning || txn.OrderID != "ord_1" || txn.Reference != p.ID {
		t.Errorf("Unexpected earning transaction: %+v", txn)
	}
}

func TestDispatch_Idempotent(t *testing.T) {
	env := newTestEnv()
	e := env.release(t, "1000")

	for range 3 {
		if err := env.dispatcher.Dispatch(context.Background(), e); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}
	if got := env.balance(t, "provider_1"); got != "950.00" {
		t.Errorf("Expected provider balance 950.00 after repeats, got %s", got)
	}
	payouts, meta, err := env.dispatcher.ListByProvider(context.Background(), "provider_1", pageAll)
	if err != nil {
		t.Fatalf("ListByProvider failed: %v", err)
	}
	if len(payouts) != 1 || meta.Total != 1 {
		t.Errorf("Expected exactly one payout, got %d", len(payouts))
	}
}

func TestDispatch_ConcurrentCallsPayOnce(t *testing.T) {
	env := newTestEnv()
	e := env.release(t, "1000")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.dispatcher.Dispatch(context.Background(), e)
		}()
	}
	wg.Wait()

	if got := env.balance(t, "provider_1"); got != "950.00" {
		t.Errorf("Expected provider balance 950.00, got %s", got)
	}
}

func TestDispatch_RejectsUnreleasedEscrow(t *testing.T) {
	env := newTestEnv()
	e := env.openEscrow(t, "1000")

	err := env.dispatcher.Dispatch(context.Background(), e)
	if !errors.Is(err, ErrEscrowNotReleased) {
		t.Errorf("Expected ErrEscrowNotReleased, got %v", err)
	}
	if _, err := env.dispatcher.GetByEscrow(context.Background(), e.ID); !errors.Is(err, ErrPayoutNotFound) {
		t.Errorf("Expected no payout, got %v", err)
	}
}

func TestDispatch_BankTransferThroughGateway(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	if _, err := env.dispatcher.SetPreference(ctx, "provider_1", MethodBankTransfer, testDest); err != nil {
		t.Fatalf("SetPreference failed: %v", err)
	}

	e := env.release(t, "1000")

	p, err := env.dispatcher.GetByEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetByEscrow failed: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", p.Status, p.FailureReason)
	}
	if p.GatewayTransferID == "" || p.Attempts != 1 {
		t.Errorf("Expected one gateway attempt with transfer id, got %d/%q", p.Attempts, p.GatewayTransferID)
	}
	if p.Destination.IFSC != testDest.IFSC {
		t.Errorf("Expected destination from preference, got %+v", p.Destination)
	}
	if env.gw.Transfers() != 1 {
		t.Errorf("Expected 1 gateway transfer, got %d", env.gw.Transfers())
	}
	if got := env.balance(t, "provider_1"); got != "0.00" {
		t.Errorf("Bank payout must not touch the wallet, got balance %s", got)
	}
}

func TestDispatch_GatewayDownLeavesEscrowReleased(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	_, _ = env.dispatcher.SetPreference(ctx, "provider_1", MethodUPI, gateway.Destination{UPIID: "asha@okhdfc"})
	env.gw.Fail(gateway.OpTransfer, gateway.ErrUnavailable)

	e := env.release(t, "1000")

	got, _ := env.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusReleased {
		t.Errorf("Expected escrow to stay released, got %s", got.Status)
	}
	p, _ := env.dispatcher.GetByEscrow(ctx, e.ID)
	if p.Status != StatusProcessing {
		t.Fatalf("Expected payout processing while gateway is down, got %s", p.Status)
	}

	env.gw.Recover(gateway.OpTransfer)
	if err := env.dispatcher.ProcessPayout(ctx, p.ID); err != nil {
		t.Fatalf("ProcessPayout failed: %v", err)
	}
	p, _ = env.dispatcher.Get(ctx, p.ID)
	if p.Status != StatusCompleted || p.Attempts != 2 {
		t.Errorf("Expected completed after 2 attempts, got %s after %d", p.Status, p.Attempts)
	}
}

func TestDispatch_DeclinedThenRetry(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	_, _ = env.dispatcher.SetPreference(ctx, "provider_1", MethodBankTransfer, testDest)
	env.gw.Fail(gateway.OpTransfer, &gateway.DeclinedError{Status: 400, Code: "BAD_REQUEST_ERROR", Description: "beneficiary account closed"})

	e := env.release(t, "1000")

	p, _ := env.dispatcher.GetByEscrow(ctx, e.ID)
	if p.Status != StatusFailed || p.FailureReason == "" {
		t.Fatalf("Expected failed payout with reason, got %s/%q", p.Status, p.FailureReason)
	}
	failed, _ := env.dispatcher.ListFailed(ctx, 10)
	if len(failed) != 1 {
		t.Errorf("Expected 1 failed payout, got %d", len(failed))
	}

	env.gw.Recover(gateway.OpTransfer)
	p, err := env.dispatcher.Retry(ctx, p.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if p.Status != StatusCompleted || p.FailureReason != "" {
		t.Errorf("Expected completed after retry, got %s/%q", p.Status, p.FailureReason)
	}

	if _, err := env.dispatcher.Retry(ctx, p.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus retrying a completed payout, got %v", err)
	}
}

func TestRetry_NotFound(t *testing.T) {
	env := newTestEnv()
	if _, err := env.dispatcher.Retry(context.Background(), "po_missing"); !errors.Is(err, ErrPayoutNotFound) {
		t.Errorf("Expected ErrPayoutNotFound, got %v", err)
	}
}

func TestSetPreference(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	pref, err := env.dispatcher.GetPreference(ctx, "provider_1")
	if err != nil || pref.Method != MethodWallet {
		t.Fatalf("Expected wallet default, got %+v, %v", pref, err)
	}

	tests := []struct {
		name    string
		method  Method
		dest    gateway.Destination
		wantErr bool
	}{
		{"wallet", MethodWallet, gateway.Destination{}, false},
		{"bank", MethodBankTransfer, testDest, false},
		{"bank bad ifsc", MethodBankTransfer, gateway.Destination{AccountHolder: "A", AccountNumber: "123456789", IFSC: "HDFC1234"}, true},
		{"bank short account", MethodBankTransfer, gateway.Destination{AccountHolder: "A", AccountNumber: "1234", IFSC: "HDFC0001234"}, true},
		{"upi", MethodUPI, gateway.Destination{UPIID: "asha@okhdfc"}, false},
		{"upi bad", MethodUPI, gateway.Destination{UPIID: "not-a-vpa"}, true},
		{"unknown", Method("cheque"), gateway.Destination{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.dispatcher.SetPreference(ctx, "provider_1", tt.method, tt.dest)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetPreference(%s) error = %v, wantErr %v", tt.method, err, tt.wantErr)
			}
		})
	}
}

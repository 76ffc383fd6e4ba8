package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/money"
)

// project applies t to w. It is the single definition of how a
// transaction changes a wallet, shared by every store and by Rebuild.
func project(w *Wallet, t *Transaction) error {
	next := w.Balance.Add(t.Signed())
	if next.IsNegative() {
		return ErrInsufficientFunds
	}
	w.Balance = next

	switch {
	case t.Type == TypeCredit && t.Category == CategoryJobEarning:
		w.TotalEarned = w.TotalEarned.Add(t.Amount)
	case t.Type == TypeDebit && t.Category == CategoryJobPayment:
		w.TotalSpent = w.TotalSpent.Add(t.Amount)
	case t.Type == TypeDebit && t.Category == CategoryWithdrawal && t.Status == StatusPending:
		w.PendingAmount = w.PendingAmount.Add(t.Amount)
	}
	return nil
}

// settle adjusts w when t leaves the pending state.
func settle(w *Wallet, t *Transaction, to Status) error {
	if t.Status != StatusPending || (to != StatusCompleted && to != StatusFailed) {
		return ErrInvalidStatus
	}
	if t.Type == TypeDebit && t.Category == CategoryWithdrawal {
		w.PendingAmount = w.PendingAmount.Sub(t.Amount)
		if w.PendingAmount.IsNegative() {
			w.PendingAmount = decimal.Zero
		}
	}
	return nil
}

// Rebuild replays transactions (oldest first) into a fresh wallet. Each
// transaction is projected with its current status, so settled
// withdrawals do not count as pending.
func Rebuild(userID string, txns []*Transaction) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	for _, t := range txns {
		projected := *t
		if err := project(w, &projected); err != nil {
			return nil, fmt.Errorf("replay %s: %w", t.ID, err)
		}
	}
	return w, nil
}

// ReconciliationResult compares a replayed history with the stored wallet.
type ReconciliationResult struct {
	UserID            string `json:"userId"`
	Match             bool   `json:"match"`
	Transactions      int    `json:"transactions"`
	ChainBreakAt      string `json:"chainBreakAt,omitempty"` // first txn whose balanceAfter disagrees
	ReplayBalance     string `json:"replayBalance"`
	ActualBalance     string `json:"actualBalance"`
	ReplayTotalEarned string `json:"replayTotalEarned"`
	ActualTotalEarned string `json:"actualTotalEarned"`
	ReplayTotalSpent  string `json:"replayTotalSpent"`
	ActualTotalSpent  string `json:"actualTotalSpent"`
	ReplayPending     string `json:"replayPending"`
	ActualPending     string `json:"actualPending"`
}

// Verify replays the user's history and checks both the balanceAfter
// chain and the materialized wallet.
func (l *Ledger) Verify(ctx context.Context, userID string) (*ReconciliationResult, error) {
	unlock, err := l.locks.LockContext(ctx, "wallet:"+userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txns, err := l.store.Replay(ctx, userID)
	if err != nil {
		return nil, err
	}
	actual, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := &ReconciliationResult{UserID: userID, Transactions: len(txns)}

	running := decimal.Zero
	for _, t := range txns {
		running = running.Add(t.Signed())
		if res.ChainBreakAt == "" && !running.Equal(t.BalanceAfter) {
			res.ChainBreakAt = t.ID
		}
	}

	replayed, err := Rebuild(userID, txns)
	if err != nil {
		return nil, err
	}

	res.ReplayBalance = money.Format(replayed.Balance)
	res.ActualBalance = money.Format(actual.Balance)
	res.ReplayTotalEarned = money.Format(replayed.TotalEarned)
	res.ActualTotalEarned = money.Format(actual.TotalEarned)
	res.ReplayTotalSpent = money.Format(replayed.TotalSpent)
	res.ActualTotalSpent = money.Format(actual.TotalSpent)
	res.ReplayPending = money.Format(replayed.PendingAmount)
	res.ActualPending = money.Format(actual.PendingAmount)

	res.Match = res.ChainBreakAt == "" &&
		replayed.Balance.Equal(actual.Balance) &&
		replayed.TotalEarned.Equal(actual.TotalEarned) &&
		replayed.TotalSpent.Equal(actual.TotalSpent) &&
		replayed.PendingAmount.Equal(actual.PendingAmount)

	if !res.Match {
		l.logger.Error("CRITICAL: wallet does not match its transaction history",
			"userId", userID, "chainBreakAt", res.ChainBreakAt,
			"replayBalance", res.ReplayBalance, "actualBalance", res.ActualBalance)
	}
	return res, nil
}

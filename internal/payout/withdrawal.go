package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/pagination"
	"github.com/hireloop/payments/internal/traces"
	"github.com/hireloop/payments/internal/validation"
)

// Withdrawal moves wallet balance out to a bank account or UPI id.
// The wallet is debited as pending when the request is accepted; a
// failed transfer credits the amount back.
type Withdrawal struct {
	ID                string              `json:"id"`
	UserID            string              `json:"userId"`
	Amount            decimal.Decimal     `json:"amount"`
	Method            Method              `json:"method"`
	Destination       gateway.Destination `json:"destination"`
	Status            Status              `json:"status"`
	TransactionID     string              `json:"transactionId"`
	ReversalID        string              `json:"reversalId,omitempty"`
	GatewayTransferID string              `json:"gatewayTransferId,omitempty"`
	FailureReason     string              `json:"failureReason,omitempty"`
	Attempts          int                 `json:"attempts"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

func validateDestination(method Method, dest gateway.Destination, walletAllowed bool) error {
	switch method {
	case MethodWallet:
		if !walletAllowed {
			return ErrInvalidMethod
		}
		return nil
	case MethodBankTransfer:
		return validation.Validate(
			validation.Required("accountHolder", dest.AccountHolder),
			validation.MaxLength("accountHolder", dest.AccountHolder, 100),
			func() *validation.ValidationError {
				if !validation.IsValidAccountNumber(dest.AccountNumber) {
					return &validation.ValidationError{Field: "accountNumber", Message: "must be 9-18 digits"}
				}
				return nil
			},
			func() *validation.ValidationError {
				if !validation.IsValidIFSC(dest.IFSC) {
					return &validation.ValidationError{Field: "ifsc", Message: "invalid IFSC code"}
				}
				return nil
			},
		)
	case MethodUPI:
		if !validation.IsValidUPI(dest.UPIID) {
			return validation.Fail("upiId", "invalid UPI id")
		}
		return nil
	}
	return ErrInvalidMethod
}

// RequestWithdrawal debits the wallet and queues the transfer.
func (d *Dispatcher) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, method Method, dest gateway.Destination) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "payout.withdraw", traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer func() { traces.End(span, err) }()

	if !money.Positive(amount) {
		return nil, ledger.ErrInvalidAmount
	}
	if amount.LessThan(d.cfg.MinWithdrawal) {
		return nil, ErrBelowMinimum
	}
	if err := validateDestination(method, dest, false); err != nil {
		return nil, err
	}

	now := d.clock.Now()
	w := &Withdrawal{
		ID:          idgen.WithPrefix("wd_"),
		UserID:      userID,
		Amount:      amount,
		Method:      method,
		Destination: dest,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	txn, err := d.ledger.Debit(ctx, userID, amount, ledger.CategoryWithdrawal, ledger.Refs{
		Reference:      w.ID,
		Description:    "Withdrawal to " + string(method),
		Status:         ledger.StatusPending,
		IdempotencyKey: "withdrawal:" + w.ID,
	})
	if err != nil {
		return nil, err
	}
	w.TransactionID = txn.ID

	if err := d.store.CreateWithdrawal(ctx, w); err != nil {
		// Nothing references the debit yet; put the money back.
		w.FailureReason = "record withdrawal: " + err.Error()
		d.reverseWithdrawal(ctx, w)
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}
	metrics.PayoutsTotal.WithLabelValues("withdrawal_"+string(method), string(StatusPending)).Inc()
	d.logger.Info("withdrawal requested", "withdrawalId", w.ID, "userId", userID,
		"amount", money.Format(amount), "method", method)

	if err := d.queue.EnqueueWithdrawal(ctx, w.ID); err != nil {
		d.logger.Error("failed to enqueue withdrawal", "withdrawalId", w.ID, "error", err)
	}
	return w, nil
}

// ProcessWithdrawal executes a queued withdrawal. Safe to repeat.
func (d *Dispatcher) ProcessWithdrawal(ctx context.Context, id string) error {
	unlock, err := d.locks.LockContext(ctx, "withdrawal:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := d.store.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != StatusPending && w.Status != StatusProcessing {
		return nil
	}

	from := w.Status
	w.Status = StatusProcessing
	w.Attempts++
	w.UpdatedAt = d.clock.Now()
	if err := d.store.UpdateWithdrawal(ctx, w, from); err != nil {
		return err
	}

	tr, err := d.gateway.Transfer(ctx, gateway.TransferRequest{
		Reference:   w.ID,
		Amount:      w.Amount,
		Currency:    d.cfg.Currency,
		Method:      string(w.Method),
		Destination: w.Destination,
	})
	switch {
	case errors.Is(err, gateway.ErrUnavailable):
		return err
	case err != nil:
		w.FailureReason = err.Error()
		return d.failWithdrawal(ctx, w)
	}

	w.GatewayTransferID = tr.ID
	switch tr.Status {
	case gateway.TransferProcessed:
		if _, err := d.ledger.SetStatus(ctx, w.TransactionID, ledger.StatusCompleted); err != nil && !errors.Is(err, ledger.ErrInvalidStatus) {
			return fmt.Errorf("settle withdrawal debit: %w", err)
		}
		now := d.clock.Now()
		w.Status = StatusCompleted
		w.CompletedAt = &now
		w.UpdatedAt = now
		if err := d.store.UpdateWithdrawal(ctx, w, StatusProcessing); err != nil {
			return err
		}
		metrics.PayoutsTotal.WithLabelValues("withdrawal_"+string(w.Method), string(StatusCompleted)).Inc()
		d.logger.Info("withdrawal completed", "withdrawalId", w.ID, "userId", w.UserID, "amount", money.Format(w.Amount))
		return nil
	case gateway.TransferFailed:
		w.FailureReason = tr.FailureReason
		return d.failWithdrawal(ctx, w)
	default:
		if err := d.store.UpdateWithdrawal(ctx, w, StatusProcessing); err != nil {
			return err
		}
		return errTransferPending
	}
}

func (d *Dispatcher) failWithdrawal(ctx context.Context, w *Withdrawal) error {
	if _, err := d.ledger.SetStatus(ctx, w.TransactionID, ledger.StatusFailed); err != nil && !errors.Is(err, ledger.ErrInvalidStatus) {
		return fmt.Errorf("fail withdrawal debit: %w", err)
	}
	if err := d.reverseWithdrawal(ctx, w); err != nil {
		return err
	}
	w.Status = StatusFailed
	w.UpdatedAt = d.clock.Now()
	if err := d.store.UpdateWithdrawal(ctx, w, StatusProcessing); err != nil {
		return err
	}
	metrics.PayoutsTotal.WithLabelValues("withdrawal_"+string(w.Method), string(StatusFailed)).Inc()
	d.logger.Warn("withdrawal failed", "withdrawalId", w.ID, "userId", w.UserID, "reason", w.FailureReason)
	return nil
}

// reverseWithdrawal credits the withdrawn amount back. The idempotency
// key makes it run at most once per withdrawal.
func (d *Dispatcher) reverseWithdrawal(ctx context.Context, w *Withdrawal) error {
	txn, err := d.ledger.Credit(ctx, w.UserID, w.Amount, ledger.CategoryRefund, ledger.Refs{
		Reference:      w.ID,
		Description:    "Withdrawal reversed",
		IdempotencyKey: "withdrawal-reversal:" + w.ID,
	})
	if err != nil {
		d.logger.Error("failed to reverse withdrawal", "withdrawalId", w.ID, "userId", w.UserID, "error", err)
		return fmt.Errorf("reverse withdrawal: %w", err)
	}
	w.ReversalID = txn.ID
	return nil
}

// GetWithdrawal returns a withdrawal owned by userID.
func (d *Dispatcher) GetWithdrawal(ctx context.Context, userID, id string) (*Withdrawal, error) {
	w, err := d.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, ErrWithdrawalNotFound
	}
	return w, nil
}

// ListWithdrawals returns a user's withdrawals, newest first.
func (d *Dispatcher) ListWithdrawals(ctx context.Context, userID string, page pagination.Params) ([]*Withdrawal, pagination.Meta, error) {
	page = pagination.Normalize(page.Page, page.Limit)
	ws, total, err := d.store.ListWithdrawals(ctx, userID, page)
	if err != nil {
		return nil, pagination.Meta{}, err
	}
	return ws, pagination.NewMeta(page, total), nil
}

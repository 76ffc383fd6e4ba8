// Package reconciliation finds money that background jobs should have
// moved but did not: escrows past their release time, gateway payments
// left pending past expiry, and payouts that failed.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/payment"
	"github.com/hireloop/payments/internal/payout"
)

// DefaultGrace is how late a job may be before its backlog is reported.
const DefaultGrace = 2 * time.Hour

const defaultLimit = 500

// EscrowLister lists held escrows whose auto-release time has passed.
type EscrowLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error)
}

// PaymentLister lists pending payments created before cutoff.
type PaymentLister interface {
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*payment.Payment, error)
}

// PayoutLister lists failed payouts.
type PayoutLister interface {
	ListFailed(ctx context.Context, limit int) ([]*payout.Payout, error)
}

// Config tunes the checks.
type Config struct {
	Grace      time.Duration
	PendingTTL time.Duration // 0 skips the stale payment check
	Limit      int
}

// Report is the outcome of one run.
type Report struct {
	Healthy       bool      `json:"healthy"`
	StuckEscrows  []string  `json:"stuckEscrows"`
	StalePayments []string  `json:"stalePayments"`
	FailedPayouts []string  `json:"failedPayouts"`
	CheckedAt     time.Time `json:"checkedAt"`
	DurationMs    int64     `json:"durationMs"`
}

// Findings is the number of items needing attention.
func (r *Report) Findings() int {
	return len(r.StuckEscrows) + len(r.StalePayments) + len(r.FailedPayouts)
}

// Runner performs reconciliation checks.
type Runner struct {
	escrows  EscrowLister
	payments PaymentLister
	payouts  PayoutLister
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner.
func NewRunner(escrows EscrowLister, payments PaymentLister, payouts PayoutLister, cfg Config, c clock.Clock, logger *slog.Logger) *Runner {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	return &Runner{
		escrows:  escrows,
		payments: payments,
		payouts:  payouts,
		cfg:      cfg,
		clock:    c,
		logger:   logger,
	}
}

// Run executes every check and stores the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := r.clock.Now()
	report := &Report{CheckedAt: now}

	due, err := r.escrows.ListDue(ctx, now.Add(-r.cfg.Grace), r.cfg.Limit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list overdue escrows: %w", err)
	}
	for _, e := range due {
		report.StuckEscrows = append(report.StuckEscrows, e.ID)
	}

	if r.cfg.PendingTTL > 0 {
		stale, err := r.payments.ListPendingBefore(ctx, now.Add(-r.cfg.PendingTTL-r.cfg.Grace), r.cfg.Limit)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list stale payments: %w", err)
		}
		for _, p := range stale {
			report.StalePayments = append(report.StalePayments, p.ID)
		}
	}

	failed, err := r.payouts.ListFailed(ctx, r.cfg.Limit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list failed payouts: %w", err)
	}
	for _, p := range failed {
		report.FailedPayouts = append(report.FailedPayouts, p.ID)
	}

	report.Healthy = report.Findings() == 0
	report.DurationMs = time.Since(start).Milliseconds()

	reconcileStuckEscrows.Set(float64(len(report.StuckEscrows)))
	reconcileStalePayments.Set(float64(len(report.StalePayments)))
	reconcileFailedPayouts.Set(float64(len(report.FailedPayouts)))
	reconcileDuration.Observe(time.Since(start).Seconds())

	if !report.Healthy {
		r.logger.Warn("reconciliation found items needing attention",
			"stuck_escrows", len(report.StuckEscrows),
			"stale_payments", len(report.StalePayments),
			"failed_payouts", len(report.FailedPayouts),
		)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

// Job adapts Run to the scheduler, reporting the number of findings.
func (r *Runner) Job(ctx context.Context) (int, error) {
	report, err := r.Run(ctx)
	if err != nil {
		return 0, err
	}
	return report.Findings(), nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

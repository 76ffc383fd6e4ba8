package escrow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/money"
)

// DefaultAutoReleaseBatch caps how many escrows one run releases.
const DefaultAutoReleaseBatch = 100

// AutoReleaser releases escrows whose hold period has passed. It is run
// by the scheduler; it does not loop on its own.
type AutoReleaser struct {
	service *Service
	store   Store
	batch   int
	logger  *slog.Logger
}

// NewAutoReleaser creates a new escrow auto-releaser.
func NewAutoReleaser(service *Service, store Store, logger *slog.Logger) *AutoReleaser {
	return &AutoReleaser{
		service: service,
		store:   store,
		batch:   DefaultAutoReleaseBatch,
		logger:  logger,
	}
}

// Run releases every due escrow through the same path as a client
// release, skipping any that fail. It returns the number released.
func (a *AutoReleaser) Run(ctx context.Context) (int, error) {
	now := a.service.clock.Now()

	due, err := a.store.ListDue(ctx, now, a.batch)
	if err != nil {
		return 0, fmt.Errorf("list due escrows: %w", err)
	}

	released := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		_, ok, err := a.service.Release(ctx, e.ID, ReleasedByScheduler)
		if err != nil {
			a.logger.Warn("failed to auto-release escrow",
				"escrowId", e.ID,
				"orderId", e.OrderID,
				"error", err,
			)
			continue
		}
		if !ok {
			// Released manually between listing and locking.
			continue
		}
		released++
		metrics.EscrowAutoReleasedTotal.Inc()
		a.logger.Info("auto-released escrow",
			"escrowId", e.ID,
			"providerId", e.ProviderID,
			"providerAmount", money.Format(e.ProviderAmount),
		)
	}

	a.logger.Info("escrow auto-release run finished", "due", len(due), "released", released)
	return released, ctx.Err()
}

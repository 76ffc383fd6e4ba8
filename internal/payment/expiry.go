package payment

import (
	"context"
	"errors"
)

const expiryBatch = 100

// ExpirePending fails gateway checkouts left pending longer than the
// configured TTL and credits back their wallet legs. It returns how many
// payments were expired.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	if s.cfg.PendingTTL <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.cfg.PendingTTL)
	stale, err := s.store.ListPendingBefore(ctx, cutoff, expiryBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if err := s.fail(ctx, p.ID, "expired"); err != nil {
			if !errors.Is(err, ErrInvalidStatus) {
				s.logger.Warn("failed to expire payment", "paymentId", p.ID, "error", err)
			}
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired pending payments", "count", expired)
	}
	return expired, nil
}

package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/money"
)

// Webhook outcomes, also used as metric labels.
const (
	webhookProcessed = "processed"
	webhookIgnored   = "ignored"
	webhookDuplicate = "duplicate"
	webhookInvalid   = "invalid_signature"
	webhookMalformed = "malformed"
	webhookError     = "error"
)

// HandleWebhook applies a gateway event. The signature is checked over
// the exact raw body before anything is parsed. Redelivered events
// (same event id, or same body when the gateway sends none) are
// acknowledged without effect. A returned error means the gateway should
// deliver the event again.
func (s *Service) HandleWebhook(ctx context.Context, raw []byte, signature, eventID string) error {
	if !s.signer.VerifyWebhook(raw, signature) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", webhookInvalid).Inc()
		s.logger.Warn("webhook signature mismatch", "eventId", eventID)
		return ErrInvalidSignature
	}

	ev, err := gateway.ParseEvent(raw)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", webhookMalformed).Inc()
		s.logger.Warn("ignoring malformed webhook", "eventId", eventID, "error", err)
		return nil
	}

	key := webhookKey(raw, eventID)
	claimed, err := s.seen.Claim(ctx, key, s.cfg.WebhookDedupeTTL)
	if err != nil {
		return err
	}
	if !claimed {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, webhookDuplicate).Inc()
		s.logger.Info("duplicate webhook ignored", "event", ev.Event, "eventId", eventID)
		return nil
	}

	result, err := s.applyEvent(ctx, ev)
	if err != nil {
		if rerr := s.seen.Release(ctx, key); rerr != nil {
			s.logger.Error("failed to release webhook claim", "key", key, "error", rerr)
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, webhookError).Inc()
		s.logger.Error("webhook processing failed", "event", ev.Event, "eventId", eventID, "error", err)
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Event, result).Inc()
	return nil
}

func webhookKey(raw []byte, eventID string) string {
	if eventID != "" {
		return "webhook:" + eventID
	}
	sum := sha256.Sum256(raw)
	return "webhook:body:" + hex.EncodeToString(sum[:])
}

func (s *Service) applyEvent(ctx context.Context, ev *gateway.Event) (string, error) {
	switch ev.Event {
	case gateway.EventPaymentCaptured:
		if entity, ok := ev.Payment(); ok {
			return s.onCaptured(ctx, entity)
		}
	case gateway.EventPaymentFailed:
		if entity, ok := ev.Payment(); ok {
			return s.onFailed(ctx, entity)
		}
	case gateway.EventRefundProcessed:
		if entity, ok := ev.Refund(); ok {
			return s.onRefundProcessed(ctx, entity)
		}
	}
	return webhookIgnored, nil
}

func (s *Service) onCaptured(ctx context.Context, entity gateway.PaymentEntity) (string, error) {
	p, err := s.store.GetByGatewayOrder(ctx, entity.OrderID)
	if errors.Is(err, ErrPaymentNotFound) {
		t, terr := s.store.GetTopUpByGatewayOrder(ctx, entity.OrderID)
		if errors.Is(terr, ErrTopUpNotFound) {
			s.logger.Warn("captured webhook for unknown gateway order", "gatewayOrderId", entity.OrderID)
			return webhookIgnored, nil
		}
		if terr != nil {
			return "", terr
		}
		if money.ToMinor(t.Amount) != entity.Amount {
			s.logger.Error("captured top-up amount mismatch", "topUpId", t.ID,
				"expected", money.ToMinor(t.Amount), "captured", entity.Amount)
			return webhookIgnored, nil
		}
		if _, err := s.completeTopUp(ctx, t.ID, GatewayRef{OrderID: entity.OrderID, PaymentID: entity.ID}); err != nil {
			if errors.Is(err, ErrInvalidStatus) {
				return webhookIgnored, nil
			}
			return "", err
		}
		return webhookProcessed, nil
	}
	if err != nil {
		return "", err
	}

	if money.ToMinor(p.GatewayAmount) != entity.Amount {
		s.logger.Error("captured payment amount mismatch", "paymentId", p.ID,
			"expected", money.ToMinor(p.GatewayAmount), "captured", entity.Amount)
		return webhookIgnored, nil
	}
	if p.Status.Paid() {
		return webhookIgnored, nil
	}
	_, err = s.complete(ctx, p.ID, GatewayRef{OrderID: entity.OrderID, PaymentID: entity.ID})
	switch {
	case errors.Is(err, ErrCaptureRefunded):
		return webhookProcessed, nil
	case errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrInvalidStatus):
		return webhookIgnored, nil
	case err != nil:
		return "", err
	}
	return webhookProcessed, nil
}

func (s *Service) onFailed(ctx context.Context, entity gateway.PaymentEntity) (string, error) {
	reason := entity.ErrorDescription
	if reason == "" {
		reason = "payment failed at gateway"
	}

	p, err := s.store.GetByGatewayOrder(ctx, entity.OrderID)
	if errors.Is(err, ErrPaymentNotFound) {
		t, terr := s.store.GetTopUpByGatewayOrder(ctx, entity.OrderID)
		if errors.Is(terr, ErrTopUpNotFound) {
			return webhookIgnored, nil
		}
		if terr != nil {
			return "", terr
		}
		if err := s.failTopUp(ctx, t.ID, reason); err != nil {
			return "", err
		}
		return webhookProcessed, nil
	}
	if err != nil {
		return "", err
	}

	if err := s.fail(ctx, p.ID, reason); err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			return webhookIgnored, nil
		}
		return "", err
	}
	return webhookProcessed, nil
}

func (s *Service) onRefundProcessed(ctx context.Context, entity gateway.RefundEntity) (string, error) {
	r, err := s.store.GetRefundByGatewayID(ctx, entity.ID)
	if errors.Is(err, ErrRefundNotFound) {
		return webhookIgnored, nil
	}
	if err != nil {
		return "", err
	}

	unlock, err := s.locks.LockContext(ctx, "payment:"+r.PaymentID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if r, err = s.store.GetRefund(ctx, r.ID); err != nil {
		return "", err
	}
	if r.Status != RefundProcessing {
		return webhookIgnored, nil
	}
	p, err := s.store.Get(ctx, r.PaymentID)
	if err != nil {
		return "", err
	}
	if err := s.finishRefund(ctx, r, p); err != nil {
		return "", err
	}
	return webhookProcessed, nil
}

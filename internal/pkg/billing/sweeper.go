package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"

	"github.com/ManuelReschke/ServeDesk/app/models"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
)

const sweepBatchSize = 50

// SweepInFlight reconciles attempts that stayed in flight longer than the
// configured grace period against the gateway. It only resolves attempts
// whose intent reached a terminal status; nothing is failed speculatively.
func (t *Trigger) SweepInFlight(ctx context.Context) (int, error) {
	grace := t.cfg.Current().Billing.InFlightGrace
	stale, err := t.repo.ListStaleInFlight(t.now().Add(-grace), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	var firstErr error
	for i := range stale {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		ok, err := t.sweepAttempt(ctx, &stale[i])
		if err != nil {
			if errors.Is(err, ErrUpstreamUnavailable) {
				log.Warnf("[Billing] Sweep of attempt %d deferred: %v", stale[i].ID, err)
				continue
			}
			log.Errorf("[Billing] Sweep of attempt %d failed: %v", stale[i].ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			resolved++
		}
	}
	if resolved > 0 {
		log.Infof("[Billing] Sweeper resolved %d in-flight attempts", resolved)
	}
	return resolved, firstErr
}

func (t *Trigger) sweepAttempt(ctx context.Context, attempt *models.ChargeAttempt) (bool, error) {
	pi, err := t.intentFor(ctx, attempt)
	if err != nil {
		return false, err
	}
	if pi == nil {
		// The submission never reached the gateway. Resubmitting reuses the
		// attempt's idempotency key.
		log.Infof("[Billing] Resubmitting attempt %d for job %s", attempt.ID, attempt.JobID)
		current, err := t.submit(ctx, attempt)
		switch {
		case errors.Is(err, ErrNoPaymentMethod):
			return true, nil
		case err != nil && !errors.Is(err, ErrChargeDeclined):
			return false, err
		}
		return current.Status != models.ChargeStatusInFlight, nil
	}

	if attempt.PaymentIntentID == "" {
		if _, err := t.repo.SetAttemptIntent(attempt.ID, pi.ID); err != nil {
			return false, err
		}
	}
	if !pi.Terminal() {
		return false, nil
	}
	return t.ResolveCharge(ctx, outcomeFromIntent(attempt.ID, pi, ""))
}

// intentFor returns the gateway intent of an attempt, or nil when the
// gateway has none.
func (t *Trigger) intentFor(ctx context.Context, attempt *models.ChargeAttempt) (*gateway.PaymentIntent, error) {
	if attempt.PaymentIntentID != "" {
		pi, err := t.gw.GetPaymentIntent(ctx, attempt.PaymentIntentID)
		if err != nil {
			return nil, upstream(err, "get payment intent")
		}
		return pi, nil
	}
	pi, err := t.gw.FindPaymentIntentByAttempt(ctx, fmt.Sprintf("%d", attempt.ID))
	if err != nil {
		return nil, upstream(err, "search payment intent")
	}
	return pi, nil
}

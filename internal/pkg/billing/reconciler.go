package billing

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ServeDesk/app/models"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
)

// DefaultClaimLease is how long a webhook event stays claimed by one worker
// before another delivery may take it over.
const DefaultClaimLease = 5 * time.Minute

// Ack is the reconciler's answer to one webhook delivery.
type Ack struct {
	Status    int    `json:"-"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Message   string `json:"message,omitempty"`
}

// Reconciler ingests gateway webhooks. Each event id is processed at most
// once; the ledger row is only marked processed after dispatch and invoice
// propagation were attempted, so a crash leads to reprocessing.
type Reconciler struct {
	repo    Repository
	gw      gateway.Gateway
	trigger *Trigger
	lease   time.Duration
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(repo Repository, gw gateway.Gateway, trigger *Trigger) *Reconciler {
	return &Reconciler{repo: repo, gw: gw, trigger: trigger, lease: DefaultClaimLease}
}

// Handle verifies, deduplicates and dispatches one webhook delivery. A bad
// signature, an undecodable verified event and storage failures are reported
// as errors; the Ack status is what the gateway should see.
func (r *Reconciler) Handle(ctx context.Context, raw []byte, signature string) (Ack, error) {
	ev, err := r.gw.ParseWebhook(raw, signature)
	if errors.Is(err, gateway.ErrMalformedEvent) {
		// authentic but undecodable; have the gateway redeliver
		return Ack{Status: http.StatusInternalServerError, Message: "event could not be decoded"}, err
	}
	if err != nil {
		log.Warnf("[Webhook] Rejected delivery: %v", err)
		return Ack{Status: http.StatusBadRequest, Message: "invalid signature"}, errors.Wrap(ErrSignatureInvalid, err.Error())
	}
	ack := Ack{Status: http.StatusOK, EventID: ev.ID, EventType: ev.Type}

	_, stored, err := r.repo.CreateWebhookEventIfNotExists(&models.BillingWebhookEvent{
		Provider:        r.gw.Provider(),
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		PayloadJSON:     string(raw),
	})
	if err != nil {
		ack.Status = http.StatusInternalServerError
		return ack, errors.Wrap(err, "record webhook event")
	}
	if stored.ProcessedAt != nil {
		ack.Duplicate = true
		return ack, nil
	}

	claimed, err := r.repo.ClaimWebhookEvent(stored.ID, r.lease)
	if err != nil {
		ack.Status = http.StatusInternalServerError
		return ack, errors.Wrap(err, "claim webhook event")
	}
	if !claimed {
		// Another delivery is processing it right now. Ask for a redelivery
		// in case that one dies.
		ack.Status = http.StatusServiceUnavailable
		ack.Duplicate = true
		ack.Message = "event is being processed"
		return ack, nil
	}

	if err := r.dispatch(ctx, ev); err != nil {
		log.Errorf("[Webhook] Processing %s (%s) failed: %v", ev.ID, ev.Type, err)
		if rerr := r.repo.ReleaseWebhookClaim(stored.ID, err.Error()); rerr != nil {
			log.Errorf("[Webhook] Failed to release claim on %s: %v", ev.ID, rerr)
		}
		ack.Status = http.StatusInternalServerError
		return ack, err
	}

	if err := r.repo.MarkWebhookProcessed(stored.ID, ""); err != nil {
		ack.Status = http.StatusInternalServerError
		return ack, errors.Wrap(err, "mark webhook processed")
	}
	return ack, nil
}

func (r *Reconciler) dispatch(ctx context.Context, ev *gateway.Event) error {
	switch ev.Type {
	case gateway.EventPaymentSucceeded, gateway.EventPaymentFailed:
		if ev.PaymentIntent == nil {
			return nil
		}
		return r.resolvePayment(ctx, ev)

	case gateway.EventSetupSucceeded:
		if ev.SetupIntent != nil {
			log.Infof("[Webhook] Setup %s succeeded for customer %s", ev.SetupIntent.ID, ev.SetupIntent.CustomerID)
		}
		return nil

	case gateway.EventChargeRefunded:
		if ev.Charge == nil || ev.Charge.PaymentIntentID == "" {
			return nil
		}
		return r.trigger.ApplyRefundTotal(ctx, ev.Charge.PaymentIntentID, ev.Charge.RefundedCents, ev.ID)

	default:
		log.Debugf("[Webhook] Ignoring event type %s", ev.Type)
		return nil
	}
}

func (r *Reconciler) resolvePayment(ctx context.Context, ev *gateway.Event) error {
	pi := ev.PaymentIntent
	attempt, err := r.correlate(pi)
	if err != nil {
		return err
	}
	if attempt == nil {
		log.Warnf("[Webhook] Event %s for payment intent %s matches no charge attempt", ev.ID, pi.ID)
		return nil
	}
	if attempt.PaymentIntentID != "" && attempt.PaymentIntentID != pi.ID {
		log.Warnf("[Webhook] Event %s: attempt %d belongs to %s, not %s", ev.ID, attempt.ID, attempt.PaymentIntentID, pi.ID)
		return nil
	}

	succeeded := ev.Type == gateway.EventPaymentSucceeded
	out := Outcome{
		AttemptID:       attempt.ID,
		PaymentIntentID: pi.ID,
		Succeeded:       succeeded,
		EventID:         ev.ID,
	}
	if !succeeded {
		out.FailureCode = pi.FailureCode
		out.FailureMessage = pi.FailureMessage
		if out.FailureCode == "" {
			out.FailureCode = "payment_failed"
		}
	}

	applied, err := r.trigger.ResolveCharge(ctx, out)
	if err != nil {
		return err
	}
	if !applied {
		log.Infof("[Webhook] Event %s is stale for attempt %d (%s)", ev.ID, attempt.ID, attempt.Status)
	}
	return nil
}

// correlate finds the charge attempt an intent belongs to: by attempt id in
// the metadata, then by intent id, then by the job's in-flight attempt.
func (r *Reconciler) correlate(pi *gateway.PaymentIntent) (*models.ChargeAttempt, error) {
	if raw := pi.Metadata[gateway.MetadataChargeAttemptID]; raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			a, err := r.repo.GetAttempt(uint(id))
			if err == nil {
				return a, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}

	a, err := r.repo.FindAttemptByIntent(pi.ID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if jobID := pi.Metadata[gateway.MetadataJobID]; jobID != "" {
		a, err := r.repo.InFlightAttempt(jobID)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

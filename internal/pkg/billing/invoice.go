package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ServeDesk/app/models"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/alerts"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/casemgmt"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/jobqueue"
)

// InvoiceSink updates invoice records in case management.
type InvoiceSink interface {
	MarkInvoicePaid(ctx context.Context, p casemgmt.InvoicePayment) error
}

// Enqueuer hands work to the background queue.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// Propagator pushes confirmed charges to the case-management invoice. It
// never fails the caller's workflow: failures become drift rows and alerts.
type Propagator struct {
	repo   Repository
	sink   InvoiceSink
	queue  Enqueuer
	cfg    config.Provider
	alerts *alerts.Alerter
}

// NewPropagator creates a propagator. queue may be nil, which forces direct
// delivery.
func NewPropagator(repo Repository, sink InvoiceSink, queue Enqueuer, cfg config.Provider, alerter *alerts.Alerter) *Propagator {
	return &Propagator{repo: repo, sink: sink, queue: queue, cfg: cfg, alerts: alerter}
}

// Propagate marks the invoice of a succeeded attempt paid, once. It returns a
// *DriftError when the direct update failed.
func (p *Propagator) Propagate(ctx context.Context, attemptID uint, eventID string) error {
	if p.cfg.Current().Billing.InvoiceSync == config.InvoiceSyncQueued && p.queue != nil {
		ok, err := p.repo.SetInvoiceSync(attemptID, []string{models.InvoiceSyncPending}, models.InvoiceSyncQueued)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		payload := jobqueue.InvoiceMarkPaidPayload{ChargeAttemptID: attemptID, EventID: eventID}
		_, err = p.queue.EnqueueJob(ctx, jobqueue.JobTypeInvoiceMarkPaid, payload.ToMap())
		if err == nil {
			return nil
		}
		log.Warnf("[Billing] Failed to enqueue invoice update for attempt %d, delivering directly: %v", attemptID, err)
		return p.deliver(ctx, attemptID, eventID, []string{models.InvoiceSyncQueued})
	}
	return p.deliver(ctx, attemptID, eventID, []string{models.InvoiceSyncPending})
}

// deliver calls case management if the attempt is still in one of from.
func (p *Propagator) deliver(ctx context.Context, attemptID uint, eventID string, from []string) error {
	attempt, err := p.repo.GetAttempt(attemptID)
	if err != nil {
		return err
	}
	if attempt.Status != models.ChargeStatusSucceeded || !contains(from, attempt.InvoiceSync) {
		return nil
	}

	if err := p.markPaid(ctx, attempt); err != nil {
		return p.recordDrift(attempt, eventID, models.DriftOperationMarkPaid, err)
	}
	return p.markSynced(attempt)
}

func (p *Propagator) markPaid(ctx context.Context, attempt *models.ChargeAttempt) error {
	paidAt := time.Now()
	if attempt.ResolvedAt != nil {
		paidAt = *attempt.ResolvedAt
	}
	return p.sink.MarkInvoicePaid(ctx, casemgmt.InvoicePayment{
		JobID:            attempt.JobID,
		PaymentReference: attempt.PaymentIntentID,
		AmountCents:      attempt.AmountCents,
		Currency:         attempt.Currency,
		PaidAt:           paidAt,
	})
}

func (p *Propagator) markSynced(attempt *models.ChargeAttempt) error {
	from := []string{models.InvoiceSyncPending, models.InvoiceSyncQueued, models.InvoiceSyncDrift}
	if _, err := p.repo.SetInvoiceSync(attempt.ID, from, models.InvoiceSyncSynced); err != nil {
		return err
	}
	if err := p.repo.ResolveDriftFor(attempt.ID, models.DriftOperationMarkPaid); err != nil {
		return err
	}
	log.Infof("[Billing] Invoice for job %s marked paid (attempt %d)", attempt.JobID, attempt.ID)
	return nil
}

func (p *Propagator) recordDrift(attempt *models.ChargeAttempt, eventID, operation string, cause error) error {
	if operation == models.DriftOperationMarkPaid {
		from := []string{models.InvoiceSyncPending, models.InvoiceSyncQueued}
		if _, err := p.repo.SetInvoiceSync(attempt.ID, from, models.InvoiceSyncDrift); err != nil {
			log.Errorf("[Billing] Failed to flag drift on attempt %d: %v", attempt.ID, err)
		}
	}

	open, err := p.repo.HasOpenDrift(attempt.ID, operation)
	if err != nil {
		log.Errorf("[Billing] Failed to check drift for attempt %d: %v", attempt.ID, err)
	}
	if !open {
		row := &models.CrossSystemDrift{
			JobID:           attempt.JobID,
			ChargeAttemptID: attempt.ID,
			EventID:         eventID,
			Operation:       operation,
			Error:           cause.Error(),
		}
		if err := p.repo.CreateDrift(row); err != nil {
			log.Errorf("[Billing] Failed to record drift for attempt %d: %v", attempt.ID, err)
		}
	}

	p.alerts.CrossSystemDrift(alerts.Drift{
		JobID:           attempt.JobID,
		ChargeAttemptID: attempt.ID,
		EventID:         eventID,
		Operation:       operation,
		Err:             cause,
	})
	return &DriftError{JobID: attempt.JobID, AttemptID: attempt.ID, Operation: operation, Err: cause}
}

// RecordRefund flags a refund that case management does not know about.
// Invoices have no refunded state there, so an operator reconciles it.
func (p *Propagator) RecordRefund(attempt *models.ChargeAttempt, eventID string, totalCents int64) {
	cause := errors.Errorf("refunded %d of %d %s; invoice unchanged", totalCents, attempt.AmountCents, attempt.Currency)
	_ = p.recordDrift(attempt, eventID, models.DriftOperationRefund, cause)
}

// HandleQueued is the job-queue handler for invoice updates. Errors are
// retried by the queue.
func (p *Propagator) HandleQueued(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.InvoiceMarkPaidPayloadFromMap(job.Payload)
	if err != nil {
		return err
	}
	attempt, err := p.repo.GetAttempt(payload.ChargeAttemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Billing] Invoice job %s references unknown attempt %d", job.ID, payload.ChargeAttemptID)
			return nil
		}
		return err
	}
	if attempt.InvoiceSync == models.InvoiceSyncSynced {
		return nil
	}
	if err := p.markPaid(ctx, attempt); err != nil {
		return err
	}
	return p.markSynced(attempt)
}

// OnQueueExhausted records drift once the queue gave up on an invoice update.
func (p *Propagator) OnQueueExhausted(ctx context.Context, job *jobqueue.Job, cause error) {
	payload, err := jobqueue.InvoiceMarkPaidPayloadFromMap(job.Payload)
	if err != nil {
		log.Errorf("[Billing] Exhausted invoice job %s has a bad payload: %v", job.ID, err)
		return
	}
	attempt, err := p.repo.GetAttempt(payload.ChargeAttemptID)
	if err != nil {
		log.Errorf("[Billing] Exhausted invoice job %s: attempt %d: %v", job.ID, payload.ChargeAttemptID, err)
		return
	}
	_ = p.recordDrift(attempt, payload.EventID, models.DriftOperationMarkPaid, cause)
}

// RetryDrift re-attempts the invoice update behind an open drift row and
// resolves it on success.
func (p *Propagator) RetryDrift(ctx context.Context, driftID uint) (*models.CrossSystemDrift, error) {
	d, err := p.repo.GetDrift(driftID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "drift %d", driftID)
		}
		return nil, err
	}
	if d.ResolvedAt != nil {
		return d, nil
	}
	if d.Operation != models.DriftOperationMarkPaid {
		return nil, errors.Wrapf(ErrInvalidState, "drift %d (%s) needs manual reconciliation", d.ID, d.Operation)
	}

	attempt, err := p.repo.GetAttempt(d.ChargeAttemptID)
	if err != nil {
		return nil, err
	}
	if attempt.InvoiceSync != models.InvoiceSyncSynced {
		if err := p.markPaid(ctx, attempt); err != nil {
			return nil, upstream(err, "mark invoice paid")
		}
		if err := p.markSynced(attempt); err != nil {
			return nil, err
		}
	}
	if _, err := p.repo.ResolveDrift(d.ID); err != nil {
		return nil, err
	}
	return p.repo.GetDrift(d.ID)
}

// AcknowledgeDrift closes a drift row an operator reconciled by hand.
func (p *Propagator) AcknowledgeDrift(driftID uint) (*models.CrossSystemDrift, error) {
	if _, err := p.repo.GetDrift(driftID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "drift %d", driftID)
		}
		return nil, err
	}
	if _, err := p.repo.ResolveDrift(driftID); err != nil {
		return nil, err
	}
	return p.repo.GetDrift(driftID)
}

// ListDrift returns drift rows, newest first.
func (p *Propagator) ListDrift(openOnly bool, limit int) ([]models.CrossSystemDrift, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return p.repo.ListDrift(openOnly, limit)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

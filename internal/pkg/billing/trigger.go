package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ServeDesk/app/models"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/changefeed"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
)

// Decision is the result of evaluating the trigger condition for a job.
type Decision struct {
	Job           *models.BillingJob
	Eligible      bool
	Unmet         []string
	Customer      *models.BillingCustomer
	PaymentMethod *gateway.PaymentMethod
}

// Outcome is a charge result reported by the gateway, synchronously or via
// webhook.
type Outcome struct {
	AttemptID       uint
	PaymentIntentID string
	Succeeded       bool
	FailureCode     string
	FailureMessage  string
	EventID         string
}

// RefundResult describes a completed refund.
type RefundResult struct {
	RefundID      string `json:"refundId"`
	AmountCents   int64  `json:"amountCents"`
	RefundedCents int64  `json:"refundedCents"`
	BillingState  string `json:"billingState"`
}

// Trigger decides when a job is charged and guarantees at most one charge
// per job. The transition into CHARGE_IN_FLIGHT is a compare-and-set on the
// job row, so it holds across process instances.
type Trigger struct {
	repo     Repository
	vault    *Vault
	gw       gateway.Gateway
	cfg      config.Provider
	invoices *Propagator
	now      func() time.Time
}

// NewTrigger creates the billing trigger.
func NewTrigger(repo Repository, vault *Vault, gw gateway.Gateway, cfg config.Provider, invoices *Propagator) *Trigger {
	return &Trigger{
		repo:     repo,
		vault:    vault,
		gw:       gw,
		cfg:      cfg,
		invoices: invoices,
		now:      time.Now,
	}
}

func (t *Trigger) loadJob(jobID string) (*models.BillingJob, error) {
	job, err := t.repo.GetJob(jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "job %s", jobID)
		}
		return nil, err
	}
	return job, nil
}

// Evaluate checks every trigger condition and records the unmet ones on the
// job. It never starts a charge.
func (t *Trigger) Evaluate(ctx context.Context, jobID string, mode Mode) (*Decision, error) {
	job, err := t.loadJob(jobID)
	if err != nil {
		return nil, err
	}
	d := &Decision{Job: job}

	if !job.AffidavitSigned {
		d.Unmet = append(d.Unmet, ConditionAffidavitUnsigned)
	}
	chargeable := isChargeable(job.BillingState)
	if !chargeable {
		d.Unmet = append(d.Unmet, ConditionBillingState)
	} else if mode == ModeAuto && job.BillingState == models.BillingStateChargeFailed {
		allowed, err := t.retryAllowed(job.JobID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			d.Unmet = append(d.Unmet, ConditionRetryPolicy)
		}
	}
	if chargeable {
		customer, methods, err := t.vault.ListMethodsByEmail(ctx, job.CustomerEmail)
		if err != nil {
			return nil, err
		}
		d.Customer = customer
		d.PaymentMethod = choosePaymentMethod(methods)
		if d.PaymentMethod == nil {
			d.Unmet = append(d.Unmet, ConditionNoPaymentMethod)
		}
	}
	if job.AmountCents <= 0 {
		d.Unmet = append(d.Unmet, ConditionNonPositiveAmount)
	}
	d.Eligible = len(d.Unmet) == 0

	if err := t.repo.RecordEvaluation(job.JobID, strings.Join(d.Unmet, ","), t.now(), d.Eligible); err != nil {
		return nil, err
	}
	return d, nil
}

func (t *Trigger) retryAllowed(jobID string) (bool, error) {
	policy := t.cfg.Current().Billing
	failed, last, err := t.repo.FailedAttemptStats(jobID)
	if err != nil {
		return false, err
	}
	if failed >= int64(policy.MaxAutoAttempts) {
		return false, nil
	}
	if last != nil && t.now().Sub(*last) < policy.RetryCooldown {
		return false, nil
	}
	return true, nil
}

// InitiateCharge starts an off-session charge if the job is eligible. It
// returns a *PreconditionError without creating an attempt otherwise. A
// synchronous decline returns the failed attempt with a *DeclineError.
func (t *Trigger) InitiateCharge(ctx context.Context, jobID string, mode Mode) (*models.ChargeAttempt, error) {
	d, err := t.Evaluate(ctx, jobID, mode)
	if err != nil {
		return nil, err
	}
	if !d.Eligible {
		return nil, &PreconditionError{JobID: jobID, Unmet: d.Unmet}
	}

	currency := d.Job.Currency
	if currency == "" {
		currency = t.cfg.Current().Billing.Currency
	}
	attempt := &models.ChargeAttempt{
		JobID:           d.Job.JobID,
		PaymentMethodID: d.PaymentMethod.ID,
		CustomerID:      d.Customer.GatewayCustomerID,
		AmountCents:     d.Job.AmountCents,
		Currency:        currency,
	}
	won, err := t.repo.BeginCharge(attempt, d.Job.BillingState, d.Job.Version)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, errors.Wrapf(ErrInvalidState, "job %s changed billing state concurrently", jobID)
	}
	log.Infof("[Billing] Charging job %s: attempt %d, %d %s (%s)", jobID, attempt.ID, attempt.AmountCents, attempt.Currency, mode)

	return t.submit(ctx, attempt)
}

func chargeRequest(a *models.ChargeAttempt) gateway.ChargeRequest {
	return gateway.ChargeRequest{
		CustomerID:      a.CustomerID,
		PaymentMethodID: a.PaymentMethodID,
		AmountCents:     a.AmountCents,
		Currency:        a.Currency,
		Description:     fmt.Sprintf("Job %s", a.JobID),
		Metadata: map[string]string{
			gateway.MetadataJobID:           a.JobID,
			gateway.MetadataChargeAttemptID: fmt.Sprintf("%d", a.ID),
		},
		IdempotencyKey: a.IdempotencyKey(),
	}
}

// submit sends the attempt to the gateway. Resubmitting an attempt is safe
// because the idempotency key is derived from the attempt id.
func (t *Trigger) submit(ctx context.Context, attempt *models.ChargeAttempt) (*models.ChargeAttempt, error) {
	pi, err := t.gw.CreatePaymentIntent(ctx, chargeRequest(attempt))
	if err != nil {
		return t.submitFailed(ctx, attempt, err)
	}
	if _, err := t.repo.SetAttemptIntent(attempt.ID, pi.ID); err != nil {
		return nil, err
	}
	if pi.Terminal() {
		if _, err := t.ResolveCharge(ctx, outcomeFromIntent(attempt.ID, pi, "")); err != nil {
			return nil, err
		}
	}

	current, err := t.repo.GetAttempt(attempt.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.ChargeStatusFailed {
		return current, &DeclineError{JobID: current.JobID, AttemptID: current.ID, Code: current.FailureCode, Message: current.FailureMessage}
	}
	return current, nil
}

func (t *Trigger) submitFailed(ctx context.Context, attempt *models.ChargeAttempt, err error) (*models.ChargeAttempt, error) {
	var decline *gateway.DeclineError
	switch {
	case errors.As(err, &decline):
		out := Outcome{AttemptID: attempt.ID, FailureCode: decline.Code, FailureMessage: decline.Message}
		if decline.Intent != nil {
			out.PaymentIntentID = decline.Intent.ID
		}
		if _, rerr := t.ResolveCharge(ctx, out); rerr != nil {
			return nil, rerr
		}
		failed, gerr := t.repo.GetAttempt(attempt.ID)
		if gerr != nil {
			return nil, gerr
		}
		return failed, &DeclineError{JobID: attempt.JobID, AttemptID: attempt.ID, Code: decline.Code, Message: decline.Message}

	case errors.Is(err, gateway.ErrUnavailable):
		// Unknown outcome: the attempt stays in flight until a webhook or
		// the sweeper settles it.
		log.Warnf("[Billing] Charge outcome for attempt %d unknown, left in flight: %v", attempt.ID, err)
		return attempt, upstream(err, "submit charge")

	case errors.Is(err, gateway.ErrNotFound):
		out := Outcome{AttemptID: attempt.ID, FailureCode: "payment_method_unavailable", FailureMessage: err.Error()}
		if _, rerr := t.ResolveCharge(ctx, out); rerr != nil {
			return nil, rerr
		}
		return nil, &PreconditionError{JobID: attempt.JobID, Unmet: []string{ConditionNoPaymentMethod}}

	default:
		out := Outcome{AttemptID: attempt.ID, FailureCode: "gateway_rejected", FailureMessage: err.Error()}
		if _, rerr := t.ResolveCharge(ctx, out); rerr != nil {
			return nil, rerr
		}
		return nil, errors.Wrap(err, "submit charge")
	}
}

func outcomeFromIntent(attemptID uint, pi *gateway.PaymentIntent, eventID string) Outcome {
	out := Outcome{
		AttemptID:       attemptID,
		PaymentIntentID: pi.ID,
		Succeeded:       pi.Status == gateway.StatusSucceeded,
		EventID:         eventID,
	}
	if !out.Succeeded {
		out.FailureCode = pi.FailureCode
		out.FailureMessage = pi.FailureMessage
		if out.FailureCode == "" {
			out.FailureCode = pi.Status
		}
	}
	return out
}

// ResolveCharge applies a terminal charge outcome. Only the first outcome for
// an attempt changes state; later ones report false. A succeeded charge is
// propagated to the case-management invoice, and a failed one leaves the
// invoice untouched.
func (t *Trigger) ResolveCharge(ctx context.Context, out Outcome) (bool, error) {
	attempt, err := t.repo.GetAttempt(out.AttemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, errors.Wrapf(ErrNotFound, "charge attempt %d", out.AttemptID)
		}
		return false, err
	}

	applied, err := t.repo.ResolveCharge(Resolution{
		AttemptID:       attempt.ID,
		JobID:           attempt.JobID,
		PaymentIntentID: out.PaymentIntentID,
		Succeeded:       out.Succeeded,
		FailureCode:     out.FailureCode,
		FailureMessage:  out.FailureMessage,
		At:              t.now(),
	})
	if err != nil {
		return false, err
	}
	if applied {
		if out.Succeeded {
			log.Infof("[Billing] Job %s charged (attempt %d)", attempt.JobID, attempt.ID)
		} else {
			log.Infof("[Billing] Charge attempt %d for job %s failed: %s", attempt.ID, attempt.JobID, out.FailureCode)
		}
	}

	current, err := t.repo.GetAttempt(attempt.ID)
	if err != nil {
		return applied, err
	}
	if current.Status == models.ChargeStatusSucceeded && current.InvoiceSync == models.InvoiceSyncPending {
		if err := t.invoices.Propagate(ctx, current.ID, out.EventID); err != nil {
			log.Warnf("[Billing] %v", err)
		}
	}
	return applied, nil
}

// Refund refunds a charged attempt. amountCents nil refunds the remainder.
// Partial refunds keep the job CHARGED; refunding the full amount moves it
// to REFUNDED.
func (t *Trigger) Refund(ctx context.Context, attemptID uint, amountCents *int64) (*RefundResult, error) {
	attempt, err := t.repo.GetAttempt(attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "charge attempt %d", attemptID)
		}
		return nil, err
	}
	job, err := t.loadJob(attempt.JobID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != models.ChargeStatusSucceeded || job.BillingState != models.BillingStateCharged {
		return nil, errors.Wrapf(ErrInvalidState, "refund requires a charged job, job %s is %s", job.JobID, job.BillingState)
	}

	remaining := attempt.AmountCents - attempt.RefundedCents
	amount := remaining
	if amountCents != nil {
		amount = *amountCents
	}
	if amount <= 0 || amount > remaining {
		return nil, errors.Wrapf(ErrInvalidRequest, "refund amount must be between 1 and %d", remaining)
	}

	r, err := t.gw.CreateRefund(ctx, gateway.RefundRequest{
		PaymentIntentID: attempt.PaymentIntentID,
		AmountCents:     amount,
		IdempotencyKey:  fmt.Sprintf("servedesk-refund-%d-%d-%d", attempt.ID, attempt.RefundedCents, amount),
		Metadata: map[string]string{
			gateway.MetadataJobID:           attempt.JobID,
			gateway.MetadataChargeAttemptID: fmt.Sprintf("%d", attempt.ID),
		},
	})
	if err != nil {
		return nil, upstream(err, "create refund")
	}

	total := attempt.RefundedCents + amount
	state, err := t.applyRefundTotal(attempt, total, "")
	if err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: r.ID, AmountCents: amount, RefundedCents: total, BillingState: state}, nil
}

// ApplyRefundTotal records the refunded total the gateway reported for a
// payment intent. Unknown or unsettled intents are ignored.
func (t *Trigger) ApplyRefundTotal(ctx context.Context, paymentIntentID string, totalCents int64, eventID string) error {
	attempt, err := t.repo.FindAttemptByIntent(paymentIntentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Infof("[Billing] Refund for unknown payment intent %s ignored", paymentIntentID)
			return nil
		}
		return err
	}
	if attempt.Status != models.ChargeStatusSucceeded || totalCents <= attempt.RefundedCents {
		return nil
	}
	_, err = t.applyRefundTotal(attempt, totalCents, eventID)
	return err
}

func (t *Trigger) applyRefundTotal(attempt *models.ChargeAttempt, totalCents int64, eventID string) (string, error) {
	if totalCents > attempt.AmountCents {
		totalCents = attempt.AmountCents
	}
	if _, err := t.repo.SetAttemptRefunded(attempt.ID, totalCents); err != nil {
		return "", err
	}
	if err := t.repo.SetJobRefunded(attempt.JobID, totalCents); err != nil {
		return "", err
	}
	if totalCents >= attempt.AmountCents {
		if _, err := t.repo.TransitionJob(attempt.JobID, []string{models.BillingStateCharged}, models.BillingStateRefunded); err != nil {
			return "", err
		}
		log.Infof("[Billing] Job %s fully refunded", attempt.JobID)
	}

	updated := *attempt
	updated.RefundedCents = totalCents
	t.invoices.RecordRefund(&updated, eventID, totalCents)

	job, err := t.loadJob(attempt.JobID)
	if err != nil {
		return "", err
	}
	return job.BillingState, nil
}

// OnJobChanged mirrors an observed job and charges it when it became
// eligible. Observations of closed jobs only refresh the mirror.
func (t *Trigger) OnJobChanged(ctx context.Context, obs changefeed.Observation) error {
	cur := obs.Current
	if cur == nil {
		return nil
	}
	currency := strings.ToLower(cur.Currency)
	if currency == "" {
		currency = t.cfg.Current().Billing.Currency
	}
	mirror := &models.BillingJob{
		JobID:           cur.ID,
		CustomerEmail:   normalizeEmail(cur.CustomerEmail),
		CustomerName:    cur.CustomerName,
		AmountCents:     cur.AmountCents,
		Currency:        currency,
		AffidavitSigned: cur.AffidavitSigned,
	}
	if err := t.repo.UpsertJobMirror(mirror); err != nil {
		return errors.Wrapf(err, "mirror job %s", cur.ID)
	}
	if !isChargeable(mirror.BillingState) {
		return nil
	}

	_, err := t.InitiateCharge(ctx, cur.ID, ModeAuto)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoPaymentMethod), errors.Is(err, ErrInvalidState):
		log.Debugf("[Billing] Job %s not charged: %v", cur.ID, err)
		return nil
	case errors.Is(err, ErrChargeDeclined):
		log.Infof("[Billing] %v", err)
		return nil
	default:
		return err
	}
}

package billing

import (
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/ServeDesk/app/models"
)

// Resolution is the final outcome of one charge attempt.
type Resolution struct {
	AttemptID       uint
	JobID           string
	PaymentIntentID string
	Succeeded       bool
	FailureCode     string
	FailureMessage  string
	At              time.Time
}

// Repository provides DB operations used by the billing engine.
type Repository interface {
	GetCustomerByEmail(provider, email string) (*models.BillingCustomer, error)
	GetCustomerByID(id uint) (*models.BillingCustomer, error)
	CreateCustomerIfNotExists(customer *models.BillingCustomer) (*models.BillingCustomer, error)

	GetJob(jobID string) (*models.BillingJob, error)
	UpsertJobMirror(job *models.BillingJob) error
	RecordEvaluation(jobID, unmet string, at time.Time, eligible bool) error
	ListJobIDsByState(states []string, limit int) ([]string, error)
	TransitionJob(jobID string, from []string, to string) (bool, error)
	SetJobRefunded(jobID string, totalCents int64) error

	BeginCharge(attempt *models.ChargeAttempt, state string, version uint) (bool, error)
	SetAttemptIntent(id uint, paymentIntentID string) (bool, error)
	GetAttempt(id uint) (*models.ChargeAttempt, error)
	FindAttemptByIntent(paymentIntentID string) (*models.ChargeAttempt, error)
	InFlightAttempt(jobID string) (*models.ChargeAttempt, error)
	ListAttempts(jobID string) ([]models.ChargeAttempt, error)
	FailedAttemptStats(jobID string) (int64, *time.Time, error)
	ListStaleInFlight(before time.Time, limit int) ([]models.ChargeAttempt, error)
	ResolveCharge(res Resolution) (bool, error)
	SetInvoiceSync(id uint, from []string, to string) (bool, error)
	SetAttemptRefunded(id uint, totalCents int64) (bool, error)

	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	ClaimWebhookEvent(id uint, lease time.Duration) (bool, error)
	ReleaseWebhookClaim(id uint, processingError string) error
	MarkWebhookProcessed(id uint, processingError string) error

	CreateDrift(d *models.CrossSystemDrift) error
	GetDrift(id uint) (*models.CrossSystemDrift, error)
	ListDrift(openOnly bool, limit int) ([]models.CrossSystemDrift, error)
	HasOpenDrift(attemptID uint, operation string) (bool, error)
	ResolveDrift(id uint) (bool, error)
	ResolveDriftFor(attemptID uint, operation string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetCustomerByEmail(provider, email string) (*models.BillingCustomer, error) {
	var c models.BillingCustomer
	if err := r.db.Where("provider = ? AND email = ?", provider, email).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) GetCustomerByID(id uint) (*models.BillingCustomer, error) {
	var c models.BillingCustomer
	if err := r.db.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) CreateCustomerIfNotExists(customer *models.BillingCustomer) (*models.BillingCustomer, error) {
	if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(customer).Error; err != nil {
		return nil, err
	}
	return r.GetCustomerByEmail(customer.Provider, customer.Email)
}

func (r *gormRepository) GetJob(jobID string) (*models.BillingJob, error) {
	var job models.BillingJob
	if err := r.db.Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// UpsertJobMirror refreshes the mirrored case fields. Billing-owned columns
// are never touched by an upsert.
func (r *gormRepository) UpsertJobMirror(job *models.BillingJob) error {
	if job.BillingState == "" {
		job.BillingState = models.BillingStateUnbilled
	}
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_email",
			"customer_name",
			"amount_cents",
			"currency",
			"affidavit_signed",
			"updated_at",
		}),
	}).Create(job).Error; err != nil {
		return err
	}

	var stored models.BillingJob
	if err := r.db.Where("job_id = ?", job.JobID).First(&stored).Error; err != nil {
		return err
	}
	*job = stored
	return nil
}

func (r *gormRepository) RecordEvaluation(jobID, unmet string, at time.Time, eligible bool) error {
	updates := map[string]interface{}{
		"last_unmet_condition": unmet,
		"last_evaluated_at":    &at,
	}
	if eligible {
		updates["due_for_billing_at"] = gorm.Expr("COALESCE(due_for_billing_at, ?)", at)
	}
	return r.db.Model(&models.BillingJob{}).Where("job_id = ?", jobID).Updates(updates).Error
}

func (r *gormRepository) ListJobIDsByState(states []string, limit int) ([]string, error) {
	var ids []string
	err := r.db.Model(&models.BillingJob{}).
		Where("billing_state IN ?", states).
		Order("updated_at ASC").
		Limit(limit).
		Pluck("job_id", &ids).Error
	return ids, err
}

// TransitionJob moves a job to state to if it currently is in one of from.
// The boolean reports whether this call performed the transition.
func (r *gormRepository) TransitionJob(jobID string, from []string, to string) (bool, error) {
	return transitionJob(r.db, jobID, from, to, nil)
}

func transitionJob(db *gorm.DB, jobID string, from []string, to string, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"billing_state": to,
		"version":       gorm.Expr("version + 1"),
	}
	for k, v := range extra {
		updates[k] = v
	}
	tx := db.Model(&models.BillingJob{}).
		Where("job_id = ? AND billing_state IN ?", jobID, from).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) SetJobRefunded(jobID string, totalCents int64) error {
	return r.db.Model(&models.BillingJob{}).
		Where("job_id = ? AND refunded_cents < ?", jobID, totalCents).
		Update("refunded_cents", totalCents).Error
}

// BeginCharge moves the job into CHARGE_IN_FLIGHT and records the attempt in
// one transaction. The job must still be in state at version; otherwise
// another caller won and false is returned.
func (r *gormRepository) BeginCharge(attempt *models.ChargeAttempt, state string, version uint) (bool, error) {
	won := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.BillingJob{}).
			Where("job_id = ? AND billing_state = ? AND version = ?", attempt.JobID, state, version).
			Updates(map[string]interface{}{
				"billing_state":     models.BillingStateChargeInFlight,
				"payment_method_id": attempt.PaymentMethodID,
				"version":           gorm.Expr("version + 1"),
			})
		if result.Error != nil || result.RowsAffected != 1 {
			return result.Error
		}
		attempt.Status = models.ChargeStatusInFlight
		if err := tx.Create(attempt).Error; err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (r *gormRepository) SetAttemptIntent(id uint, paymentIntentID string) (bool, error) {
	tx := r.db.Model(&models.ChargeAttempt{}).
		Where("id = ? AND (payment_intent_id = '' OR payment_intent_id = ?)", id, paymentIntentID).
		Update("payment_intent_id", paymentIntentID)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) GetAttempt(id uint) (*models.ChargeAttempt, error) {
	var a models.ChargeAttempt
	if err := r.db.First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) FindAttemptByIntent(paymentIntentID string) (*models.ChargeAttempt, error) {
	var a models.ChargeAttempt
	if err := r.db.Where("payment_intent_id = ?", paymentIntentID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) InFlightAttempt(jobID string) (*models.ChargeAttempt, error) {
	var a models.ChargeAttempt
	err := r.db.Where("job_id = ? AND status = ?", jobID, models.ChargeStatusInFlight).
		Order("id DESC").
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) ListAttempts(jobID string) ([]models.ChargeAttempt, error) {
	var attempts []models.ChargeAttempt
	err := r.db.Where("job_id = ?", jobID).Order("id ASC").Find(&attempts).Error
	return attempts, err
}

// FailedAttemptStats returns the number of failed attempts for a job and the
// resolution time of the latest one.
func (r *gormRepository) FailedAttemptStats(jobID string) (int64, *time.Time, error) {
	var count int64
	q := r.db.Model(&models.ChargeAttempt{}).Where("job_id = ? AND status = ?", jobID, models.ChargeStatusFailed)
	if err := q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	var last models.ChargeAttempt
	err := r.db.Where("job_id = ? AND status = ?", jobID, models.ChargeStatusFailed).
		Order("id DESC").
		First(&last).Error
	if err != nil {
		return 0, nil, err
	}
	at := last.UpdatedAt
	if last.ResolvedAt != nil {
		at = *last.ResolvedAt
	}
	return count, &at, nil
}

func (r *gormRepository) ListStaleInFlight(before time.Time, limit int) ([]models.ChargeAttempt, error) {
	var attempts []models.ChargeAttempt
	err := r.db.Where("status = ? AND created_at < ?", models.ChargeStatusInFlight, before).
		Order("id ASC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}

// ResolveCharge records the attempt outcome and the matching job transition
// together. Only the first resolution of an in-flight attempt applies.
func (r *gormRepository) ResolveCharge(res Resolution) (bool, error) {
	applied := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		status := models.ChargeStatusFailed
		jobState := models.BillingStateChargeFailed
		if res.Succeeded {
			status = models.ChargeStatusSucceeded
			jobState = models.BillingStateCharged
		}

		at := res.At
		updates := map[string]interface{}{
			"status":          status,
			"failure_code":    res.FailureCode,
			"failure_message": res.FailureMessage,
			"resolved_at":     &at,
		}
		if res.PaymentIntentID != "" {
			updates["payment_intent_id"] = res.PaymentIntentID
		}
		if res.Succeeded {
			updates["invoice_sync"] = models.InvoiceSyncPending
		}
		result := tx.Model(&models.ChargeAttempt{}).
			Where("id = ? AND status = ?", res.AttemptID, models.ChargeStatusInFlight).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		ok, err := transitionJob(tx, res.JobID, []string{models.BillingStateChargeInFlight}, jobState, nil)
		if err != nil {
			return err
		}
		if !ok {
			log.Warnf("[Billing] Job %s was not in flight while resolving attempt %d", res.JobID, res.AttemptID)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *gormRepository) SetInvoiceSync(id uint, from []string, to string) (bool, error) {
	tx := r.db.Model(&models.ChargeAttempt{}).
		Where("id = ? AND invoice_sync IN ?", id, from).
		Update("invoice_sync", to)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// SetAttemptRefunded raises the refunded total. Totals only grow, so replays
// of older refund events are no-ops.
func (r *gormRepository) SetAttemptRefunded(id uint, totalCents int64) (bool, error) {
	tx := r.db.Model(&models.ChargeAttempt{}).
		Where("id = ? AND refunded_cents < ?", id, totalCents).
		Update("refunded_cents", totalCents)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// ClaimWebhookEvent takes a processing lease on an unprocessed event. Leases
// older than lease are considered abandoned and can be taken over.
func (r *gormRepository) ClaimWebhookEvent(id uint, lease time.Duration) (bool, error) {
	now := time.Now()
	stale := now.Add(-lease)
	tx := r.db.Model(&models.BillingWebhookEvent{}).
		Where("id = ? AND processed_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?)", id, stale).
		Update("claimed_at", &now)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) ReleaseWebhookClaim(id uint, processingError string) error {
	updates := map[string]interface{}{
		"claimed_at":       nil,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) CreateDrift(d *models.CrossSystemDrift) error {
	return r.db.Create(d).Error
}

func (r *gormRepository) GetDrift(id uint) (*models.CrossSystemDrift, error) {
	var d models.CrossSystemDrift
	if err := r.db.First(&d, id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *gormRepository) ListDrift(openOnly bool, limit int) ([]models.CrossSystemDrift, error) {
	var rows []models.CrossSystemDrift
	q := r.db.Order("id DESC").Limit(limit)
	if openOnly {
		q = q.Where("resolved_at IS NULL")
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *gormRepository) HasOpenDrift(attemptID uint, operation string) (bool, error) {
	var count int64
	err := r.db.Model(&models.CrossSystemDrift{}).
		Where("charge_attempt_id = ? AND operation = ? AND resolved_at IS NULL", attemptID, operation).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) ResolveDrift(id uint) (bool, error) {
	now := time.Now()
	tx := r.db.Model(&models.CrossSystemDrift{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", &now)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) ResolveDriftFor(attemptID uint, operation string) error {
	now := time.Now()
	return r.db.Model(&models.CrossSystemDrift{}).
		Where("charge_attempt_id = ? AND operation = ? AND resolved_at IS NULL", attemptID, operation).
		Update("resolved_at", &now).Error
}

package models

import "time"

const (
	ChargeStatusInFlight  = "in_flight"
	ChargeStatusSucceeded = "succeeded"
	ChargeStatusFailed    = "failed"
)

// Invoice propagation states for a succeeded attempt.
const (
	InvoiceSyncNone    = ""
	InvoiceSyncPending = "pending"
	InvoiceSyncQueued  = "queued"
	InvoiceSyncSynced  = "synced"
	InvoiceSyncDrift   = "drift"
)

// ChargeAttempt is one off-session charge submitted to the gateway for a job.
// PaymentIntentID stays empty until the gateway acknowledged the submission.
type ChargeAttempt struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	JobID           string     `gorm:"type:varchar(191);not null;index" json:"job_id"`
	PaymentIntentID string     `gorm:"type:varchar(191);default:'';index" json:"payment_intent_id"`
	PaymentMethodID string     `gorm:"type:varchar(191);default:''" json:"payment_method_id"`
	CustomerID      string     `gorm:"type:varchar(191);default:''" json:"customer_id"`
	AmountCents     int64      `gorm:"not null" json:"amount_cents"`
	Currency        string     `gorm:"type:varchar(3);not null" json:"currency"`
	Status          string     `gorm:"type:varchar(20);not null;default:'in_flight';index" json:"status"`
	FailureCode     string     `gorm:"type:varchar(100);default:''" json:"failure_code,omitempty"`
	FailureMessage  string     `gorm:"type:text" json:"failure_message,omitempty"`
	RefundedCents   int64      `gorm:"not null;default:0" json:"refunded_cents"`
	InvoiceSync     string     `gorm:"type:varchar(20);default:''" json:"invoice_sync,omitempty"`
	ResolvedAt      *time.Time `gorm:"type:timestamp;default:null" json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IdempotencyKey is sent with every gateway submission for this attempt, so a
// re-submission after an unknown outcome returns the original intent.
func (a *ChargeAttempt) IdempotencyKey() string {
	return "servedesk-charge-attempt-" + uintToString(a.ID)
}

package models

import "time"

const (
	DriftOperationMarkPaid = "mark_paid"
	DriftOperationRefund   = "refund_not_propagated"
)

// CrossSystemDrift records a payment-side fact that could not be propagated
// to the case-management system. Open rows need manual reconciliation.
type CrossSystemDrift struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	JobID           string     `gorm:"type:varchar(191);not null;index" json:"job_id"`
	ChargeAttemptID uint       `gorm:"not null;default:0;index" json:"charge_attempt_id"`
	EventID         string     `gorm:"type:varchar(191);default:''" json:"event_id"`
	Operation       string     `gorm:"type:varchar(50);not null" json:"operation"`
	Error           string     `gorm:"type:text" json:"error"`
	ResolvedAt      *time.Time `gorm:"type:timestamp;default:null;index" json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

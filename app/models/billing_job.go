package models

import "time"

const (
	BillingStateUnbilled       = "UNBILLED"
	BillingStateChargeInFlight = "CHARGE_IN_FLIGHT"
	BillingStateCharged        = "CHARGED"
	BillingStateChargeFailed   = "CHARGE_FAILED"
	BillingStateRefunded       = "REFUNDED"
)

// BillingJob is the billing-side record of a case-management job. The
// case-management system stays authoritative for the job itself; this row
// mirrors the fields the billing trigger needs and owns BillingState.
type BillingJob struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	JobID              string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"job_id"`
	CustomerEmail      string     `gorm:"type:varchar(200);default:'';index" json:"customer_email"`
	CustomerName       string     `gorm:"type:varchar(200);default:''" json:"customer_name"`
	AmountCents        int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency           string     `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	DueForBillingAt    *time.Time `gorm:"type:timestamp;default:null" json:"due_for_billing_at,omitempty"`
	AffidavitSigned    bool       `gorm:"default:false;index" json:"affidavit_signed"`
	BillingState       string     `gorm:"type:varchar(32);not null;default:'UNBILLED';index" json:"billing_state"`
	PaymentMethodID    string     `gorm:"type:varchar(191);default:''" json:"payment_method_id"`
	RefundedCents      int64      `gorm:"not null;default:0" json:"refunded_cents"`
	LastUnmetCondition string     `gorm:"type:varchar(255);default:''" json:"last_unmet_condition"`
	LastEvaluatedAt    *time.Time `gorm:"type:timestamp;default:null" json:"last_evaluated_at,omitempty"`
	Version            uint       `gorm:"not null;default:0" json:"version"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsOpen reports whether the job can still produce billing activity.
func (j *BillingJob) IsOpen() bool {
	switch j.BillingState {
	case BillingStateCharged, BillingStateRefunded:
		return false
	default:
		return true
	}
}

package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
	BillingProviderFake   = "fake"
)

// BillingCustomer links a contact email to the payment gateway's customer
// record. The gateway owns the customer; this row only caches the lookup so
// repeated setups for the same email never create a second customer.
type BillingCustomer struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:ux_billing_customers_provider_email,unique,priority:1;index:ux_billing_customers_provider_customer,unique,priority:1" json:"provider"`
	Email             string    `gorm:"type:varchar(200);not null;index:ux_billing_customers_provider_email,unique,priority:2" json:"email"`
	DisplayName       string    `gorm:"type:varchar(200);default:''" json:"display_name"`
	GatewayCustomerID string    `gorm:"type:varchar(191);not null;index:ux_billing_customers_provider_customer,unique,priority:2" json:"gateway_customer_id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

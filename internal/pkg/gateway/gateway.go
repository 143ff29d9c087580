package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrUnavailable means the outcome of the call is unknown (timeout,
	// transport failure, gateway 5xx). Retrying with the same idempotency key
	// is safe.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrDeclined is matched by *DeclineError.
	ErrDeclined = errors.New("payment declined")
	// ErrNotFound is returned for unknown gateway objects.
	ErrNotFound = errors.New("gateway object not found")
	// ErrSignatureInvalid is returned by ParseWebhook.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedEvent is returned by ParseWebhook when the signature
	// verified but the event object could not be decoded.
	ErrMalformedEvent = errors.New("webhook event malformed")
)

// Intent statuses as reported by the gateway.
const (
	StatusSucceeded             = "succeeded"
	StatusProcessing            = "processing"
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusRequiresAction        = "requires_action"
	StatusRequiresConfirmation  = "requires_confirmation"
	StatusCanceled              = "canceled"
)

// Webhook event types the reconciler dispatches on.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventSetupSucceeded   = "setup_intent.succeeded"
	EventChargeRefunded   = "charge.refunded"
)

// Metadata keys attached to every charge.
const (
	MetadataJobID           = "job_id"
	MetadataChargeAttemptID = "charge_attempt_id"
)

type Customer struct {
	ID    string
	Email string
	Name  string
}

type SetupIntent struct {
	ID              string
	CustomerID      string
	ClientSecret    string
	Status          string
	PaymentMethodID string
	FailureCode     string
	FailureMessage  string
}

type PaymentMethod struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	Brand      string    `json:"brand"`
	Last4      string    `json:"last4"`
	ExpMonth   int       `json:"expMonth"`
	ExpYear    int       `json:"expYear"`
	CreatedAt  time.Time `json:"createdAt"`
}

type PaymentIntent struct {
	ID              string
	Status          string
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Metadata        map[string]string
	FailureCode     string
	FailureMessage  string
}

// Terminal reports whether the intent will not change status on its own.
func (p *PaymentIntent) Terminal() bool {
	switch p.Status {
	case StatusSucceeded, StatusCanceled, StatusRequiresPaymentMethod:
		return true
	}
	return false
}

// ChargeRequest is an off-session, immediately confirmed charge.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Description     string
	Metadata        map[string]string
	IdempotencyKey  string
}

type RefundRequest struct {
	PaymentIntentID string
	AmountCents     int64
	IdempotencyKey  string
	Metadata        map[string]string
}

type Refund struct {
	ID          string
	Status      string
	AmountCents int64
}

// RefundedCharge is the payload of a charge.refunded event.
type RefundedCharge struct {
	ChargeID        string
	PaymentIntentID string
	AmountCents     int64
	RefundedCents   int64
	Metadata        map[string]string
}

// Event is a verified webhook event. Exactly one of the typed payloads is
// set for the event types above.
type Event struct {
	ID            string
	Type          string
	Created       time.Time
	PaymentIntent *PaymentIntent
	SetupIntent   *SetupIntent
	Charge        *RefundedCharge
}

// DeclineError carries the gateway's decline reason.
type DeclineError struct {
	Code    string
	Message string
	// Intent is the declined intent when the gateway created one.
	Intent *PaymentIntent
}

func (e *DeclineError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("payment declined: %s", e.Message)
	}
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

func (e *DeclineError) Is(target error) bool { return target == ErrDeclined }

// Gateway is the payment gateway boundary.
type Gateway interface {
	Provider() string

	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	CreateCustomer(ctx context.Context, email, name string) (*Customer, error)

	CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error)
	GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntent, error)

	GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error

	// CreatePaymentIntent returns a *DeclineError when the charge is
	// declined synchronously and ErrUnavailable when the outcome is unknown.
	CreatePaymentIntent(ctx context.Context, req ChargeRequest) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	// FindPaymentIntentByAttempt returns nil, nil when nothing matches.
	FindPaymentIntentByAttempt(ctx context.Context, chargeAttemptID string) (*PaymentIntent, error)

	CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error)

	ParseWebhook(payload []byte, signatureHeader string) (*Event, error)
}

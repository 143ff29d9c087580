package billing

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/casemgmt"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
)

var (
	// ErrSetupFailed is matched by *SetupFailedError.
	ErrSetupFailed = errors.New("payment method setup failed")

	// ErrNoPaymentMethod is matched by *PreconditionError: the job is not
	// chargeable right now.
	ErrNoPaymentMethod = errors.New("billing preconditions not met")

	// ErrChargeDeclined is matched by *DeclineError.
	ErrChargeDeclined = errors.New("charge declined")

	// ErrUpstreamUnavailable means a gateway or case-management call failed
	// transiently. The caller may retry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCrossSystemDrift is matched by *DriftError.
	ErrCrossSystemDrift = errors.New("cross-system drift")

	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrInvalidState     = errors.New("invalid billing state")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotFound         = errors.New("not found")
)

// Unmet trigger conditions recorded on the billing job.
const (
	ConditionAffidavitUnsigned = "affidavit_unsigned"
	ConditionBillingState      = "billing_state"
	ConditionNoPaymentMethod   = "no_payment_method"
	ConditionNonPositiveAmount = "non_positive_amount"
	ConditionRetryPolicy       = "retry_policy"
)

// SetupFailedError is returned when the gateway rejected card verification.
type SetupFailedError struct {
	SetupToken string
	Code       string
	Reason     string
}

func (e *SetupFailedError) Error() string {
	return fmt.Sprintf("setup %s failed (%s): %s", e.SetupToken, e.Code, e.Reason)
}

func (e *SetupFailedError) Is(target error) bool { return target == ErrSetupFailed }

// PreconditionError lists every condition that kept a job from being charged.
type PreconditionError struct {
	JobID string
	Unmet []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("job %s not chargeable: %s", e.JobID, strings.Join(e.Unmet, ", "))
}

func (e *PreconditionError) Is(target error) bool { return target == ErrNoPaymentMethod }

// Has reports whether condition is among the unmet ones.
func (e *PreconditionError) Has(condition string) bool {
	for _, c := range e.Unmet {
		if c == condition {
			return true
		}
	}
	return false
}

// DeclineError is returned when the gateway declined a charge. The attempt is
// already recorded as failed.
type DeclineError struct {
	JobID     string
	AttemptID uint
	Code      string
	Message   string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("charge attempt %d for job %s declined (%s): %s", e.AttemptID, e.JobID, e.Code, e.Message)
}

func (e *DeclineError) Is(target error) bool { return target == ErrChargeDeclined }

// DriftError reports a payment-side fact that did not reach case management.
type DriftError struct {
	JobID     string
	AttemptID uint
	Operation string
	Err       error
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%s for job %s (attempt %d) not propagated: %v", e.Operation, e.JobID, e.AttemptID, e.Err)
}

func (e *DriftError) Is(target error) bool { return target == ErrCrossSystemDrift }

func (e *DriftError) Unwrap() error { return e.Err }

// upstream folds transient gateway and case-management failures into
// ErrUpstreamUnavailable and leaves everything else untouched.
func upstream(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrUnavailable) || errors.Is(err, casemgmt.ErrUnavailable) {
		return errors.Wrapf(ErrUpstreamUnavailable, "%s: %v", msg, err)
	}
	if errors.Is(err, gateway.ErrNotFound) || errors.Is(err, casemgmt.ErrNotFound) {
		return errors.Wrapf(ErrNotFound, "%s: %v", msg, err)
	}
	return errors.Wrap(err, msg)
}

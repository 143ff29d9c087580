package billing

import "github.com/ManuelReschke/ServeDesk/app/models"

// Mode tells the trigger who asked for a charge.
type Mode string

const (
	// ModeAuto is a charge started by an observed job change. It honors the
	// retry policy.
	ModeAuto Mode = "auto"
	// ModeManual is an operator-initiated charge. It ignores the retry policy.
	ModeManual Mode = "manual"
)

var transitions = map[string][]string{
	models.BillingStateUnbilled:       {models.BillingStateChargeInFlight},
	models.BillingStateChargeFailed:   {models.BillingStateChargeInFlight},
	models.BillingStateChargeInFlight: {models.BillingStateCharged, models.BillingStateChargeFailed},
	models.BillingStateCharged:        {models.BillingStateRefunded},
}

// CanTransition reports whether a job may move from one billing state to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// chargeableStates are the states a charge may start from.
var chargeableStates = []string{models.BillingStateUnbilled, models.BillingStateChargeFailed}

// OpenStates are the states the change poller keeps watching.
var OpenStates = []string{
	models.BillingStateUnbilled,
	models.BillingStateChargeFailed,
	models.BillingStateChargeInFlight,
}

func isChargeable(state string) bool {
	for _, s := range chargeableStates {
		if s == state {
			return true
		}
	}
	return false
}

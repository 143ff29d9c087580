package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBillingJobIsOpen(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{BillingStateUnbilled, true},
		{BillingStateChargeInFlight, true},
		{BillingStateChargeFailed, true},
		{BillingStateCharged, false},
		{BillingStateRefunded, false},
	}

	for _, tt := range tests {
		job := &BillingJob{BillingState: tt.state}
		assert.Equal(t, tt.want, job.IsOpen(), tt.state)
	}
}

func TestChargeAttemptIdempotencyKey(t *testing.T) {
	a := &ChargeAttempt{ID: 42}
	assert.Equal(t, "servedesk-charge-attempt-42", a.IdempotencyKey())

	b := &ChargeAttempt{ID: 43}
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
}

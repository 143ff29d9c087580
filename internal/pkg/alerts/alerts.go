package alerts

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Drift describes a payment-side fact that did not reach the case-management
// system.
type Drift struct {
	JobID           string
	ChargeAttemptID uint
	EventID         string
	Operation       string
	Err             error
}

// Alerter emits machine-readable alert lines for operator follow-up.
type Alerter struct {
	logger *logrus.Logger
}

// New writes JSON alerts to out. A nil out means stderr.
func New(out io.Writer) *Alerter {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.WarnLevel)
	return &Alerter{logger: logger}
}

// CrossSystemDrift emits one alert line per drift.
func (a *Alerter) CrossSystemDrift(d Drift) {
	if a == nil {
		return
	}
	fields := logrus.Fields{
		"alert":             "cross_system_drift",
		"job_id":            d.JobID,
		"charge_attempt_id": d.ChargeAttemptID,
		"event_id":          d.EventID,
		"operation":         d.Operation,
	}
	if d.Err != nil {
		fields["error"] = d.Err.Error()
	}
	a.logger.WithFields(fields).Error("invoice state not propagated to case management")
}

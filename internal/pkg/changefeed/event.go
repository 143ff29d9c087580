package changefeed

import (
	"time"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
)

// Kind classifies a job change.
type Kind string

const (
	KindNewAttempt    Kind = "NEW_ATTEMPT"
	KindStatusChange  Kind = "STATUS_CHANGE"
	KindDocumentAdded Kind = "DOCUMENT_ADDED"
	KindJobUpdated    Kind = "JOB_UPDATED"
)

// Event is one detected change. Data holds []casejob.Attempt for
// NEW_ATTEMPT, StatusChange for STATUS_CHANGE, []casejob.Document for
// DOCUMENT_ADDED and *casejob.Job for JOB_UPDATED.
type Event struct {
	JobID     string      `json:"jobId"`
	Kind      Kind        `json:"kind"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusChange is the payload of a STATUS_CHANGE event.
type StatusChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Observation is the result of feeding one job snapshot through the feed.
type Observation struct {
	JobID    string
	Source   string
	Previous *casejob.Job
	Current  *casejob.Job
	Events   []Event
	// Baseline is set the first time a job is seen; Events is empty then.
	Baseline bool
}

// Changed reports whether the observation carries events.
func (o Observation) Changed() bool {
	return len(o.Events) > 0
}

package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeInvoiceMarkPaid JobType = "invoice_mark_paid"
	JobTypeJobResync       JobType = "job_resync"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// InvoiceMarkPaidPayload asks the worker to propagate a succeeded charge to
// the case-management invoice.
type InvoiceMarkPaidPayload struct {
	ChargeAttemptID uint   `json:"charge_attempt_id"`
	EventID         string `json:"event_id"`
}

// ToMap converts the payload to a map for storage
func (p InvoiceMarkPaidPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"charge_attempt_id": p.ChargeAttemptID,
		"event_id":          p.EventID,
	}
}

// InvoiceMarkPaidPayloadFromMap creates a payload from a map
func InvoiceMarkPaidPayloadFromMap(data map[string]interface{}) (*InvoiceMarkPaidPayload, error) {
	var payload InvoiceMarkPaidPayload
	err := fromMap(data, &payload)
	return &payload, err
}

// JobResyncPayload asks the worker to pull one case-management job through
// the change feed.
type JobResyncPayload struct {
	JobID string `json:"job_id"`
}

func (p JobResyncPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"job_id": p.JobID,
	}
}

func JobResyncPayloadFromMap(data map[string]interface{}) (*JobResyncPayload, error) {
	var payload JobResyncPayload
	err := fromMap(data, &payload)
	return &payload, err
}

func fromMap(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

package casejob

import (
	"sort"
	"time"
)

// Attempt is one service attempt recorded against a job.
type Attempt struct {
	ID          string     `json:"id"`
	Status      string     `json:"status,omitempty"`
	Description string     `json:"description,omitempty"`
	AttemptedAt *time.Time `json:"attemptedAt,omitempty"`
}

// Document is a file attached to a job, e.g. a signed affidavit.
type Document struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// Job is the canonical shape of a case-management job. Everything past the
// boundary adapter works on this type only.
type Job struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	AffidavitSigned bool              `json:"affidavitSigned"`
	AmountCents     int64             `json:"amountCents"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customerEmail,omitempty"`
	CustomerName    string            `json:"customerName,omitempty"`
	InvoiceID       string            `json:"invoiceId,omitempty"`
	InvoiceStatus   string            `json:"invoiceStatus,omitempty"`
	Attempts        []Attempt         `json:"attempts"`
	Documents       []Document        `json:"documents"`
	Fields          map[string]string `json:"fields,omitempty"`
}

// FieldKeys returns the keys of Fields in sorted order.
func (j *Job) FieldKeys() []string {
	keys := make([]string, 0, len(j.Fields))
	for k := range j.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package changefeed

import (
	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
)

// Diff compares two snapshots of the same job. Events come in a fixed order:
// new attempts, status change, new documents, generic update. Diff is pure;
// timestamps are left zero for the caller to stamp. A nil prev yields no
// events because there is nothing to compare against.
func Diff(prev, cur *casejob.Job) []Event {
	if prev == nil || cur == nil {
		return nil
	}

	var events []Event

	if added := newAttempts(prev, cur); len(added) > 0 {
		events = append(events, Event{JobID: cur.ID, Kind: KindNewAttempt, Data: added})
	}

	if prev.Status != cur.Status {
		events = append(events, Event{JobID: cur.ID, Kind: KindStatusChange, Data: StatusChange{Old: prev.Status, New: cur.Status}})
	}

	if added := newDocuments(prev, cur); len(added) > 0 {
		events = append(events, Event{JobID: cur.ID, Kind: KindDocumentAdded, Data: added})
	}

	if otherFieldsChanged(prev, cur) {
		events = append(events, Event{JobID: cur.ID, Kind: KindJobUpdated, Data: cur})
	}

	return events
}

func newAttempts(prev, cur *casejob.Job) []casejob.Attempt {
	seen := make(map[string]struct{}, len(prev.Attempts))
	for _, a := range prev.Attempts {
		seen[a.ID] = struct{}{}
	}
	var out []casejob.Attempt
	for _, a := range cur.Attempts {
		if _, ok := seen[a.ID]; !ok {
			out = append(out, a)
		}
	}
	return out
}

func newDocuments(prev, cur *casejob.Job) []casejob.Document {
	seen := make(map[string]struct{}, len(prev.Documents))
	for _, d := range prev.Documents {
		seen[d.ID] = struct{}{}
	}
	var out []casejob.Document
	for _, d := range cur.Documents {
		if _, ok := seen[d.ID]; !ok {
			out = append(out, d)
		}
	}
	return out
}

// otherFieldsChanged covers everything except status and added attempts or
// documents. Edits to or removals of existing attempts and documents count.
func otherFieldsChanged(prev, cur *casejob.Job) bool {
	if existingAttemptsChanged(prev, cur) || existingDocumentsChanged(prev, cur) {
		return true
	}
	if prev.AffidavitSigned != cur.AffidavitSigned ||
		prev.AmountCents != cur.AmountCents ||
		prev.Currency != cur.Currency ||
		prev.CustomerEmail != cur.CustomerEmail ||
		prev.CustomerName != cur.CustomerName ||
		prev.InvoiceID != cur.InvoiceID ||
		prev.InvoiceStatus != cur.InvoiceStatus {
		return true
	}
	if len(prev.Fields) != len(cur.Fields) {
		return true
	}
	for k, v := range prev.Fields {
		if cv, ok := cur.Fields[k]; !ok || cv != v {
			return true
		}
	}
	return false
}

func existingAttemptsChanged(prev, cur *casejob.Job) bool {
	byID := make(map[string]casejob.Attempt, len(cur.Attempts))
	for _, a := range cur.Attempts {
		byID[a.ID] = a
	}
	for _, a := range prev.Attempts {
		c, ok := byID[a.ID]
		if !ok || !sameAttempt(a, c) {
			return true
		}
	}
	return false
}

func sameAttempt(a, b casejob.Attempt) bool {
	if a.ID != b.ID || a.Status != b.Status || a.Description != b.Description {
		return false
	}
	if a.AttemptedAt == nil || b.AttemptedAt == nil {
		return a.AttemptedAt == nil && b.AttemptedAt == nil
	}
	return a.AttemptedAt.Equal(*b.AttemptedAt)
}

func existingDocumentsChanged(prev, cur *casejob.Job) bool {
	byID := make(map[string]casejob.Document, len(cur.Documents))
	for _, d := range cur.Documents {
		byID[d.ID] = d
	}
	for _, d := range prev.Documents {
		if c, ok := byID[d.ID]; !ok || c != d {
			return true
		}
	}
	return false
}

package changefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
)

func baseJob() *casejob.Job {
	return &casejob.Job{
		ID:          "J-1",
		Status:      "in_progress",
		AmountCents: 8500,
		Currency:    "usd",
		Attempts:    []casejob.Attempt{{ID: "a1", Status: "unsuccessful"}},
		Documents:   []casejob.Document{{ID: "d1", Name: "summons.pdf"}},
		Fields:      map[string]string{"recipient": "John Doe"},
	}
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestDiffNoChanges(t *testing.T) {
	assert.Empty(t, Diff(baseJob(), baseJob()))
}

func TestDiffNilPrevious(t *testing.T) {
	assert.Nil(t, Diff(nil, baseJob()))
}

func TestDiffFixedOrder(t *testing.T) {
	prev := baseJob()
	cur := baseJob()
	cur.Attempts = append(cur.Attempts, casejob.Attempt{ID: "a2", Status: "served"})
	cur.Status = "served"
	cur.Documents = append(cur.Documents, casejob.Document{ID: "d2", Name: "affidavit.pdf"})
	cur.AffidavitSigned = true

	events := Diff(prev, cur)
	require.Equal(t, []Kind{KindNewAttempt, KindStatusChange, KindDocumentAdded, KindJobUpdated}, kinds(events))

	assert.Equal(t, []casejob.Attempt{{ID: "a2", Status: "served"}}, events[0].Data)
	assert.Equal(t, StatusChange{Old: "in_progress", New: "served"}, events[1].Data)
	assert.Equal(t, []casejob.Document{{ID: "d2", Name: "affidavit.pdf"}}, events[2].Data)
	assert.Same(t, cur, events[3].Data)
	for _, e := range events {
		assert.Equal(t, "J-1", e.JobID)
		assert.True(t, e.Timestamp.IsZero())
	}
}

func TestDiffNewAttemptCarriesOnlySubset(t *testing.T) {
	prev := baseJob()
	cur := baseJob()
	cur.Attempts = []casejob.Attempt{{ID: "a0"}, {ID: "a1", Status: "unsuccessful"}, {ID: "a3"}}

	events := Diff(prev, cur)
	require.Len(t, events, 1)
	assert.Equal(t, []casejob.Attempt{{ID: "a0"}, {ID: "a3"}}, events[0].Data)
}

func TestDiffRemovalsAreGenericUpdates(t *testing.T) {
	prev := baseJob()
	cur := baseJob()
	cur.Attempts = nil
	cur.Documents = nil

	events := Diff(prev, cur)
	require.Len(t, events, 1)
	assert.Equal(t, KindJobUpdated, events[0].Kind)
	assert.Same(t, cur, events[0].Data)
}

func TestDiffEditedAttemptOrDocument(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	later := at.Add(time.Hour)

	tests := []struct {
		name   string
		mutate func(j *casejob.Job)
	}{
		{"attempt status", func(j *casejob.Job) { j.Attempts[0].Status = "served" }},
		{"attempt description", func(j *casejob.Job) { j.Attempts[0].Description = "left with roommate" }},
		{"attempt time set", func(j *casejob.Job) { j.Attempts[0].AttemptedAt = &at }},
		{"document renamed", func(j *casejob.Job) {
			j.Documents[0] = casejob.Document{ID: "d1", Name: "summons-signed.pdf", Kind: "affidavit"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := baseJob()
			tt.mutate(cur)
			assert.Equal(t, []Kind{KindJobUpdated}, kinds(Diff(baseJob(), cur)))
		})
	}

	t.Run("attempt time moved", func(t *testing.T) {
		prev := baseJob()
		prev.Attempts[0].AttemptedAt = &at
		cur := baseJob()
		cur.Attempts[0].AttemptedAt = &later
		assert.Equal(t, []Kind{KindJobUpdated}, kinds(Diff(prev, cur)))
	})

	t.Run("same attempt time in another pointer", func(t *testing.T) {
		same := at
		prev := baseJob()
		prev.Attempts[0].AttemptedAt = &at
		cur := baseJob()
		cur.Attempts[0].AttemptedAt = &same
		assert.Empty(t, Diff(prev, cur))
	})
}

func TestDiffAdditionAlongsideEdit(t *testing.T) {
	prev := baseJob()
	cur := baseJob()
	cur.Attempts = []casejob.Attempt{{ID: "a1", Status: "served"}, {ID: "a2"}}

	events := Diff(prev, cur)
	assert.Equal(t, []Kind{KindNewAttempt, KindJobUpdated}, kinds(events))
	assert.Equal(t, []casejob.Attempt{{ID: "a2"}}, events[0].Data)
}

func TestDiffGenericUpdates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(j *casejob.Job)
	}{
		{"amount", func(j *casejob.Job) { j.AmountCents = 9000 }},
		{"affidavit", func(j *casejob.Job) { j.AffidavitSigned = true }},
		{"email", func(j *casejob.Job) { j.CustomerEmail = "new@example.com" }},
		{"invoice status", func(j *casejob.Job) { j.InvoiceStatus = "paid" }},
		{"field changed", func(j *casejob.Job) { j.Fields["recipient"] = "Jane Doe" }},
		{"field added", func(j *casejob.Job) { j.Fields["priority"] = "rush" }},
		{"field removed", func(j *casejob.Job) { j.Fields = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := baseJob()
			tt.mutate(cur)
			assert.Equal(t, []Kind{KindJobUpdated}, kinds(Diff(baseJob(), cur)))
		})
	}
}

func TestDiffIsRestartable(t *testing.T) {
	prev := baseJob()
	cur := baseJob()
	cur.Status = "served"
	cur.Attempts = append(cur.Attempts, casejob.Attempt{ID: "a2"})

	assert.Equal(t, Diff(prev, cur), Diff(prev, cur))
}

package casejob

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newV1(t *testing.T) Normalizer {
	t.Helper()
	n, err := New("v1", Options{DefaultCurrency: "usd"})
	require.NoError(t, err)
	return n
}

func TestNewUnknownVersion(t *testing.T) {
	_, err := New("v9", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v1")
}

func TestV1NormalizeFlatPayload(t *testing.T) {
	raw := []byte(`{
		"id": 4711,
		"status": "served",
		"affidavit_signed": true,
		"amount": "85.00",
		"customer": {"email": "Firm@Example.com", "name": "Law Firm LLP"},
		"invoice": {"id": "INV-9", "status": "issued"},
		"attempts": [
			{"id": "a1", "status": "unsuccessful", "attempted_at": "2024-03-01T10:00:00Z"},
			{"attempt_id": "a2", "result": "served", "notes": "left with spouse"},
			{"status": "no id, skipped"}
		],
		"documents": [{"id": "d1", "filename": "affidavit.pdf", "type": "affidavit"}],
		"recipient_name": "John Doe",
		"due_date": "2024-03-10"
	}`)

	job, err := newV1(t).Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "4711", job.ID)
	assert.Equal(t, "served", job.Status)
	assert.True(t, job.AffidavitSigned)
	assert.Equal(t, int64(8500), job.AmountCents)
	assert.Equal(t, "usd", job.Currency)
	assert.Equal(t, "firm@example.com", job.CustomerEmail)
	assert.Equal(t, "Law Firm LLP", job.CustomerName)
	assert.Equal(t, "INV-9", job.InvoiceID)
	assert.Equal(t, "issued", job.InvoiceStatus)

	require.Len(t, job.Attempts, 2)
	assert.Equal(t, "a1", job.Attempts[0].ID)
	require.NotNil(t, job.Attempts[0].AttemptedAt)
	assert.Equal(t, 2024, job.Attempts[0].AttemptedAt.Year())
	assert.Equal(t, "a2", job.Attempts[1].ID)
	assert.Equal(t, "served", job.Attempts[1].Status)
	assert.Equal(t, "left with spouse", job.Attempts[1].Description)

	require.Len(t, job.Documents, 1)
	assert.Equal(t, Document{ID: "d1", Name: "affidavit.pdf", Kind: "affidavit"}, job.Documents[0])

	assert.Equal(t, "John Doe", job.Fields["recipient"])
	assert.Equal(t, "2024-03-10", job.Fields["due_date"])
	assert.Equal(t, []string{"due_date", "recipient"}, job.FieldKeys())
}

func TestV1NormalizeEnvelopeAndAlternateNames(t *testing.T) {
	raw := []byte(`{"data": {
		"jobId": "J-2",
		"status": {"name": "in_progress"},
		"affidavit": {"status": "Signed"},
		"amountCents": 12050,
		"currency": "USD",
		"client": {"email": "a@b.c", "name": "Client"},
		"service_attempts": [],
		"files": []
	}}`)

	job, err := newV1(t).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "J-2", job.ID)
	assert.Equal(t, "in_progress", job.Status)
	assert.True(t, job.AffidavitSigned)
	assert.Equal(t, int64(12050), job.AmountCents)
	assert.Equal(t, "usd", job.Currency)
	assert.Equal(t, "a@b.c", job.CustomerEmail)
	assert.Empty(t, job.Attempts)
	assert.NotNil(t, job.Attempts)
	assert.Nil(t, job.Fields)
}

func TestV1Amounts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
	}{
		{"numeric major units", `{"id":"1","amount":85}`, 8500},
		{"string with symbol", `{"id":"1","total":"$1,250.50"}`, 125050},
		{"rounding", `{"id":"1","fee":"19.999"}`, 2000},
		{"missing", `{"id":"1"}`, 0},
		{"cents wins", `{"id":"1","amount_cents":"300","amount":"99.00"}`, 300},
	}

	n := newV1(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := n.Normalize([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, job.AmountCents)
		})
	}
}

func TestV1AffidavitVariants(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`{"id":"1","affidavitSigned":"true"}`, true},
		{`{"id":"1","affidavit_signed":1}`, true},
		{`{"id":"1","affidavit_signed":"signed"}`, true},
		{`{"id":"1","affidavit":{"signed":false}}`, false},
		{`{"id":"1","affidavit_status":"pending"}`, false},
		{`{"id":"1"}`, false},
	}

	n := newV1(t)
	for _, tt := range tests {
		job, err := n.Normalize([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, job.AffidavitSigned, tt.raw)
	}
}

func TestV1Malformed(t *testing.T) {
	n := newV1(t)
	for _, raw := range []string{`not json`, `{"status":"x"}`, `{"id":"1","amount":"eighty"}`} {
		_, err := n.Normalize([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformed), raw)
	}
}

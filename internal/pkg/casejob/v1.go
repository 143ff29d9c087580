package casejob

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

func init() {
	register("v1", func(opts Options) Normalizer { return &v1{opts: opts} })
}

// Ordered fallback paths per logical attribute. The first path that yields a
// value wins.
var (
	v1IDPaths            = []string{"id", "job_id", "jobId"}
	v1StatusPaths        = []string{"status.name", "status", "job_status", "jobStatus", "state"}
	v1AffidavitBoolPaths = []string{"affidavit_signed", "affidavitSigned", "affidavit.signed", "affidavit.is_signed"}
	v1AffidavitTextPaths = []string{"affidavit.status", "affidavit_status", "affidavitStatus"}
	v1AmountCentsPaths   = []string{"amount_cents", "amountCents", "invoice.amount_cents", "invoice.amountCents"}
	v1AmountPaths        = []string{"invoice.total", "invoice.amount", "amount", "total", "fee", "price"}
	v1CurrencyPaths      = []string{"invoice.currency", "currency"}
	v1EmailPaths         = []string{"customer.email", "client.email", "customer_email", "customerEmail", "contact.email", "billing_email"}
	v1NamePaths          = []string{"customer.name", "client.name", "customer_name", "customerName", "contact.name", "client.company"}
	v1InvoiceIDPaths     = []string{"invoice.id", "invoice_id", "invoiceId"}
	v1InvoiceStatusPaths = []string{"invoice.status", "invoice_status", "invoiceStatus"}
	v1AttemptsPaths      = []string{"attempts", "service_attempts", "serviceAttempts"}
	v1DocumentsPaths     = []string{"documents", "files", "attachments"}

	v1AttemptIDPaths   = []string{"id", "attempt_id", "attemptId"}
	v1AttemptStatus    = []string{"status", "result", "outcome"}
	v1AttemptDesc      = []string{"description", "notes", "comment"}
	v1AttemptWhenPaths = []string{"attempted_at", "attemptedAt", "date", "timestamp", "created_at"}

	v1DocumentIDPaths   = []string{"id", "document_id", "documentId", "file_id"}
	v1DocumentNamePaths = []string{"name", "filename", "file_name", "title"}
	v1DocumentKindPaths = []string{"kind", "type", "document_type", "category"}

	// extra fields, canonical key -> fallbacks
	v1ExtraFields = map[string][]string{
		"recipient":       {"recipient.name", "recipient_name", "servee.name", "servee_name"},
		"service_address": {"service_address", "serviceAddress", "address.full", "address"},
		"due_date":        {"due_date", "dueDate", "deadline"},
		"priority":        {"priority", "rush"},
		"court_case":      {"court_case.number", "case_number", "caseNumber"},
	}

	v1SignedWords = map[string]struct{}{
		"signed": {}, "completed": {}, "complete": {}, "executed": {}, "notarized": {},
	}
)

type v1 struct {
	opts Options
}

func (n *v1) Version() string { return "v1" }

func (n *v1) Normalize(raw []byte) (*Job, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.Wrap(ErrMalformed, "invalid JSON")
	}
	root := gjson.ParseBytes(raw)
	// some endpoints wrap the record in {"data": {...}} or {"job": {...}}
	if firstString(root, v1IDPaths) == "" {
		for _, envelope := range []string{"data", "job"} {
			if inner := root.Get(envelope); inner.IsObject() {
				root = inner
				break
			}
		}
	}

	id := firstString(root, v1IDPaths)
	if id == "" {
		return nil, errors.Wrap(ErrMalformed, "job id missing")
	}

	amount, err := amountCents(root)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", id)
	}

	job := &Job{
		ID:              id,
		Status:          firstString(root, v1StatusPaths),
		AffidavitSigned: affidavitSigned(root),
		AmountCents:     amount,
		Currency:        strings.ToLower(firstString(root, v1CurrencyPaths)),
		CustomerEmail:   strings.ToLower(firstString(root, v1EmailPaths)),
		CustomerName:    firstString(root, v1NamePaths),
		InvoiceID:       firstString(root, v1InvoiceIDPaths),
		InvoiceStatus:   strings.ToLower(firstString(root, v1InvoiceStatusPaths)),
		Attempts:        attempts(root),
		Documents:       documents(root),
	}
	if job.Currency == "" {
		job.Currency = n.opts.DefaultCurrency
	}

	for key, paths := range v1ExtraFields {
		if v := firstString(root, paths); v != "" {
			if job.Fields == nil {
				job.Fields = map[string]string{}
			}
			job.Fields[key] = v
		}
	}

	return job, nil
}

func first(root gjson.Result, paths []string) gjson.Result {
	for _, p := range paths {
		r := root.Get(p)
		if r.Exists() && r.Type != gjson.Null && !(r.Type == gjson.String && strings.TrimSpace(r.Str) == "") {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(root gjson.Result, paths []string) string {
	r := first(root, paths)
	if !r.Exists() || r.IsObject() || r.IsArray() {
		return ""
	}
	return strings.TrimSpace(cast.ToString(r.Value()))
}

func affidavitSigned(root gjson.Result) bool {
	if r := first(root, v1AffidavitBoolPaths); r.Exists() {
		if r.Type == gjson.String {
			if _, ok := v1SignedWords[strings.ToLower(strings.TrimSpace(r.Str))]; ok {
				return true
			}
		}
		return cast.ToBool(r.Value())
	}
	status := strings.ToLower(firstString(root, v1AffidavitTextPaths))
	_, ok := v1SignedWords[status]
	return ok
}

// amountCents prefers explicit minor-unit fields and falls back to a major
// unit amount, e.g. "85.00" or "$1,250.5".
func amountCents(root gjson.Result) (int64, error) {
	if r := first(root, v1AmountCentsPaths); r.Exists() {
		cents, err := cast.ToInt64E(r.Value())
		if err != nil {
			return 0, errors.Wrap(ErrMalformed, "amount in cents is not an integer")
		}
		return cents, nil
	}

	r := first(root, v1AmountPaths)
	if !r.Exists() {
		return 0, nil
	}
	raw := r.Raw
	if r.Type == gjson.String {
		raw = strings.NewReplacer("$", "", ",", "", " ", "").Replace(r.Str)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "amount %q is not a number", r.String())
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func attempts(root gjson.Result) []Attempt {
	list := first(root, v1AttemptsPaths)
	out := []Attempt{}
	if !list.IsArray() {
		return out
	}
	list.ForEach(func(_, item gjson.Result) bool {
		a := Attempt{
			ID:          firstString(item, v1AttemptIDPaths),
			Status:      firstString(item, v1AttemptStatus),
			Description: firstString(item, v1AttemptDesc),
		}
		if a.ID == "" {
			return true
		}
		if ts := first(item, v1AttemptWhenPaths); ts.Exists() {
			if t, err := cast.ToTimeE(ts.Value()); err == nil {
				t = t.UTC()
				a.AttemptedAt = &t
			}
		}
		out = append(out, a)
		return true
	})
	return out
}

func documents(root gjson.Result) []Document {
	list := first(root, v1DocumentsPaths)
	out := []Document{}
	if !list.IsArray() {
		return out
	}
	list.ForEach(func(_, item gjson.Result) bool {
		d := Document{
			ID:   firstString(item, v1DocumentIDPaths),
			Name: firstString(item, v1DocumentNamePaths),
			Kind: firstString(item, v1DocumentKindPaths),
		}
		if d.ID != "" {
			out = append(out, d)
		}
		return true
	})
	return out
}

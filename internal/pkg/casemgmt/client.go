package casemgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
)

var (
	// ErrUnavailable covers timeouts, transport failures and 5xx answers.
	ErrUnavailable = errors.New("case management unavailable")
	// ErrNotFound is returned for unknown jobs or invoices.
	ErrNotFound = errors.New("case management record not found")
	// ErrNotConfigured is returned when no base URL is set.
	ErrNotConfigured = errors.New("case management not configured")
)

const maxGetRetries = 3

// InvoicePayment is the payload for marking an invoice paid.
type InvoicePayment struct {
	JobID            string    `json:"jobId"`
	InvoiceID        string    `json:"invoiceId,omitempty"`
	PaymentReference string    `json:"paymentReference"`
	AmountCents      int64     `json:"amountCents"`
	Currency         string    `json:"currency"`
	PaidAt           time.Time `json:"paidAt"`
}

// Client talks to the external case-management API. Credentials are read
// from the config provider on every call.
type Client struct {
	cfg        config.Provider
	normalizer casejob.Normalizer
	http       *fasthttp.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying fasthttp client.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a case-management client producing canonical jobs via n.
func NewClient(cfg config.Provider, n casejob.Normalizer, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		normalizer: n,
		http: &fasthttp.Client{
			Name:                "servedesk-billing",
			MaxConnsPerHost:     32,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetJob fetches and normalizes one job. Transient failures are retried.
func (c *Client) GetJob(ctx context.Context, jobID string) (*casejob.Job, error) {
	var body []byte
	op := func() error {
		status, b, err := c.do(ctx, fasthttp.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		switch {
		case status == fasthttp.StatusNotFound:
			return backoff.Permanent(errors.Wrapf(ErrNotFound, "job %s", jobID))
		case status >= 500:
			return errors.Wrapf(ErrUnavailable, "get job %s: status %d", jobID, status)
		case status >= 300:
			return backoff.Permanent(errors.Errorf("get job %s: unexpected status %d", jobID, status))
		}
		body = b
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), maxGetRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	job, err := c.normalizer.Normalize(body)
	if err != nil {
		return nil, err
	}
	if job.ID != jobID {
		return nil, errors.Errorf("get job %s: response is for job %q", jobID, job.ID)
	}
	return job, nil
}

// MarkInvoicePaid sets the job's invoice to paid. A conflict answer means the
// invoice is already paid and counts as success.
func (c *Client) MarkInvoicePaid(ctx context.Context, p InvoicePayment) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode invoice payment")
	}

	status, body, err := c.do(ctx, fasthttp.MethodPost, "/jobs/"+url.PathEscape(p.JobID)+"/invoice/mark-paid", payload)
	if err != nil {
		return err
	}
	switch {
	case status == fasthttp.StatusConflict:
		log.Infof("[CaseMgmt] Invoice for job %s already paid", p.JobID)
		return nil
	case status == fasthttp.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "invoice for job %s", p.JobID)
	case status >= 500:
		return errors.Wrapf(ErrUnavailable, "mark invoice paid for job %s: status %d", p.JobID, status)
	case status >= 300:
		return errors.Errorf("mark invoice paid for job %s: status %d: %s", p.JobID, status, truncate(body, 200))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	cfg := c.cfg.Current().CaseManagement
	if cfg.BaseURL == "" {
		return 0, nil, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, errors.Wrap(ErrUnavailable, err.Error())
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(cfg.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, errors.Wrapf(ErrUnavailable, "%s %s: %v", method, path, err)
	}

	// resp is released on return
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}

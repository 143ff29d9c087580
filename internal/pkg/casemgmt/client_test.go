package casemgmt

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
)

func newTestClient(t *testing.T, handler fasthttp.RequestHandler) *Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	cfg := &config.Config{CaseManagement: config.CaseManagement{
		BaseURL:    "http://casemgmt.test/api",
		APIKey:     "cm-key",
		Timeout:    2 * time.Second,
		Normalizer: "v1",
	}}
	n, err := casejob.New("v1", casejob.Options{DefaultCurrency: "usd"})
	require.NoError(t, err)

	hc := &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
	return NewClient(config.Static(cfg), n, WithHTTPClient(hc))
}

func TestGetJobNormalizes(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/api/jobs/J-1", string(ctx.Path()))
		assert.Equal(t, "Bearer cm-key", string(ctx.Request.Header.Peek("Authorization")))
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"id":"J-1","status":"served","affidavit_signed":true,"amount":"85.00"}`)
	})

	job, err := client.GetJob(context.Background(), "J-1")
	require.NoError(t, err)
	assert.Equal(t, "J-1", job.ID)
	assert.True(t, job.AffidavitSigned)
	assert.Equal(t, int64(8500), job.AmountCents)
}

func TestGetJobRetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		if atomic.AddInt32(&calls, 1) < 3 {
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
			return
		}
		ctx.SetBodyString(`{"id":"J-1"}`)
	})

	job, err := client.GetJob(context.Background(), "J-1")
	require.NoError(t, err)
	assert.Equal(t, "J-1", job.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetJobNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&calls, 1)
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})

	_, err := client.GetJob(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetJobRejectsOtherJob(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&calls, 1)
		ctx.SetBodyString(`{"id":"J-2","status":"served"}`)
	})

	job, err := client.GetJob(context.Background(), "J-1")
	require.Error(t, err)
	assert.Nil(t, job)
	assert.Contains(t, err.Error(), "J-2")
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMarkInvoicePaid(t *testing.T) {
	var got InvoicePayment
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "POST", string(ctx.Method()))
		assert.Equal(t, "/api/jobs/J-1/invoice/mark-paid", string(ctx.Path()))
		require.NoError(t, json.Unmarshal(ctx.PostBody(), &got))
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	})

	err := client.MarkInvoicePaid(context.Background(), InvoicePayment{
		JobID:            "J-1",
		PaymentReference: "pi_123",
		AmountCents:      8500,
		Currency:         "usd",
		PaidAt:           time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", got.PaymentReference)
	assert.Equal(t, int64(8500), got.AmountCents)
}

func TestMarkInvoicePaidStatuses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"already paid", fasthttp.StatusConflict, nil},
		{"missing", fasthttp.StatusNotFound, ErrNotFound},
		{"upstream down", fasthttp.StatusServiceUnavailable, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
				ctx.SetStatusCode(tt.status)
			})
			err := client.MarkInvoicePaid(context.Background(), InvoicePayment{JobID: "J-1"})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestTimeoutIsUnavailable(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		time.Sleep(300 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.MarkInvoicePaid(ctx, InvoicePayment{JobID: "J-1"})
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestNotConfigured(t *testing.T) {
	n, _ := casejob.New("v1", casejob.Options{})
	client := NewClient(config.Static(&config.Config{}), n)
	_, err := client.GetJob(context.Background(), "J-1")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

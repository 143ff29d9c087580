package billing

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/ServeDesk/app/models"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/alerts"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/casemgmt"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/jobqueue"
)

const testWebhookSecret = "whsec_test_secret"

type recordingSink struct {
	mu    sync.Mutex
	calls []casemgmt.InvoicePayment
	err   error
}

func (s *recordingSink) MarkInvoicePaid(ctx context.Context, p casemgmt.InvoicePayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	return s.err
}

func (s *recordingSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []*jobqueue.Job
	err  error
}

func (q *recordingQueue) EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	job := &jobqueue.Job{ID: fmt.Sprintf("job-%d", len(q.jobs)+1), Type: jobType, Payload: payload}
	q.jobs = append(q.jobs, job)
	return job, nil
}

type testEnv struct {
	db         *gorm.DB
	repo       Repository
	gw         *gateway.Fake
	sink       *recordingSink
	cfg        *config.Config
	alerts     *bytes.Buffer
	vault      *Vault
	invoices   *Propagator
	trigger    *Trigger
	reconciler *Reconciler
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(func(key, def string) string {
		switch key {
		case "APP_ENV":
			return "test"
		case "GATEWAY_MODE":
			return config.GatewayModeFake
		case "STRIPE_WEBHOOK_SECRET":
			return testWebhookSecret
		case "INVOICE_SYNC_MODE":
			return config.InvoiceSyncDirect
		}
		return def
	})
	require.NoError(t, err)
	return cfg
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "billing.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection serializes transactions like row locks would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.BillingCustomer{},
		&models.BillingJob{},
		&models.ChargeAttempt{},
		&models.BillingWebhookEvent{},
		&models.CrossSystemDrift{},
	))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)
	cfg := testConfig(t)
	provider := config.Static(cfg)

	e := &testEnv{
		db:     db,
		repo:   NewRepository(db),
		gw:     gateway.NewFake(testWebhookSecret),
		sink:   &recordingSink{},
		cfg:    cfg,
		alerts: &bytes.Buffer{},
	}
	e.vault = NewVault(e.repo, e.gw)
	e.invoices = NewPropagator(e.repo, e.sink, nil, provider, alerts.New(e.alerts))
	e.trigger = NewTrigger(e.repo, e.vault, e.gw, provider, e.invoices)
	e.reconciler = NewReconciler(e.repo, e.gw, e.trigger)
	return e
}

func (e *testEnv) seedJob(t *testing.T, jobID, email string, amountCents int64, signed bool) *models.BillingJob {
	t.Helper()
	job := &models.BillingJob{
		JobID:           jobID,
		CustomerEmail:   email,
		CustomerName:    "Test Client",
		AmountCents:     amountCents,
		Currency:        "usd",
		AffidavitSigned: signed,
	}
	require.NoError(t, e.repo.UpsertJobMirror(job))
	return job
}

func (e *testEnv) vaultCard(t *testing.T, email string) *gateway.PaymentMethod {
	t.Helper()
	c, err := e.vault.EnsureCustomer(context.Background(), email, "Test Client")
	require.NoError(t, err)
	return e.gw.AttachCard(c.GatewayCustomerID, gateway.TestVisa)
}

func (e *testEnv) job(t *testing.T, jobID string) *models.BillingJob {
	t.Helper()
	job, err := e.repo.GetJob(jobID)
	require.NoError(t, err)
	return job
}

func (e *testEnv) attempts(t *testing.T, jobID string) []models.ChargeAttempt {
	t.Helper()
	attempts, err := e.repo.ListAttempts(jobID)
	require.NoError(t, err)
	return attempts
}

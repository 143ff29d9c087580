package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ServeDesk/app/controllers"
	"github.com/ManuelReschke/ServeDesk/app/models"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/alerts"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/billing"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/cache"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/casemgmt"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/changefeed"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/database"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/env"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/middleware"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/notify"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/router"
)

const (
	watchLimit     = 500
	configInterval = time.Minute
	sweepInterval  = time.Minute
	shutdownGrace  = 20 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("[ServeDesk] %v", err)
	}
}

func run(ctx context.Context) error {
	env.SetupEnvFile()

	// overrides are wired once the database is open
	var db *gorm.DB
	store, err := config.NewStore(env.GetEnv, func(ctx context.Context) (map[string]string, error) {
		if db == nil {
			return nil, nil
		}
		return models.LoadSettingOverrides(db.WithContext(ctx))
	})
	if err != nil {
		return err
	}
	cfg := store.Current()

	db, err = database.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := store.Refresh(ctx); err != nil {
		log.Warnf("[Config] Starting without persisted overrides: %v", err)
	}
	cfg = store.Current()

	redisClient := cache.NewClient(ctx, cfg.Cache)
	defer redisClient.Close()

	app, manager, err := NewApplication(ctx, store, db, redisClient)
	if err != nil {
		return err
	}

	manager.Start()
	defer manager.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("[ServeDesk] Shutting down")
	return app.ShutdownWithTimeout(shutdownGrace)
}

// NewApplication wires the billing services, background tasks and routes.
// The returned manager is not started.
func NewApplication(ctx context.Context, store *config.Store, db *gorm.DB, redisClient *redis.Client) (*fiber.App, *jobqueue.Manager, error) {
	cfg := store.Current()

	normalizer, err := casejob.New(cfg.CaseManagement.Normalizer, casejob.Options{DefaultCurrency: cfg.Billing.Currency})
	if err != nil {
		return nil, nil, err
	}
	caseClient := casemgmt.NewClient(store, normalizer)

	var gw gateway.Gateway
	switch cfg.Gateway.Mode {
	case config.GatewayModeFake:
		fake := gateway.NewFake(cfg.Gateway.WebhookSecret)
		fake.AutoConfirmSetup = true
		gw = fake
		log.Warn("[Gateway] Using the fake gateway, no real money moves")
	default:
		gw = gateway.NewStripe(store, nil)
	}

	queue := jobqueue.NewQueue(redisClient, cfg.QueueWorkers)
	manager := jobqueue.NewManager(queue)
	counters := counter.New(redisClient)

	repo := billing.NewRepository(db)
	vault := billing.NewVault(repo, gw)
	invoices := billing.NewPropagator(repo, caseClient, queue, store, alerts.New(nil))
	trigger := billing.NewTrigger(repo, vault, gw, store, invoices)
	reconciler := billing.NewReconciler(repo, gw, trigger)

	hub := notify.NewHub()
	feed := changefeed.New(changefeed.NewRedisStore(redisClient), caseClient, trigger)
	feed.AddObserver(changefeed.ObserverFunc(func(ctx context.Context, obs changefeed.Observation) error {
		if obs.Changed() {
			counters.Add(ctx, counter.JobChangesReceived)
		}
		return nil
	}))
	if cfg.Notify.Fanout == config.FanoutRedis {
		relay := notify.NewRelay(redisClient, hub)
		feed.AddObserver(relay)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Errorf("[Notify] Relay stopped: %v", err)
			}
		}()
	} else {
		feed.AddObserver(hub)
	}

	queue.Handle(jobqueue.JobTypeInvoiceMarkPaid, invoices.HandleQueued)
	queue.OnExhausted(jobqueue.JobTypeInvoiceMarkPaid, invoices.OnQueueExhausted)
	queue.Handle(jobqueue.JobTypeJobResync, changefeed.ResyncHandler(feed))

	poller := changefeed.NewPoller(queue,
		func() time.Duration { return store.Current().ChangeFeed.PollInterval },
		func(ctx context.Context) ([]string, error) {
			return repo.ListJobIDsByState(billing.OpenStates, watchLimit)
		},
		func(ctx context.Context) ([]string, error) {
			return hub.SubscribedJobIDs(), nil
		},
	)
	registerTasks(manager, store, poller, trigger)

	app := fiber.New(fiber.Config{
		AppName:   "ServeDesk",
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", middleware.AdminAPIKey(store), monitor.New())

	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	router.InstallRouter(app, router.Dependencies{
		Config:   store,
		Billing:  controllers.NewBillingController(repo, vault, trigger, invoices, counters),
		Webhooks: controllers.NewWebhookController(reconciler, feed, normalizer, store, counters),
		Jobs:     controllers.NewJobController(feed),
		Admin:    controllers.NewAdminController(manager, queue, hub),
		Settings: controllers.NewSettingsController(models.SettingStore{DB: db}, store),
		Hub:      hub,
		Limiter:  cache.NewLimiterStorage(ctx, redisClient, cfg.Cache),
	})

	return app, manager, nil
}

func registerTasks(manager *jobqueue.Manager, store *config.Store, poller *changefeed.Poller, trigger *billing.Trigger) {
	manager.Every("config_refresh", func() time.Duration { return configInterval }, store.Refresh)

	manager.Every("inflight_sweep", func() time.Duration { return sweepInterval }, func(ctx context.Context) error {
		_, err := trigger.SweepInFlight(ctx)
		return err
	})

	manager.Every("changefeed_poll", func() time.Duration { return store.Current().ChangeFeed.PollInterval }, func(ctx context.Context) error {
		if !store.Current().PollsChanges() {
			return nil
		}
		_, err := poller.Tick(ctx)
		return err
	})
}

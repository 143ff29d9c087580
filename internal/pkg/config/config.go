package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/env"
)

const (
	GatewayModeStripe = "stripe"
	GatewayModeFake   = "fake"

	ChangeFeedPush = "push"
	ChangeFeedPull = "pull"
	ChangeFeedBoth = "both"

	FanoutLocal = "local"
	FanoutRedis = "redis"

	InvoiceSyncDirect = "direct"
	InvoiceSyncQueued = "queued"
)

type App struct {
	Host        string `validate:"required"`
	Port        string `validate:"required,numeric"`
	Env         string `validate:"oneof=dev prod test"`
	AdminAPIKey string
}

type Database struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	User     string
	Password string
	Name     string
}

type Cache struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Password string
}

type Gateway struct {
	Mode          string        `validate:"oneof=stripe fake"`
	SecretKey     string        `validate:"required_if=Mode stripe"`
	WebhookSecret string        `validate:"required"`
	Timeout       time.Duration `validate:"gt=0"`
}

type CaseManagement struct {
	BaseURL       string        `validate:"omitempty,url"`
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration `validate:"gt=0"`
	Normalizer    string        `validate:"required"`
}

type Billing struct {
	Currency        string        `validate:"len=3"`
	MaxAutoAttempts int           `validate:"gte=0"`
	RetryCooldown   time.Duration `validate:"gte=0"`
	InFlightGrace   time.Duration `validate:"gt=0"`
	InvoiceSync     string        `validate:"oneof=direct queued"`
}

type ChangeFeed struct {
	Mode         string        `validate:"oneof=push pull both"`
	PollInterval time.Duration `validate:"gt=0"`
}

type Notify struct {
	Fanout     string        `validate:"oneof=local redis"`
	PongWindow time.Duration `validate:"gt=0"`
}

// Config is an immutable snapshot of everything the process needs. It is
// produced by Load and handed out by a Store; never mutate a shared snapshot.
type Config struct {
	App            App
	Database       Database
	Cache          Cache
	Gateway        Gateway
	CaseManagement CaseManagement
	Billing        Billing
	ChangeFeed     ChangeFeed
	Notify         Notify
	QueueWorkers   int `validate:"gte=1"`
}

// Provider hands out the current configuration snapshot.
type Provider interface {
	Current() *Config
}

// Lookup resolves a key to a value, returning def when unset.
type Lookup func(key, def string) string

// Load builds a Config from env.GetEnv.
func Load() (*Config, error) {
	return LoadFrom(env.GetEnv)
}

// LoadFrom builds and validates a Config using the given lookup.
func LoadFrom(get Lookup) (*Config, error) {
	cfg := &Config{
		App: App{
			Host:        get("APP_HOST", "localhost"),
			Port:        get("APP_PORT", "4000"),
			Env:         get("APP_ENV", "prod"),
			AdminAPIKey: strings.TrimSpace(get("ADMIN_API_KEY", "")),
		},
		Database: Database{
			Host:     get("DB_HOST", "127.0.0.1"),
			Port:     get("DB_PORT", "3306"),
			User:     get("DB_USER", ""),
			Password: get("DB_PASSWORD", ""),
			Name:     get("DB_NAME", ""),
		},
		Cache: Cache{
			Host:     get("CACHE_HOST", "localhost"),
			Port:     get("CACHE_PORT", "6379"),
			Password: get("CACHE_PASSWORD", ""),
		},
		Gateway: Gateway{
			Mode:          strings.ToLower(get("GATEWAY_MODE", GatewayModeStripe)),
			SecretKey:     strings.TrimSpace(get("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(get("STRIPE_WEBHOOK_SECRET", "")),
			Timeout:       durationOr(get("GATEWAY_TIMEOUT", ""), 20*time.Second),
		},
		CaseManagement: CaseManagement{
			BaseURL:       strings.TrimRight(strings.TrimSpace(get("CASEMGMT_BASE_URL", "")), "/"),
			APIKey:        strings.TrimSpace(get("CASEMGMT_API_KEY", "")),
			WebhookSecret: strings.TrimSpace(get("CASEMGMT_WEBHOOK_SECRET", "")),
			Timeout:       durationOr(get("CASEMGMT_TIMEOUT", ""), 15*time.Second),
			Normalizer:    strings.ToLower(get("CASEMGMT_NORMALIZER", "v1")),
		},
		Billing: Billing{
			Currency:        strings.ToLower(get("BILLING_CURRENCY", "usd")),
			MaxAutoAttempts: intOr(get("BILLING_MAX_AUTO_ATTEMPTS", ""), 3),
			RetryCooldown:   durationOr(get("BILLING_RETRY_COOLDOWN", ""), 24*time.Hour),
			InFlightGrace:   durationOr(get("BILLING_INFLIGHT_GRACE", ""), 15*time.Minute),
			InvoiceSync:     strings.ToLower(get("INVOICE_SYNC_MODE", InvoiceSyncQueued)),
		},
		ChangeFeed: ChangeFeed{
			Mode:         strings.ToLower(get("CHANGEFEED_MODE", ChangeFeedBoth)),
			PollInterval: durationOr(get("CHANGEFEED_POLL_INTERVAL", ""), 2*time.Minute),
		},
		Notify: Notify{
			Fanout:     strings.ToLower(get("NOTIFY_FANOUT", FanoutLocal)),
			PongWindow: durationOr(get("NOTIFY_PONG_WINDOW", ""), 60*time.Second),
		},
		QueueWorkers: intOr(get("JOBQUEUE_WORKERS", ""), 3),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of the whole snapshot.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// PollsChanges reports whether the pull transport of the change feed is on.
func (c *Config) PollsChanges() bool {
	return c.ChangeFeed.Mode == ChangeFeedPull || c.ChangeFeed.Mode == ChangeFeedBoth
}

// AcceptsPushedChanges reports whether the push transport is on.
func (c *Config) AcceptsPushedChanges() bool {
	return c.ChangeFeed.Mode == ChangeFeedPush || c.ChangeFeed.Mode == ChangeFeedBoth
}

func durationOr(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// plain integers are seconds
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func intOr(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

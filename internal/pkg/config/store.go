package config

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v2/log"
)

// OverrideSource returns persisted overrides keyed by environment key.
type OverrideSource func(ctx context.Context) (map[string]string, error)

// overridable lists the keys a persisted setting may replace at runtime.
var overridable = map[string]struct{}{
	"STRIPE_SECRET_KEY":         {},
	"STRIPE_WEBHOOK_SECRET":     {},
	"GATEWAY_TIMEOUT":           {},
	"CASEMGMT_BASE_URL":         {},
	"CASEMGMT_API_KEY":          {},
	"CASEMGMT_WEBHOOK_SECRET":   {},
	"CASEMGMT_TIMEOUT":          {},
	"BILLING_MAX_AUTO_ATTEMPTS": {},
	"BILLING_RETRY_COOLDOWN":    {},
	"BILLING_INFLIGHT_GRACE":    {},
}

// IsOverridable reports whether key may be set through persisted settings.
func IsOverridable(key string) bool {
	_, ok := overridable[key]
	return ok
}

// Store owns the current configuration snapshot and its refresh lifecycle.
type Store struct {
	mu        sync.RWMutex
	current   *Config
	base      Lookup
	overrides OverrideSource
}

// NewStore loads the initial snapshot from base. overrides may be nil.
func NewStore(base Lookup, overrides OverrideSource) (*Store, error) {
	cfg, err := LoadFrom(base)
	if err != nil {
		return nil, err
	}
	return &Store{current: cfg, base: base, overrides: overrides}, nil
}

// Static wraps a fixed snapshot, mainly for tests and tools.
func Static(cfg *Config) *Store {
	return &Store{current: cfg}
}

// Current returns the active snapshot.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Refresh rebuilds the snapshot from the base lookup plus persisted
// overrides. On any error the previous snapshot stays active.
func (s *Store) Refresh(ctx context.Context) error {
	if s.base == nil {
		return nil
	}

	var persisted map[string]string
	if s.overrides != nil {
		var err error
		persisted, err = s.overrides(ctx)
		if err != nil {
			log.Warnf("[Config] Keeping previous configuration, override load failed: %v", err)
			return err
		}
	}

	lookup := func(key, def string) string {
		if v, ok := persisted[key]; ok && IsOverridable(key) && v != "" {
			return v
		}
		return s.base(key, def)
	}

	cfg, err := LoadFrom(lookup)
	if err != nil {
		log.Warnf("[Config] Keeping previous configuration, refreshed values are invalid: %v", err)
		return err
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	log.Info("[Config] Configuration refreshed")
	return nil
}

package config

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(values map[string]string) Lookup {
	return func(key, def string) string {
		if v, ok := values[key]; ok {
			return v
		}
		return def
	}
}

func baseValues() map[string]string {
	return map[string]string{
		"GATEWAY_MODE":          "fake",
		"STRIPE_WEBHOOK_SECRET": "whsec_test",
	}
}

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(lookupFrom(baseValues()))
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.App.Port)
	assert.Equal(t, 3, cfg.Billing.MaxAutoAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Billing.RetryCooldown)
	assert.Equal(t, "usd", cfg.Billing.Currency)
	assert.Equal(t, ChangeFeedBoth, cfg.ChangeFeed.Mode)
	assert.True(t, cfg.PollsChanges())
	assert.True(t, cfg.AcceptsPushedChanges())
	assert.Equal(t, 60*time.Second, cfg.Notify.PongWindow)
	assert.Equal(t, "v1", cfg.CaseManagement.Normalizer)
}

func TestLoadFromParsesDurations(t *testing.T) {
	values := baseValues()
	values["BILLING_RETRY_COOLDOWN"] = "2h"
	values["GATEWAY_TIMEOUT"] = "7"
	values["CHANGEFEED_MODE"] = "PUSH"

	cfg, err := LoadFrom(lookupFrom(values))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Billing.RetryCooldown)
	assert.Equal(t, 7*time.Second, cfg.Gateway.Timeout)
	assert.False(t, cfg.PollsChanges())
	assert.True(t, cfg.AcceptsPushedChanges())
}

func TestLoadFromRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"stripe without key", "GATEWAY_MODE", "stripe"},
		{"unknown feed mode", "CHANGEFEED_MODE", "carrier-pigeon"},
		{"unknown fanout", "NOTIFY_FANOUT", "kafka"},
		{"bad currency", "BILLING_CURRENCY", "dollars"},
		{"bad port", "APP_PORT", "http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := baseValues()
			values[tt.key] = tt.val
			_, err := LoadFrom(lookupFrom(values))
			assert.Error(t, err)
		})
	}
}

func TestStoreRefreshAppliesOverrides(t *testing.T) {
	overrides := map[string]string{
		"BILLING_MAX_AUTO_ATTEMPTS": "5",
		"APP_PORT":                  "9999", // not overridable
	}
	store, err := NewStore(lookupFrom(baseValues()), func(ctx context.Context) (map[string]string, error) {
		return overrides, nil
	})
	require.NoError(t, err)

	before := store.Current()
	assert.Equal(t, 3, before.Billing.MaxAutoAttempts)

	require.NoError(t, store.Refresh(context.Background()))
	after := store.Current()
	assert.Equal(t, 5, after.Billing.MaxAutoAttempts)
	assert.Equal(t, "4000", after.App.Port)

	// previously handed out snapshot is untouched
	assert.Equal(t, 3, before.Billing.MaxAutoAttempts)
}

func TestStoreRefreshKeepsPreviousOnError(t *testing.T) {
	fail := true
	store, err := NewStore(lookupFrom(baseValues()), func(ctx context.Context) (map[string]string, error) {
		if fail {
			return nil, errors.New("db down")
		}
		return map[string]string{"BILLING_INFLIGHT_GRACE": "0s"}, nil
	})
	require.NoError(t, err)
	prev := store.Current()

	assert.Error(t, store.Refresh(context.Background()))
	assert.Same(t, prev, store.Current())

	// invalid override values are rejected as a whole
	fail = false
	assert.Error(t, store.Refresh(context.Background()))
	assert.Same(t, prev, store.Current())
}

package notify

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/changefeed"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/env"
)

func TestRelayDeliverIgnoresMalformed(t *testing.T) {
	hub := NewHub()
	s := &fakeSender{}
	hub.Register("a", s)
	require.NoError(t, hub.Subscribe("a", "J-1"))

	r := NewRelay(nil, hub)
	r.deliver("{not json")
	assert.Empty(t, s.received())

	raw, err := json.Marshal(relayMessage{JobID: "J-1", Event: statusEvent("J-1")})
	require.NoError(t, err)
	r.deliver(string(raw))

	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, TypeJobChange, got[0].Type)
	assert.Equal(t, "J-1", got[0].JobID)
}

func redisAddr() string {
	return env.GetEnv("CACHE_HOST", "localhost") + ":" + env.GetEnv("CACHE_PORT", "6379")
}

func requireRedis(t *testing.T, client *redis.Client) {
	t.Helper()
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
}

func fastRetry() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func TestRelayKeepsRetryingUntilCancelled(t *testing.T) {
	var dials atomic.Int32
	client := redis.NewClient(&redis.Options{
		Addr:       "127.0.0.1:1",
		MaxRetries: -1,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	})
	defer client.Close()

	relay := NewRelay(client, NewHub(), WithRelayBackOff(fastRetry))
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return dials.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run returned before cancel: %v", err)
	default:
	}

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRelayRecoversAfterFailedSubscribe(t *testing.T) {
	admin := redis.NewClient(&redis.Options{Addr: redisAddr()})
	requireRedis(t, admin)
	defer admin.Close()

	// the first two dials fail as if redis were still starting
	var dials atomic.Int32
	var d net.Dialer
	client := redis.NewClient(&redis.Options{
		Addr:       redisAddr(),
		MaxRetries: -1,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if dials.Add(1) <= 2 {
				return nil, errors.New("connection refused")
			}
			return d.DialContext(ctx, network, addr)
		},
	})
	defer client.Close()

	hub := NewHub()
	s := &fakeSender{}
	hub.Register("a", s)
	require.NoError(t, hub.Subscribe("a", "J-7"))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	relay := NewRelay(client, hub, WithRelayBackOff(fastRetry))
	go relay.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := admin.PubSubNumSub(ctx, RelayChannel).Result()
		return err == nil && n[RelayChannel] > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, dials.Load(), int32(3))

	obs := changefeed.Observation{JobID: "J-7", Events: []changefeed.Event{statusEvent("J-7")}}
	require.NoError(t, relay.OnJobChanged(ctx, obs))

	require.Eventually(t, func() bool { return len(s.received()) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "J-7", s.received()[0].JobID)
}

func TestRelayRoundTripThroughRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr()})
	requireRedis(t, client)
	defer client.Close()

	hub := NewHub()
	s := &fakeSender{}
	hub.Register("a", s)
	require.NoError(t, hub.Subscribe("a", "J-9"))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	relay := NewRelay(client, hub)
	go relay.Run(ctx)

	// wait for the subscription before publishing
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, RelayChannel).Result()
		return err == nil && n[RelayChannel] > 0
	}, 2*time.Second, 20*time.Millisecond)

	obs := changefeed.Observation{JobID: "J-9", Events: []changefeed.Event{statusEvent("J-9")}}
	require.NoError(t, relay.OnJobChanged(ctx, obs))

	require.Eventually(t, func() bool { return len(s.received()) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "J-9", s.received()[0].JobID)
}

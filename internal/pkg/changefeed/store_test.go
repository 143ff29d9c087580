package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/env"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.Load(ctx, "J-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	job := baseJob()
	require.NoError(t, s.Save(ctx, job))

	// stored snapshots are copies
	job.Status = "mutated"
	got, err = s.Load(ctx, "J-1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: env.GetEnv("CACHE_HOST", "localhost") + ":" + env.GetEnv("CACHE_PORT", "6379"),
		DB:   13,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Del(context.Background(), snapshotKeyPrefix+"J-1", snapshotKeyPrefix+"missing").Err()
		_ = client.Close()
	})

	s := NewRedisStore(client)
	got, err := s.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(context.Background(), baseJob()))
	got, err = s.Load(context.Background(), "J-1")
	require.NoError(t, err)
	assert.Equal(t, baseJob().Attempts, got.Attempts)
	assert.Equal(t, "John Doe", got.Fields["recipient"])
}

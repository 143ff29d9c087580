package jobqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRunsTasks(t *testing.T) {
	manager := NewManager(nil)

	var ticks int32
	manager.Every("sweeper", func() time.Duration { return 10 * time.Millisecond }, func(ctx context.Context) error {
		atomic.AddInt32(&ticks, 1)
		return nil
	})

	assert.False(t, manager.IsRunning())
	manager.Start()
	assert.True(t, manager.IsRunning())

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) >= 2 }, 2*time.Second, 5*time.Millisecond)

	manager.Stop()
	assert.False(t, manager.IsRunning())

	after := atomic.LoadInt32(&ticks)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&ticks))
}

func TestManagerRestart(t *testing.T) {
	manager := NewManager(nil)
	manager.Every("noop", func() time.Duration { return time.Hour }, func(ctx context.Context) error { return nil })

	manager.Start()
	manager.Stop()
	manager.Start()
	assert.True(t, manager.IsRunning())
	manager.Stop()
}

func TestManager_StopWithoutStart(t *testing.T) {
	manager := NewManager(nil)
	assert.False(t, manager.IsRunning())
	manager.Stop()
	assert.False(t, manager.IsRunning())
}

func TestManagerRunOnce(t *testing.T) {
	manager := NewManager(nil)
	manager.Every("poller", func() time.Duration { return time.Hour }, func(ctx context.Context) error {
		return errors.New("boom")
	})

	found, err := manager.RunOnce(context.Background(), "poller")
	assert.True(t, found)
	assert.EqualError(t, err, "boom")

	found, err = manager.RunOnce(context.Background(), "missing")
	assert.False(t, found)
	assert.NoError(t, err)
}

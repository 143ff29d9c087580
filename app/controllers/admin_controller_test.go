package controllers

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/notify"
)

type stubRunner map[string]error

func (s stubRunner) RunOnce(ctx context.Context, name string) (bool, error) {
	err, ok := s[name]
	return ok, err
}

type stubQueue struct{}

func (stubQueue) GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error) {
	return map[jobqueue.JobStatus]int64{jobqueue.JobStatusCompleted: 4}, nil
}
func (stubQueue) GetQueueSize(ctx context.Context) (int64, error)      { return 2, nil }
func (stubQueue) GetProcessingSize(ctx context.Context) (int64, error) { return 1, nil }

func TestAdminRunTask(t *testing.T) {
	ac := NewAdminController(stubRunner{"inflight_sweep": nil, "broken": errors.New("boom")}, stubQueue{}, notify.NewHub())
	app := fiber.New()
	app.Post("/tasks/:name/run", ac.HandleRunTask)
	app.Get("/status", ac.HandleStatus)

	tests := []struct {
		path string
		want int
	}{
		{"/tasks/inflight_sweep/run", fiber.StatusOK},
		{"/tasks/missing/run", fiber.StatusNotFound},
		{"/tasks/broken/run", fiber.StatusInternalServerError},
	}
	for _, tc := range tests {
		resp, err := app.Test(httptest.NewRequest("POST", tc.path, nil), -1)
		require.NoError(t, err)
		assert.Equal(t, tc.want, resp.StatusCode, tc.path)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/status", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/notify"
)

// TaskRunner runs a registered background task on demand.
type TaskRunner interface {
	RunOnce(ctx context.Context, name string) (bool, error)
}

// QueueStats reports the state of the background job queue.
type QueueStats interface {
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
}

// AdminController exposes operator views of the queue, the background tasks
// and the notification hub.
type AdminController struct {
	tasks TaskRunner
	queue QueueStats
	hub   *notify.Hub
}

func NewAdminController(tasks TaskRunner, queue QueueStats, hub *notify.Hub) *AdminController {
	return &AdminController{tasks: tasks, queue: queue, hub: hub}
}

func (ac *AdminController) HandleStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	stats, err := ac.queue.GetJobStats(ctx)
	if err != nil {
		return respondError(c, err)
	}
	pending, err := ac.queue.GetQueueSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	processing, err := ac.queue.GetProcessingSize(ctx)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"queue": fiber.Map{
			"pending":    pending,
			"processing": processing,
			"totals":     stats,
		},
		"notify": fiber.Map{
			"connections":    ac.hub.Connections(),
			"subscribedJobs": ac.hub.SubscribedJobIDs(),
		},
	})
}

// HandleRunTask runs one background task now, e.g. the in-flight sweep.
func (ac *AdminController) HandleRunTask(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Minute)
	defer cancel()

	found, err := ac.tasks.RunOnce(ctx, name)
	if !found {
		return jsonError(c, fiber.StatusNotFound, "not_found", "unknown task "+name)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"task": name, "ok": true})
}

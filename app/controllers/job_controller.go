package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/casemgmt"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/changefeed"
)

const refreshTimeout = 30 * time.Second

// JobController runs change detection on demand.
type JobController struct {
	feed *changefeed.Feed
}

func NewJobController(feed *changefeed.Feed) *JobController {
	return &JobController{feed: feed}
}

// HandleRefresh pulls one job from case management and diffs it against the
// last snapshot. Observers run before the answer is sent.
func (jc *JobController) HandleRefresh(c *fiber.Ctx) error {
	jobID := strings.TrimSpace(c.Params("jobId"))
	if jobID == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "job id missing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	obs, err := jc.feed.Refresh(ctx, jobID, changefeed.SourceRefresh)
	switch {
	case err == nil:
		return c.JSON(observationResponse(obs))
	case errors.Is(err, casemgmt.ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "unknown job "+jobID)
	case errors.Is(err, casemgmt.ErrUnavailable), errors.Is(err, casemgmt.ErrNotConfigured):
		return jsonError(c, fiber.StatusServiceUnavailable, "upstream_unavailable", err.Error())
	default:
		return respondError(c, err)
	}
}

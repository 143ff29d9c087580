package changefeed

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/jobqueue"
)

// WatchSource returns job ids that should be re-read on every poll.
type WatchSource func(ctx context.Context) ([]string, error)

// Enqueuer schedules resync jobs.
type Enqueuer interface {
	EnqueueUnique(ctx context.Context, jobType jobqueue.JobType, key string, window time.Duration, payload map[string]interface{}) (bool, error)
}

// Poller is the pull transport: it schedules a job_resync for every watched
// job, and the queue worker feeds the result through Feed.Refresh.
type Poller struct {
	queue    Enqueuer
	sources  []WatchSource
	interval func() time.Duration
}

func NewPoller(queue Enqueuer, interval func() time.Duration, sources ...WatchSource) *Poller {
	return &Poller{queue: queue, sources: sources, interval: interval}
}

// Tick collects watched ids and enqueues one resync per id. A failing source
// is logged and skipped so the others still get polled.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	ids := map[string]struct{}{}
	for _, src := range p.sources {
		list, err := src(ctx)
		if err != nil {
			log.Warnf("[ChangeFeed] Watch source failed: %v", err)
			continue
		}
		for _, id := range list {
			if id != "" {
				ids[id] = struct{}{}
			}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	// one resync per job per interval, even with several instances polling
	window := p.interval() * 9 / 10
	enqueued := 0
	for _, id := range sorted {
		ok, err := p.queue.EnqueueUnique(ctx, jobqueue.JobTypeJobResync, id, window, jobqueue.JobResyncPayload{JobID: id}.ToMap())
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		log.Debugf("[ChangeFeed] Poll scheduled %d resync(s)", enqueued)
	}
	return enqueued, nil
}

// ResyncHandler returns the queue handler for job_resync jobs.
func ResyncHandler(feed *Feed) jobqueue.HandlerFunc {
	return func(ctx context.Context, job *jobqueue.Job) error {
		p, err := jobqueue.JobResyncPayloadFromMap(job.Payload)
		if err != nil {
			return err
		}
		_, err = feed.Refresh(ctx, p.JobID, SourcePull)
		return err
	}
}

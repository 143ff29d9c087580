package counter

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const billingCountersKey = "servedesk:counters:billing"

// Counter names.
const (
	WebhooksProcessed  = "webhooks_processed"
	WebhooksDuplicate  = "webhooks_duplicate"
	WebhooksRejected   = "webhooks_rejected"
	WebhooksRedeliver  = "webhooks_redeliver"
	ChargesInitiated   = "charges_initiated"
	ChargesDeclined    = "charges_declined"
	RefundsIssued      = "refunds_issued"
	JobChangesReceived = "job_changes_received"
)

// Counter keeps shared billing counters in one Redis hash so every instance
// adds to the same totals. A nil Counter is a no-op.
type Counter struct {
	client *redis.Client
}

func New(client *redis.Client) *Counter {
	return &Counter{client: client}
}

// Add increments name by one. Failures are logged and never returned to
// request paths.
func (c *Counter) Add(ctx context.Context, name string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.HIncrBy(ctx, billingCountersKey, name, 1).Err(); err != nil {
		log.Debugf("[Metrics] Could not increment %s: %v", name, err)
	}
}

// Snapshot returns all counters.
func (c *Counter) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	if c == nil || c.client == nil {
		return out, nil
	}
	data, err := c.client.HGetAll(ctx, billingCountersKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read counters")
	}
	for k, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// Reset clears all counters.
func (c *Counter) Reset(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return errors.Wrap(c.client.Del(ctx, billingCountersKey).Err(), "reset counters")
}

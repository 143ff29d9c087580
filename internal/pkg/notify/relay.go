package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/changefeed"
)

// RelayChannel carries job changes between instances.
const RelayChannel = "servedesk:job_changes"

type relayMessage struct {
	JobID string           `json:"jobId"`
	Event changefeed.Event `json:"event"`
}

// Relay fans job changes out through Redis Pub/Sub so that a subscriber
// connected to any instance sees changes observed by any other instance.
type Relay struct {
	client     *redis.Client
	hub        *Hub
	newBackOff func() backoff.BackOff
}

type RelayOption func(*Relay)

// WithRelayBackOff replaces the resubscribe policy.
func WithRelayBackOff(f func() backoff.BackOff) RelayOption {
	return func(r *Relay) { r.newBackOff = f }
}

func NewRelay(client *redis.Client, hub *Hub, opts ...RelayOption) *Relay {
	r := &Relay{
		client: client,
		hub:    hub,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnJobChanged publishes the observation's events instead of delivering
// them locally; Run delivers them on every instance, this one included.
func (r *Relay) OnJobChanged(ctx context.Context, obs changefeed.Observation) error {
	for _, ev := range obs.Events {
		raw, err := json.Marshal(relayMessage{JobID: obs.JobID, Event: ev})
		if err != nil {
			return errors.Wrap(err, "encode relay message")
		}
		if err := r.client.Publish(ctx, RelayChannel, raw).Err(); err != nil {
			log.Warnf("[Notify] Relay publish failed, delivering locally: %v", err)
			r.hub.Publish(obs.JobID, ev)
		}
	}
	return nil
}

// Run forwards relayed changes to the local hub until ctx is done. A failed
// or lost subscription is retried with backoff; Run only returns once ctx
// is done.
func (r *Relay) Run(ctx context.Context) error {
	b := r.newBackOff()
	op := func() error {
		err := r.listen(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("[Notify] Relay subscription lost (%v), retrying in %s", err, wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// listen holds one subscription until it fails or ctx is done.
func (r *Relay) listen(ctx context.Context, b backoff.BackOff) error {
	sub := r.client.Subscribe(ctx, RelayChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe relay channel")
	}
	b.Reset()
	log.Infof("[Notify] Relay subscribed to %s", RelayChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay channel closed")
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *Relay) deliver(payload string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		log.Warnf("[Notify] Dropping malformed relay message: %v", err)
		return
	}
	r.hub.Publish(m.JobID, m.Event)
}

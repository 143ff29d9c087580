package notify

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
)

const (
	DefaultPingInterval = 20 * time.Second
	DefaultPongWindow   = 60 * time.Second
)

// ErrPongTimeout ends a session whose server stopped answering pings.
var ErrPongTimeout = errors.New("no pong within window")

// Client is a reconnecting subscriber. Subscriptions are kept locally and
// replayed after every reconnect; events missed while disconnected are not.
type Client struct {
	url          string
	pingInterval time.Duration
	pongWindow   time.Duration
	newBackOff   func() backoff.BackOff

	events chan Envelope

	mu   sync.Mutex
	jobs map[string]struct{}
	conn *websocket.Conn

	lastPong atomic.Int64
}

type ClientOption func(*Client)

func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pingInterval = d }
}

func WithPongWindow(d time.Duration) ClientOption {
	return func(c *Client) { c.pongWindow = d }
}

// WithBackOff replaces the reconnect policy.
func WithBackOff(f func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.newBackOff = f }
}

func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:          url,
		pingInterval: DefaultPingInterval,
		pongWindow:   DefaultPongWindow,
		events:       make(chan Envelope, 64),
		jobs:         map[string]struct{}{},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events yields every envelope received from the server except pongs.
func (c *Client) Events() <-chan Envelope {
	return c.events
}

// Subscribe remembers jobID and subscribes on the live connection, if any.
func (c *Client) Subscribe(ctx context.Context, jobID string) error {
	c.mu.Lock()
	c.jobs[jobID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, Envelope{Type: TypeSubscribeJob, JobID: jobID})
}

func (c *Client) Unsubscribe(ctx context.Context, jobID string) error {
	c.mu.Lock()
	delete(c.jobs, jobID)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, Envelope{Type: TypeUnsubscribeJob, JobID: jobID})
}

// Jobs returns the remembered subscriptions.
func (c *Client) Jobs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Run connects and reconnects until ctx is done. The events channel is
// closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	b := c.newBackOff()
	op := func() error {
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("[Notify] Connection lost (%v), reconnecting in %s", err, wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection until it drops.
func (c *Client) session(ctx context.Context, b backoff.BackOff) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	b.Reset()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.CloseNow()
	}()

	for _, id := range c.Jobs() {
		if err := wsjson.Write(ctx, conn, Envelope{Type: TypeSubscribeJob, JobID: id}); err != nil {
			return errors.Wrapf(err, "resubscribe %s", id)
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.lastPong.Store(time.Now().UnixNano())

	pingErr := make(chan error, 1)
	go func() {
		err := c.pingLoop(sessCtx, conn)
		pingErr <- err
		if err != nil {
			conn.CloseNow()
		}
	}()

	for {
		var env Envelope
		if err := wsjson.Read(sessCtx, conn, &env); err != nil {
			select {
			case perr := <-pingErr:
				if perr != nil {
					return perr
				}
			default:
			}
			return errors.Wrap(err, "read")
		}
		if env.Type == TypePong {
			c.lastPong.Store(time.Now().UnixNano())
			continue
		}
		select {
		case c.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > c.pongWindow {
				return ErrPongTimeout
			}
			if err := wsjson.Write(ctx, conn, Envelope{Type: TypePing}); err != nil {
				return errors.Wrap(err, "ping")
			}
		}
	}
}

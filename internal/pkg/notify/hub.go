package notify

import (
	"context"
	"sort"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/changefeed"
)

// ErrUnknownConnection is returned for operations on unregistered connections.
var ErrUnknownConnection = errors.New("unknown connection")

// Sender delivers an envelope to one connection without blocking. It
// reports false when the message was dropped.
type Sender interface {
	Send(env Envelope) bool
}

// Hub is the per-process subscription registry. Delivery is fire-and-forget:
// nothing is persisted or replayed.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Sender
	byJob  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:  map[string]Sender{},
		byJob:  map[string]map[string]struct{}{},
		byConn: map[string]map[string]struct{}{},
	}
}

// Register adds a connection without subscriptions.
func (h *Hub) Register(connID string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = s
	if _, ok := h.byConn[connID]; !ok {
		h.byConn[connID] = map[string]struct{}{}
	}
}

func (h *Hub) Subscribe(connID, jobID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return errors.Wrap(ErrUnknownConnection, connID)
	}
	subs, ok := h.byJob[jobID]
	if !ok {
		subs = map[string]struct{}{}
		h.byJob[jobID] = subs
	}
	subs[connID] = struct{}{}
	h.byConn[connID][jobID] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(connID, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(connID, jobID)
}

func (h *Hub) unsubscribeLocked(connID, jobID string) {
	if subs, ok := h.byJob[jobID]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.byJob, jobID)
		}
	}
	if jobs, ok := h.byConn[connID]; ok {
		delete(jobs, jobID)
	}
}

// Remove drops a connection and all of its subscriptions.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID := range h.byConn[connID] {
		h.unsubscribeLocked(connID, jobID)
	}
	delete(h.byConn, connID)
	delete(h.conns, connID)
}

// Publish delivers ev to every connection subscribed to jobID and returns
// how many accepted it.
func (h *Hub) Publish(jobID string, ev changefeed.Event) int {
	env, err := NewEnvelope(TypeJobChange, jobID, ev)
	if err != nil {
		log.Errorf("[Notify] Failed to encode %s event for job %s: %v", ev.Kind, jobID, err)
		return 0
	}

	h.mu.RLock()
	targets := make([]Sender, 0, len(h.byJob[jobID]))
	for connID := range h.byJob[jobID] {
		targets = append(targets, h.conns[connID])
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(env) {
			delivered++
		}
	}
	return delivered
}

// OnJobChanged publishes every event of an observation.
func (h *Hub) OnJobChanged(ctx context.Context, obs changefeed.Observation) error {
	for _, ev := range obs.Events {
		h.Publish(obs.JobID, ev)
	}
	return nil
}

// SubscribedJobIDs lists job ids with at least one live subscriber.
func (h *Hub) SubscribedJobIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.byJob))
	for id := range h.byJob {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Subscriptions lists the job ids one connection is subscribed to.
func (h *Hub) Subscriptions(connID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.byConn[connID]))
	for id := range h.byConn[connID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

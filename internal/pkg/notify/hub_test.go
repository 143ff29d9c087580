package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/changefeed"
)

type fakeSender struct {
	mu   sync.Mutex
	got  []Envelope
	full bool
}

func (s *fakeSender) Send(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.got = append(s.got, env)
	return true
}

func (s *fakeSender) received() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.got...)
}

func statusEvent(jobID string) changefeed.Event {
	return changefeed.Event{JobID: jobID, Kind: changefeed.KindStatusChange, Data: changefeed.StatusChange{Old: "open", New: "served"}}
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	hub := NewHub()
	a, b := &fakeSender{}, &fakeSender{}
	hub.Register("a", a)
	hub.Register("b", b)
	require.NoError(t, hub.Subscribe("a", "J-1"))
	require.NoError(t, hub.Subscribe("b", "J-2"))

	assert.Equal(t, 1, hub.Publish("J-1", statusEvent("J-1")))

	require.Len(t, a.received(), 1)
	assert.Empty(t, b.received())

	env := a.received()[0]
	assert.Equal(t, TypeJobChange, env.Type)
	assert.Equal(t, "J-1", env.JobID)

	var ev struct {
		Kind string `json:"kind"`
		Data struct {
			New string `json:"new"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "STATUS_CHANGE", ev.Kind)
	assert.Equal(t, "served", ev.Data.New)
}

func TestSubscribeUnknownConnection(t *testing.T) {
	hub := NewHub()
	assert.ErrorIs(t, hub.Subscribe("ghost", "J-1"), ErrUnknownConnection)
}

func TestUnsubscribeAndRemove(t *testing.T) {
	hub := NewHub()
	a := &fakeSender{}
	hub.Register("a", a)
	require.NoError(t, hub.Subscribe("a", "J-1"))
	require.NoError(t, hub.Subscribe("a", "J-2"))
	assert.Equal(t, []string{"J-1", "J-2"}, hub.Subscriptions("a"))

	hub.Unsubscribe("a", "J-1")
	assert.Equal(t, 0, hub.Publish("J-1", statusEvent("J-1")))
	assert.Equal(t, []string{"J-2"}, hub.SubscribedJobIDs())

	hub.Remove("a")
	assert.Empty(t, hub.SubscribedJobIDs())
	assert.Equal(t, 0, hub.Connections())
	assert.Equal(t, 0, hub.Publish("J-2", statusEvent("J-2")))
}

func TestDroppedSendIsNotCounted(t *testing.T) {
	hub := NewHub()
	slow, fast := &fakeSender{full: true}, &fakeSender{}
	hub.Register("slow", slow)
	hub.Register("fast", fast)
	require.NoError(t, hub.Subscribe("slow", "J-1"))
	require.NoError(t, hub.Subscribe("fast", "J-1"))

	assert.Equal(t, 1, hub.Publish("J-1", statusEvent("J-1")))
}

func TestOnJobChangedPublishesEveryEvent(t *testing.T) {
	hub := NewHub()
	a := &fakeSender{}
	hub.Register("a", a)
	require.NoError(t, hub.Subscribe("a", "J-1"))

	obs := changefeed.Observation{
		JobID: "J-1",
		Events: []changefeed.Event{
			statusEvent("J-1"),
			{JobID: "J-1", Kind: changefeed.KindJobUpdated},
		},
	}
	require.NoError(t, hub.OnJobChanged(context.Background(), obs))
	assert.Len(t, a.received(), 2)

	require.NoError(t, hub.OnJobChanged(context.Background(), changefeed.Observation{JobID: "J-1", Baseline: true}))
	assert.Len(t, a.received(), 2, "baselines carry no events")
}

func TestConnSendDropsWhenFullOrClosed(t *testing.T) {
	c := newConn()
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.Send(Envelope{Type: TypePong}))
	}
	assert.False(t, c.Send(Envelope{Type: TypePong}))

	c.close()
	c.close()
	assert.False(t, c.Send(Envelope{Type: TypePong}))
}

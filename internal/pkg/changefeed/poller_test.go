package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/jobqueue"
)

type fakeEnqueuer struct {
	reserved map[string]bool
	payloads []map[string]interface{}
}

func (f *fakeEnqueuer) EnqueueUnique(_ context.Context, jobType jobqueue.JobType, key string, _ time.Duration, payload map[string]interface{}) (bool, error) {
	if f.reserved == nil {
		f.reserved = map[string]bool{}
	}
	k := string(jobType) + ":" + key
	if f.reserved[k] {
		return false, nil
	}
	f.reserved[k] = true
	f.payloads = append(f.payloads, payload)
	return true, nil
}

func TestPollerTickMergesSources(t *testing.T) {
	q := &fakeEnqueuer{}
	billing := func(context.Context) ([]string, error) { return []string{"J-2", "J-1"}, nil }
	subscribed := func(context.Context) ([]string, error) { return []string{"J-1", "J-3", ""}, nil }
	broken := func(context.Context) ([]string, error) { return nil, errors.New("db down") }

	p := NewPoller(q, func() time.Duration { return time.Minute }, billing, broken, subscribed)

	n, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, q.payloads, 3)
	assert.Equal(t, "J-1", q.payloads[0]["job_id"])
	assert.Equal(t, "J-3", q.payloads[2]["job_id"])

	// still inside the window
	n, err = p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestResyncHandlerRefreshesFeed(t *testing.T) {
	rec := &recordingObserver{}
	feed := New(NewMemoryStore(), &stubSource{job: baseJob()}, rec)
	handler := ResyncHandler(feed)

	err := handler(context.Background(), &jobqueue.Job{Payload: jobqueue.JobResyncPayload{JobID: "J-1"}.ToMap()})
	require.NoError(t, err)
	require.Len(t, rec.seen, 1)
	assert.Equal(t, SourcePull, rec.seen[0].Source)
}

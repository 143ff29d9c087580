package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
)

// Sources tag where an observation came from.
const (
	SourcePush    = "push"
	SourcePull    = "pull"
	SourceRefresh = "refresh"
)

// Observer is notified after every observation, including baselines and
// observations without events.
type Observer interface {
	OnJobChanged(ctx context.Context, obs Observation) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, obs Observation) error

func (f ObserverFunc) OnJobChanged(ctx context.Context, obs Observation) error {
	return f(ctx, obs)
}

// JobSource fetches the current canonical job.
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (*casejob.Job, error)
}

// Feed turns job snapshots into change events. Push and pull transports both
// end in Observe, so there is one change-detection path.
type Feed struct {
	store     SnapshotStore
	source    JobSource
	observers []Observer
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a feed. source may be nil when only push is used.
func New(store SnapshotStore, source JobSource, observers ...Observer) *Feed {
	return &Feed{
		store:     store,
		source:    source,
		observers: observers,
		now:       time.Now,
		locks:     map[string]*jobLock{},
	}
}

// AddObserver registers an observer. Call before traffic starts.
func (f *Feed) AddObserver(o Observer) {
	f.observers = append(f.observers, o)
}

// Refresh pulls one job from the source and observes it.
func (f *Feed) Refresh(ctx context.Context, jobID, source string) (Observation, error) {
	if f.source == nil {
		return Observation{}, errors.New("change feed has no job source")
	}
	job, err := f.source.GetJob(ctx, jobID)
	if err != nil {
		return Observation{}, errors.Wrapf(err, "fetch job %s", jobID)
	}
	return f.Observe(ctx, job, source)
}

// Observe diffs cur against the stored snapshot, stores cur and notifies
// observers. Observations of the same job are serialized in-process.
func (f *Feed) Observe(ctx context.Context, cur *casejob.Job, source string) (Observation, error) {
	if cur == nil || cur.ID == "" {
		return Observation{}, errors.New("job snapshot without id")
	}

	unlock := f.lock(cur.ID)
	prev, err := f.store.Load(ctx, cur.ID)
	if err != nil {
		unlock()
		return Observation{}, err
	}

	obs := Observation{
		JobID:    cur.ID,
		Source:   source,
		Previous: prev,
		Current:  cur,
		Baseline: prev == nil,
	}
	if prev != nil {
		obs.Events = Diff(prev, cur)
		at := f.now().UTC()
		for i := range obs.Events {
			obs.Events[i].Timestamp = at
		}
	}

	if err := f.store.Save(ctx, cur); err != nil {
		unlock()
		return Observation{}, err
	}
	unlock()

	if obs.Baseline {
		log.Debugf("[ChangeFeed] Baseline for job %s (%s)", cur.ID, source)
	} else if obs.Changed() {
		log.Infof("[ChangeFeed] Job %s: %d change(s) via %s", cur.ID, len(obs.Events), source)
	}

	for _, o := range f.observers {
		if err := o.OnJobChanged(ctx, obs); err != nil {
			log.Errorf("[ChangeFeed] Observer failed for job %s: %v", cur.ID, err)
		}
	}
	return obs, nil
}

func (f *Feed) lock(jobID string) func() {
	f.locksMu.Lock()
	l, ok := f.locks[jobID]
	if !ok {
		l = &jobLock{}
		f.locks[jobID] = l
	}
	l.refs++
	f.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		f.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(f.locks, jobID)
		}
		f.locksMu.Unlock()
	}
}

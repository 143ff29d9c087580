package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
)

// SnapshotStore keeps the last observed snapshot per job.
type SnapshotStore interface {
	// Load returns nil, nil when no snapshot exists.
	Load(ctx context.Context, jobID string) (*casejob.Job, error)
	Save(ctx context.Context, job *casejob.Job) error
}

// MemoryStore is a process-local SnapshotStore.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string][]byte{}}
}

func (s *MemoryStore) Load(_ context.Context, jobID string) (*casejob.Job, error) {
	s.mu.RLock()
	raw, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(raw)
}

func (s *MemoryStore) Save(_ context.Context, job *casejob.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	s.mu.Lock()
	s.jobs[job.ID] = raw
	s.mu.Unlock()
	return nil
}

const (
	snapshotKeyPrefix = "servedesk:job_snapshot:"
	snapshotTTL       = 30 * 24 * time.Hour
)

// RedisStore shares snapshots between instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context, jobID string) (*casejob.Job, error) {
	raw, err := s.client.Get(ctx, snapshotKeyPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot %s", jobID)
	}
	return decodeSnapshot(raw)
}

func (s *RedisStore) Save(ctx context.Context, job *casejob.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	return errors.Wrapf(s.client.Set(ctx, snapshotKeyPrefix+job.ID, raw, snapshotTTL).Err(), "save snapshot %s", job.ID)
}

func decodeSnapshot(raw []byte) (*casejob.Job, error) {
	var job casejob.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return &job, nil
}

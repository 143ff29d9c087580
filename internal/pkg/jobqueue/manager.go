package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// TaskFunc is a periodic background task.
type TaskFunc func(ctx context.Context) error

// IntervalFunc is read on every tick so a config refresh changes the cadence.
type IntervalFunc func() time.Duration

type task struct {
	name     string
	interval IntervalFunc
	run      TaskFunc
}

// Manager manages the job queue and periodic background tasks
type Manager struct {
	queue   *Queue
	tasks   []task
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager wraps queue. Register tasks with Every before Start.
func NewManager(queue *Queue) *Manager {
	return &Manager{
		queue:  queue,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Every registers a periodic task.
func (m *Manager) Every(name string, interval IntervalFunc, run TaskFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task{name: name, interval: interval, run: run})
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if m.queue != nil {
		m.queue.Start()
	}

	for _, t := range m.tasks {
		m.wg.Add(1)
		go m.taskWorker(ctx, t, m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	close(m.stopCh)
	m.cancel()
	m.running = false

	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) taskWorker(ctx context.Context, t task, stopCh chan struct{}) {
	defer m.wg.Done()
	interval := t.interval()
	log.Infof("[JobQueue Manager] Started %s worker (interval: %s)", t.name, interval)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			log.Infof("[JobQueue Manager] %s worker stopping", t.name)
			return
		case <-timer.C:
			if err := t.run(ctx); err != nil {
				log.Errorf("[JobQueue Manager] %s error: %v", t.name, err)
			}
			next := t.interval()
			if next <= 0 {
				next = time.Minute
			}
			timer.Reset(next)
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce runs the named task immediately (admin use).
func (m *Manager) RunOnce(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	var found *task
	for i := range m.tasks {
		if m.tasks[i].name == name {
			found = &m.tasks[i]
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return false, nil
	}
	return true, found.run(ctx)
}

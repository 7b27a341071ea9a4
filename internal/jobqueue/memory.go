package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type scheduled struct {
	job    Job
	readyAt time.Time
}

// Memory is an in-process Queue, used by tests and as the reference
// implementation a Redis-backed Queue must match.
type Memory struct {
	mu      sync.Mutex
	byQueue map[string]map[string]*scheduled
	now     func() time.Time
}

// NewMemory constructs an empty in-process Queue.
func NewMemory() *Memory {
	return &Memory{byQueue: make(map[string]map[string]*scheduled), now: time.Now}
}

func (m *Memory) Add(_ context.Context, queueName string, payload map[string]any, opts AddOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	if m.byQueue[queueName] == nil {
		m.byQueue[queueName] = make(map[string]*scheduled)
	}
	m.byQueue[queueName][id] = &scheduled{
		job:     Job{ID: id, Queue: queueName, Payload: payload, Attempts: opts.Attempts},
		readyAt: m.now().Add(opts.Delay),
	}
	return id, nil
}

func (m *Memory) RemoveJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, jobs := range m.byQueue {
		delete(jobs, id)
	}
	return nil
}

func (m *Memory) PopReady(_ context.Context, queueName string, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.byQueue[queueName]
	now := m.now()
	var out []Job
	for id, sc := range jobs {
		if len(out) >= limit {
			break
		}
		if sc.readyAt.After(now) {
			continue
		}
		out = append(out, sc.job)
		delete(jobs, id)
	}
	return out, nil
}

func (m *Memory) Repeat(ctx context.Context, queueName string, interval time.Duration, payload map[string]any) error {
	_, err := m.Add(ctx, queueName, payload, AddOptions{Delay: interval, Attempts: 1})
	return err
}

package timer

import (
	"context"
	"sync"
	"time"

	"github.com/entityplatform/core/internal/entityerr"
)

// Store persists Timer Schedule rows.
type Store interface {
	Create(ctx context.Context, sched Schedule) (Schedule, error)
	Get(ctx context.Context, id string) (Schedule, error)
	SetJobID(ctx context.Context, id, jobID string) error
	// CompareAndSetStatus implements the guarded-fire/cancel concurrency
	// fence (spec §5 "processTimer uses a state-machine compare-and-set
	// (scheduled → fired) as its concurrency fence"). If the row's current
	// status doesn't match expected, it returns entityerr.StaleState and
	// makes no change.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status) (Schedule, error)
	ListScheduledForEntity(ctx context.Context, entity, entityID, tenantID string) ([]Schedule, error)
	// ListScheduledAfter returns every status=scheduled row for tenantID
	// with fireAt strictly after `after` (spec §4.C11 "Rehydrate": "scans
	// status=scheduled AND fireAt > now"; past-due rows are intentionally
	// excluded and left for the next drain).
	ListScheduledAfter(ctx context.Context, tenantID string, after time.Time) ([]Schedule, error)
}

// MemoryStore is an in-process Store, used by tests and as the reference
// implementation a SQL-backed store must match.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Schedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Schedule)}
}

func (s *MemoryStore) Create(_ context.Context, sched Schedule) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sched.ID] = sched
	return sched, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.rows[id]
	if !ok {
		return Schedule{}, entityerr.New(entityerr.CodeNotFound, "timer schedule %s not found", id)
	}
	return sched, nil
}

func (s *MemoryStore) SetJobID(_ context.Context, id, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.rows[id]
	if !ok {
		return entityerr.New(entityerr.CodeNotFound, "timer schedule %s not found", id)
	}
	sched.JobID = jobID
	s.rows[id] = sched
	return nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id string, expected, next Status) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.rows[id]
	if !ok {
		return Schedule{}, entityerr.New(entityerr.CodeNotFound, "timer schedule %s not found", id)
	}
	if sched.Status != expected {
		return Schedule{}, entityerr.New(entityerr.CodeStaleState, "timer schedule %s expected status %q but found %q", id, expected, sched.Status)
	}
	sched.Status = next
	s.rows[id] = sched
	return sched, nil
}

func (s *MemoryStore) ListScheduledForEntity(_ context.Context, entity, entityID, tenantID string) ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Schedule
	for _, sched := range s.rows {
		if sched.Entity == entity && sched.EntityID == entityID && sched.TenantID == tenantID && sched.Status == StatusScheduled {
			out = append(out, sched)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListScheduledAfter(_ context.Context, tenantID string, after time.Time) ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Schedule
	for _, sched := range s.rows {
		if sched.TenantID == tenantID && sched.Status == StatusScheduled && sched.FireAt.After(after) {
			out = append(out, sched)
		}
	}
	return out, nil
}

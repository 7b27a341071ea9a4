package approval

import (
	"context"
	"sync"

	"github.com/entityplatform/core/internal/entityerr"
)

// Store persists approval instances and indexes tasks back to their
// owning instance for Decide's load path.
type Store interface {
	Save(ctx context.Context, inst Instance) (Instance, error)
	Get(ctx context.Context, id string) (Instance, error)
	FindOpenByEntity(ctx context.Context, entity, entityID, tenantID string) (Instance, bool, error)
	Update(ctx context.Context, inst Instance) (Instance, error)
	InstanceForTask(ctx context.Context, taskID string) (Instance, error)
}

// MemoryStore is an in-process Store, used directly in tests and as the
// reference implementation a SQL-backed store must match (spec §4.C10
// persists the same instance/stage/task tree; this module stores it as
// one JSON-able value rather than normalized rows).
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]Instance
	taskIndex map[string]string // taskID -> instanceID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]Instance), taskIndex: make(map[string]string)}
}

func (s *MemoryStore) Save(ctx context.Context, inst Instance) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	for _, st := range inst.Stages {
		for _, t := range st.Tasks {
			s.taskIndex[t.ID] = inst.ID
		}
	}
	return inst, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, entityerr.New(entityerr.CodeNotFound, "approval instance %s not found", id)
	}
	return inst, nil
}

func (s *MemoryStore) FindOpenByEntity(ctx context.Context, entity, entityID, tenantID string) (Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Instance
	found := false
	for _, inst := range s.instances {
		if inst.Entity != entity || inst.EntityID != entityID || inst.TenantID != tenantID {
			continue
		}
		if !found || inst.CreatedAt.After(best.CreatedAt) {
			best, found = inst, true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) Update(ctx context.Context, inst Instance) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return Instance{}, entityerr.New(entityerr.CodeNotFound, "approval instance %s not found", inst.ID)
	}
	s.instances[inst.ID] = inst
	for _, st := range inst.Stages {
		for _, t := range st.Tasks {
			s.taskIndex[t.ID] = inst.ID
		}
	}
	return inst, nil
}

func (s *MemoryStore) InstanceForTask(ctx context.Context, taskID string) (Instance, error) {
	s.mu.Lock()
	instanceID, ok := s.taskIndex[taskID]
	s.mu.Unlock()
	if !ok {
		return Instance{}, entityerr.New(entityerr.CodeNotFound, "approval task %s not found", taskID)
	}
	return s.Get(context.Background(), instanceID)
}

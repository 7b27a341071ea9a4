package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/entityplatform/core/internal/entityerr"
)

// Event kinds (spec §4.C9 "appends a CREATE event" / "appends a lifecycle event").
const (
	EventKindCreate     = "CREATE"
	EventKindTransition = "TRANSITION"
)

// Instance is a per-(entity,id) lifecycle instance (spec §3 "entity_lifecycle_instance").
type Instance struct {
	ID          string
	Entity      string
	EntityID    string
	TenantID    string
	LifecycleID string
	StateCode   string
	Version     int
	CreatedAt   time.Time
	CreatedBy   string
	UpdatedAt   time.Time
	UpdatedBy   string
}

// Event is one lifecycle event row (spec §3 "entity_lifecycle_event").
type Event struct {
	ID            string
	InstanceID    string
	FromState     string
	ToState       string
	OperationCode string
	Actor         string
	Payload       map[string]any
	CorrelationID string
	OccurredAt    time.Time
	Kind          string
}

// Store is the persistence contract the Lifecycle Manager depends on.
type Store interface {
	CreateInstance(ctx context.Context, inst Instance) (Instance, error)
	GetInstance(ctx context.Context, entity, entityID, tenantID string) (Instance, error)
	// CompareAndSetState applies the optimistic-lock CAS on (instance_id,
	// state_id_before) (spec §5 "Ordering guarantees"): if the instance's
	// current state no longer matches expectedStateCode, it returns
	// entityerr.StaleState and makes no change.
	CompareAndSetState(ctx context.Context, instanceID, expectedStateCode, newStateCode, updatedBy string) (Instance, error)
	AppendEvent(ctx context.Context, ev Event) (Event, error)
	ListEvents(ctx context.Context, instanceID string) ([]Event, error)
}

type instanceKey struct{ entity, entityID, tenantID string }

// MemoryStore is an in-process Store, used by tests and as a reference
// implementation; production deployments back Store with the sqlstore
// capability over `core.entity_lifecycle_instance`/`core.entity_lifecycle_event`.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[instanceKey]Instance
	byID      map[string]instanceKey
	events    map[string][]Event
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[instanceKey]Instance),
		byID:      make(map[string]instanceKey),
		events:    make(map[string][]Event),
	}
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst Instance) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey{inst.Entity, inst.EntityID, inst.TenantID}
	if _, exists := s.instances[key]; exists {
		return Instance{}, entityerr.New(entityerr.CodeInternal, "lifecycle instance already exists for %s/%s", inst.Entity, inst.EntityID)
	}
	s.instances[key] = inst
	s.byID[inst.ID] = key
	return inst, nil
}

func (s *MemoryStore) GetInstance(_ context.Context, entity, entityID, tenantID string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceKey{entity, entityID, tenantID}]
	if !ok {
		return Instance{}, entityerr.New(entityerr.CodeNotFound, "no lifecycle instance for %s/%s", entity, entityID)
	}
	return inst, nil
}

func (s *MemoryStore) CompareAndSetState(_ context.Context, instanceID, expectedStateCode, newStateCode, updatedBy string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[instanceID]
	if !ok {
		return Instance{}, entityerr.New(entityerr.CodeNotFound, "no lifecycle instance %s", instanceID)
	}
	inst := s.instances[key]
	if inst.StateCode != expectedStateCode {
		return Instance{}, entityerr.New(entityerr.CodeStaleState, "instance %s expected state %q but found %q", instanceID, expectedStateCode, inst.StateCode)
	}
	inst.StateCode = newStateCode
	inst.UpdatedBy = updatedBy
	inst.Version++
	s.instances[key] = inst
	return inst, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
	return ev, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, instanceID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Event(nil), s.events[instanceID]...)
	return out, nil
}

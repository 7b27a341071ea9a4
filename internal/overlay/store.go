package overlay

import (
	"context"
	"fmt"
	"sync"

	"github.com/entityplatform/core/internal/entityerr"
)

// Store persists Overlay rows and resolves an ordered overlay set id list
// into concrete Overlays (spec §4.C3, §3 "Overlay set").
type Store interface {
	CreateDraft(ctx context.Context, o Overlay) error
	Get(ctx context.Context, tenantID, id string) (Overlay, error)
	Publish(ctx context.Context, tenantID, id string) error
	Archive(ctx context.Context, tenantID, id string) error

	// ResolveSet returns the Overlays named by ids, in the same order,
	// failing if any id is missing or not published.
	ResolveSet(ctx context.Context, tenantID string, ids []string) ([]Overlay, error)
}

type tenantKey struct {
	tenant string
	id     string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[tenantKey]Overlay
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[tenantKey]Overlay)}
}

func (s *MemoryStore) CreateDraft(_ context.Context, o Overlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantKey{o.TenantID, o.ID}
	if _, exists := s.byID[k]; exists {
		return entityerr.New(entityerr.CodeValidation, "overlay %s already exists", o.ID)
	}
	if o.Status == "" {
		o.Status = StatusDraft
	}
	s.byID[k] = o
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[tenantKey{tenantID, id}]
	if !ok {
		return Overlay{}, fmt.Errorf("overlay %s: %w", id, entityerr.NotFound)
	}
	return o, nil
}

func (s *MemoryStore) Publish(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantKey{tenantID, id}
	o, ok := s.byID[k]
	if !ok {
		return fmt.Errorf("overlay %s: %w", id, entityerr.NotFound)
	}
	o.Status = StatusPublished
	s.byID[k] = o
	return nil
}

func (s *MemoryStore) Archive(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantKey{tenantID, id}
	o, ok := s.byID[k]
	if !ok {
		return fmt.Errorf("overlay %s: %w", id, entityerr.NotFound)
	}
	o.Status = StatusArchived
	s.byID[k] = o
	return nil
}

func (s *MemoryStore) ResolveSet(_ context.Context, tenantID string, ids []string) ([]Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Overlay, 0, len(ids))
	for _, id := range ids {
		o, ok := s.byID[tenantKey{tenantID, id}]
		if !ok {
			return nil, fmt.Errorf("overlay %s: %w", id, entityerr.NotFound)
		}
		if o.Status != StatusPublished {
			return nil, entityerr.New(entityerr.CodeValidation, "overlay %s is not published (status=%s)", id, o.Status)
		}
		out = append(out, o)
	}
	return out, nil
}

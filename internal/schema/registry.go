package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/entityplatform/core/internal/entityerr"
)

// Registry is the versioned store of entity schemas (spec §4.C2). Published
// versions are immutable: once MarkPublished succeeds for (entityName,
// version), no further field/policy mutation is permitted on that version.
type Registry interface {
	// CreateDraft stores a new draft schema version. Fails with Validation
	// if (entityName, version) already exists.
	CreateDraft(ctx context.Context, s Schema) error

	// Get returns the schema at (entityName, version).
	Get(ctx context.Context, entityName string, version int) (Schema, error)

	// GetLatestPublished returns the highest-versioned published schema for entityName.
	GetLatestPublished(ctx context.Context, entityName string) (Schema, error)

	// ListVersions returns all known version numbers for entityName, ascending.
	ListVersions(ctx context.Context, entityName string) ([]int, error)

	// MarkPublished freezes (entityName, version) as published. Fails with
	// Validation if it is already published.
	MarkPublished(ctx context.Context, entityName string, version int, publishedAt time.Time) error
}

// PublishArtifact records the outcome of a successful publish (SPEC_FULL
// "Publish artifact table", resolving the spec §9 Open Question).
type PublishArtifact struct {
	EntityName          string
	Version             int
	CompiledHash        string
	DiagnosticsSummary  string
	AppliedOverlaySet   []string
	PublishedAt         time.Time
}

// ArtifactStore persists PublishArtifact rows and rejects re-publish of the
// same (entity, version).
type ArtifactStore interface {
	Save(ctx context.Context, a PublishArtifact) error
	Get(ctx context.Context, entityName string, version int) (PublishArtifact, bool, error)
}

type versionKey struct {
	entity  string
	version int
}

// MemoryRegistry is an in-process Registry, used by tests and as the
// reference implementation SQLRegistry (sqlstore_impl.go) matches.
type MemoryRegistry struct {
	mu    sync.RWMutex
	byKey map[versionKey]Schema
}

// NewMemoryRegistry constructs an empty in-memory Registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byKey: make(map[versionKey]Schema)}
}

func (r *MemoryRegistry) CreateDraft(_ context.Context, s Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := versionKey{s.EntityName, s.Version}
	if _, exists := r.byKey[k]; exists {
		return entityerr.New(entityerr.CodeValidation, "schema %s v%d already exists", s.EntityName, s.Version)
	}
	if s.Status == "" {
		s.Status = StatusDraft
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	r.byKey[k] = s.Clone()
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, entityName string, version int) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[versionKey{entityName, version}]
	if !ok {
		return Schema{}, fmt.Errorf("schema %s v%d: %w", entityName, version, entityerr.NotFound)
	}
	return s.Clone(), nil
}

func (r *MemoryRegistry) GetLatestPublished(_ context.Context, entityName string) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := -1
	for k, s := range r.byKey {
		if k.entity == entityName && s.Status == StatusPublished && k.version > best {
			best = k.version
		}
	}
	if best == -1 {
		return Schema{}, fmt.Errorf("schema %s: no published version: %w", entityName, entityerr.NotFound)
	}
	return r.byKey[versionKey{entityName, best}].Clone(), nil
}

func (r *MemoryRegistry) ListVersions(_ context.Context, entityName string) ([]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var versions []int
	for k := range r.byKey {
		if k.entity == entityName {
			versions = append(versions, k.version)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

func (r *MemoryRegistry) MarkPublished(_ context.Context, entityName string, version int, publishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := versionKey{entityName, version}
	s, ok := r.byKey[k]
	if !ok {
		return fmt.Errorf("schema %s v%d: %w", entityName, version, entityerr.NotFound)
	}
	if s.Status == StatusPublished {
		return entityerr.New(entityerr.CodeValidation, "schema %s v%d already published", entityName, version)
	}
	s.Status = StatusPublished
	t := publishedAt
	s.PublishedAt = &t
	r.byKey[k] = s
	return nil
}

// MemoryArtifactStore is an in-process ArtifactStore.
type MemoryArtifactStore struct {
	mu   sync.RWMutex
	byKey map[versionKey]PublishArtifact
}

// NewMemoryArtifactStore constructs an empty in-memory ArtifactStore.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{byKey: make(map[versionKey]PublishArtifact)}
}

func (s *MemoryArtifactStore) Save(_ context.Context, a PublishArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := versionKey{a.EntityName, a.Version}
	if _, exists := s.byKey[k]; exists {
		return entityerr.New(entityerr.CodeValidation, "publish artifact for %s v%d already exists", a.EntityName, a.Version)
	}
	s.byKey[k] = a
	return nil
}

func (s *MemoryArtifactStore) Get(_ context.Context, entityName string, version int) (PublishArtifact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byKey[versionKey{entityName, version}]
	return a, ok, nil
}

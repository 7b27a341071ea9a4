package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/sqlstore"
)

// SQLRegistry is the sqlstore-backed Registry over `schema.entity_schema`
// (spec §4.C2), grounded on audit.SQLOutbox's marshal/scan shape. It is
// meant to run against the dolt driver (SPEC_FULL DOMAIN STACK: "the
// versioned-SQL backend option for the Schema Registry's audit-friendly
// storage"), so every write is itself a Dolt-versioned commit a schema
// change can be diffed or reverted against outside this package.
type SQLRegistry struct {
	db *sqlstore.DB
}

func NewSQLRegistry(db *sqlstore.DB) *SQLRegistry {
	return &SQLRegistry{db: db}
}

func (r *SQLRegistry) CreateDraft(ctx context.Context, s Schema) error {
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return fmt.Errorf("schema: marshal fields: %w", err)
	}
	policies, err := json.Marshal(s.Policies)
	if err != nil {
		return fmt.Errorf("schema: marshal policies: %w", err)
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("schema: marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO schema.entity_schema
		 (entity_name, version, fields, policies, metadata, status, created_at, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		s.EntityName, s.Version, fields, policies, metadata, StatusDraft, s.CreatedAt)
	if err != nil {
		return entityerr.New(entityerr.CodeValidation, "schema: draft %s v%d already exists or is invalid: %v", s.EntityName, s.Version, err)
	}
	return nil
}

func (r *SQLRegistry) scanRow(row *sql.Row) (Schema, error) {
	var s Schema
	var fields, policies, metadata []byte
	var publishedAt sql.NullTime
	if err := row.Scan(&s.EntityName, &s.Version, &fields, &policies, &metadata, &s.Status, &s.CreatedAt, &publishedAt); err != nil {
		return Schema{}, err
	}
	if err := json.Unmarshal(fields, &s.Fields); err != nil {
		return Schema{}, fmt.Errorf("schema: unmarshal fields for %s v%d: %w", s.EntityName, s.Version, err)
	}
	if err := json.Unmarshal(policies, &s.Policies); err != nil {
		return Schema{}, fmt.Errorf("schema: unmarshal policies for %s v%d: %w", s.EntityName, s.Version, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return Schema{}, fmt.Errorf("schema: unmarshal metadata for %s v%d: %w", s.EntityName, s.Version, err)
		}
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		s.PublishedAt = &t
	}
	return s, nil
}

const selectSchemaColumns = `entity_name, version, fields, policies, metadata, status, created_at, published_at`

func (r *SQLRegistry) Get(ctx context.Context, entityName string, version int) (Schema, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+selectSchemaColumns+" FROM schema.entity_schema WHERE entity_name = ? AND version = ?",
		entityName, version)
	s, err := r.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schema{}, entityerr.New(entityerr.CodeNotFound, "schema %s v%d not found", entityName, version)
	}
	if err != nil {
		return Schema{}, err
	}
	return s, nil
}

func (r *SQLRegistry) GetLatestPublished(ctx context.Context, entityName string) (Schema, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectSchemaColumns+` FROM schema.entity_schema
		 WHERE entity_name = ? AND status = ?
		 ORDER BY version DESC LIMIT 1`,
		entityName, StatusPublished)
	s, err := r.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schema{}, entityerr.New(entityerr.CodeNotFound, "no published schema for %s", entityName)
	}
	if err != nil {
		return Schema{}, err
	}
	return s, nil
}

func (r *SQLRegistry) ListVersions(ctx context.Context, entityName string) ([]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT version FROM schema.entity_schema WHERE entity_name = ? ORDER BY version ASC", entityName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *SQLRegistry) MarkPublished(ctx context.Context, entityName string, version int, publishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE schema.entity_schema SET status = ?, published_at = ? WHERE entity_name = ? AND version = ? AND status = ?",
		StatusPublished, publishedAt, entityName, version, StatusDraft)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entityerr.New(entityerr.CodeValidation, "schema %s v%d is already published or does not exist", entityName, version)
	}
	return nil
}

// SQLArtifactStore is the sqlstore-backed ArtifactStore over
// `schema.publish_artifact` (SPEC_FULL "Publish artifact table").
type SQLArtifactStore struct {
	db *sqlstore.DB
}

func NewSQLArtifactStore(db *sqlstore.DB) *SQLArtifactStore {
	return &SQLArtifactStore{db: db}
}

func (s *SQLArtifactStore) Save(ctx context.Context, a PublishArtifact) error {
	overlaySet, err := json.Marshal(a.AppliedOverlaySet)
	if err != nil {
		return fmt.Errorf("schema: marshal overlay set: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schema.publish_artifact
		 (entity_name, version, compiled_hash, diagnostics_summary, applied_overlay_set, published_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.EntityName, a.Version, a.CompiledHash, a.DiagnosticsSummary, overlaySet, a.PublishedAt)
	if err != nil {
		return entityerr.New(entityerr.CodeValidation, "schema: publish artifact for %s v%d already recorded: %v", a.EntityName, a.Version, err)
	}
	return nil
}

func (s *SQLArtifactStore) Get(ctx context.Context, entityName string, version int) (PublishArtifact, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_name, version, compiled_hash, diagnostics_summary, applied_overlay_set, published_at
		 FROM schema.publish_artifact WHERE entity_name = ? AND version = ?`,
		entityName, version)
	var a PublishArtifact
	var overlaySet []byte
	err := row.Scan(&a.EntityName, &a.Version, &a.CompiledHash, &a.DiagnosticsSummary, &overlaySet, &a.PublishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PublishArtifact{}, false, nil
	}
	if err != nil {
		return PublishArtifact{}, false, err
	}
	if len(overlaySet) > 0 {
		if err := json.Unmarshal(overlaySet, &a.AppliedOverlaySet); err != nil {
			return PublishArtifact{}, false, fmt.Errorf("schema: unmarshal overlay set for %s v%d: %w", entityName, version, err)
		}
	}
	return a, true, nil
}

var (
	_ Registry      = (*SQLRegistry)(nil)
	_ ArtifactStore = (*SQLArtifactStore)(nil)
)

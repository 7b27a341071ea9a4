package overlay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/sqlstore"
)

// SQLStore is the sqlstore-backed Store over `meta.overlay` and
// `meta.overlay_change` (spec §4.C3, tables per spec §7), grounded on
// schema.SQLRegistry's marshal/scan shape.
type SQLStore struct {
	db *sqlstore.DB
}

func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) CreateDraft(ctx context.Context, o Overlay) error {
	if o.Status == "" {
		o.Status = StatusDraft
	}
	return s.db.WithTx(ctx, func(tx sqlstore.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta.overlay (id, tenant_id, name, status) VALUES (?, ?, ?, ?)`,
			o.ID, o.TenantID, o.Name, o.Status); err != nil {
			return entityerr.New(entityerr.CodeValidation, "overlay %s already exists or is invalid: %v", o.ID, err)
		}
		for _, ch := range o.Changes {
			if err := insertChange(ctx, tx, o.TenantID, o.ID, ch); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertChange(ctx context.Context, tx sqlstore.Tx, tenantID, overlayID string, ch Change) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta.overlay_change (tenant_id, overlay_id, kind, payload, sort_order, conflict_mode)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tenantID, overlayID, ch.Kind, []byte(ch.Payload), ch.SortOrder, ch.ConflictMode)
	if err != nil {
		return fmt.Errorf("overlay: insert change: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, tenantID, id string) (Overlay, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, status FROM meta.overlay WHERE tenant_id = ? AND id = ?`,
		tenantID, id)
	var o Overlay
	if err := row.Scan(&o.ID, &o.TenantID, &o.Name, &o.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Overlay{}, fmt.Errorf("overlay %s: %w", id, entityerr.NotFound)
		}
		return Overlay{}, err
	}
	changes, err := s.loadChanges(ctx, tenantID, id)
	if err != nil {
		return Overlay{}, err
	}
	o.Changes = changes
	return o, nil
}

func (s *SQLStore) loadChanges(ctx context.Context, tenantID, overlayID string) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, payload, sort_order, conflict_mode FROM meta.overlay_change
		 WHERE tenant_id = ? AND overlay_id = ? ORDER BY sort_order ASC`,
		tenantID, overlayID)
	if err != nil {
		return nil, fmt.Errorf("overlay: load changes for %s: %w", overlayID, err)
	}
	defer rows.Close()
	var out []Change
	for rows.Next() {
		var ch Change
		var payload []byte
		if err := rows.Scan(&ch.Kind, &payload, &ch.SortOrder, &ch.ConflictMode); err != nil {
			return nil, err
		}
		ch.Payload = json.RawMessage(payload)
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (s *SQLStore) Publish(ctx context.Context, tenantID, id string) error {
	return s.setStatus(ctx, tenantID, id, StatusPublished, StatusDraft)
}

func (s *SQLStore) Archive(ctx context.Context, tenantID, id string) error {
	return s.setStatus(ctx, tenantID, id, StatusArchived, StatusPublished)
}

func (s *SQLStore) setStatus(ctx context.Context, tenantID, id string, next, from Status) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE meta.overlay SET status = ? WHERE tenant_id = ? AND id = ? AND status = ?",
		next, tenantID, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, tenantID, id); getErr != nil {
			return getErr
		}
		return entityerr.New(entityerr.CodeStaleState, "overlay %s is not in %s status", id, from)
	}
	return nil
}

func (s *SQLStore) ResolveSet(ctx context.Context, tenantID string, ids []string) ([]Overlay, error) {
	out := make([]Overlay, 0, len(ids))
	for _, id := range ids {
		o, err := s.Get(ctx, tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("overlay set: %w", err)
		}
		if o.Status != StatusPublished {
			return nil, entityerr.New(entityerr.CodeValidation, "overlay %s is not published", id)
		}
		out = append(out, o)
	}
	return out, nil
}

var _ Store = (*SQLStore)(nil)

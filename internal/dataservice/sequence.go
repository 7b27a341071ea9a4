package dataservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/entityplatform/core/internal/sqlstore"
)

// SequenceAllocator assigns the next per-tenant, per-entity human-readable
// number from `meta.numbering_sequence` (SPEC_FULL "Numbering sequences"):
// read-only after assignment, optional per entity via
// schema.Metadata.SequenceEnabled.
type SequenceAllocator interface {
	Next(ctx context.Context, tenantID, entity string) (int64, error)
}

// MemorySequenceAllocator is an in-process allocator for tests and
// single-node deployments without the SQL-backed sequence table.
type MemorySequenceAllocator struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemorySequenceAllocator() *MemorySequenceAllocator {
	return &MemorySequenceAllocator{counts: make(map[string]int64)}
}

func (a *MemorySequenceAllocator) Next(_ context.Context, tenantID, entity string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := fmt.Sprintf("%s:%s", tenantID, entity)
	a.counts[key]++
	return a.counts[key], nil
}

// SQLSequenceAllocator allocates from `meta.numbering_sequence`, scoped
// per (tenant, entity), via an upsert-then-read pair inside a
// transaction so concurrent allocators never hand out the same number.
type SQLSequenceAllocator struct {
	db *sqlstore.DB
}

func NewSQLSequenceAllocator(db *sqlstore.DB) *SQLSequenceAllocator {
	return &SQLSequenceAllocator{db: db}
}

func (a *SQLSequenceAllocator) Next(ctx context.Context, tenantID, entity string) (int64, error) {
	var next int64
	err := a.db.WithTx(ctx, func(tx sqlstore.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta.numbering_sequence (tenant_id, entity_name, current_value)
			 VALUES (?, ?, 1)
			 ON DUPLICATE KEY UPDATE current_value = current_value + 1`,
			tenantID, entity); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			"SELECT current_value FROM meta.numbering_sequence WHERE tenant_id = ? AND entity_name = ?",
			tenantID, entity).Scan(&next)
	})
	return next, err
}

package dataservice

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/sqlstore"
)

// fakeTx is the no-op sqlstore.Tx every fakeDB transaction runs against:
// memPersister never issues real SQL, so the only thing that matters is
// that WithTx's callback runs and its error propagates.
type fakeTx struct{}

func (fakeTx) QueryContext(context.Context, string, ...any) (*sql.Rows, error) { return nil, nil }
func (fakeTx) QueryRowContext(context.Context, string, ...any) *sql.Row        { return nil }
func (fakeTx) ExecContext(context.Context, string, ...any) (sql.Result, error) { return nil, nil }

// fakeDB satisfies dbHandle without a live connection, the same way
// lifecycle.MemoryStore and audit.MemoryStore stand in for their SQL
// counterparts in the rest of this module's test suites.
type fakeDB struct{}

func (fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) { return nil, nil }
func (fakeDB) QueryRowContext(context.Context, string, ...any) *sql.Row        { return nil }
func (fakeDB) WithTx(ctx context.Context, fn func(tx sqlstore.Tx) error) error {
	return fn(fakeTx{})
}

// memPersister is an in-memory Persister keyed by table name and id, used
// so dataservice's orchestration logic is testable without a database,
// mirroring lifecycle.MemoryStore's role for the Lifecycle Manager.
type memPersister struct {
	mu     sync.Mutex
	tables map[string]map[string]Record
}

func newMemPersister() *memPersister {
	return &memPersister{tables: make(map[string]map[string]Record)}
}

func (p *memPersister) table(model compiler.CompiledModel) map[string]Record {
	t, ok := p.tables[model.TableName]
	if !ok {
		t = make(map[string]Record)
		p.tables[model.TableName] = t
	}
	return t
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (p *memPersister) Insert(_ context.Context, _ sqlstore.Execer, model compiler.CompiledModel, row Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, _ := row["id"].(string)
	p.table(model)[id] = cloneRecord(row)
	return nil
}

func (p *memPersister) SelectByID(_ context.Context, _ sqlstore.Queryer, model compiler.CompiledModel, tenantID, id string, includeDeleted bool) (Record, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.table(model)[id]
	if !ok || row["tenant_id"] != tenantID {
		return nil, false, nil
	}
	if !includeDeleted && row["deleted_at"] != nil {
		return nil, false, nil
	}
	return cloneRecord(row), true, nil
}

func matchesFilter(row Record, f QueryFilter) bool {
	v, present := row[f.Field]
	switch f.Op {
	case FilterIsNull:
		return !present || v == nil
	case FilterEq:
		return present && v == f.Value
	case FilterNe:
		return !present || v != f.Value
	case FilterIn:
		list, _ := f.Value.([]any)
		for _, item := range list {
			if present && v == item {
				return true
			}
		}
		return false
	case FilterContains, FilterStartsWith:
		vs, _ := v.(string)
		fs, _ := f.Value.(string)
		if f.Op == FilterContains {
			return present && len(fs) == 0 || (present && containsStr(vs, fs))
		}
		return present && startsWithStr(vs, fs)
	case FilterGt, FilterGte, FilterLt, FilterLte:
		return compareNumeric(v, f.Value, f.Op)
	default:
		return true
	}
}

func containsStr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return needle == ""
}

func startsWithStr(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func compareNumeric(a, b any, op FilterOp) bool {
	af, ok1 := asFloat(a)
	bf, ok2 := asFloat(b)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case FilterGt:
		return af > bf
	case FilterGte:
		return af >= bf
	case FilterLt:
		return af < bf
	case FilterLte:
		return af <= bf
	default:
		return false
	}
}

func (p *memPersister) Query(_ context.Context, _ sqlstore.Queryer, model compiler.CompiledModel, tenantID string, query Query) ([]Record, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matched []Record
	for _, row := range p.table(model) {
		if row["tenant_id"] != tenantID {
			continue
		}
		if !query.IncludeDeleted && row["deleted_at"] != nil {
			continue
		}
		all := true
		for _, f := range query.Filters {
			if !matchesFilter(row, f) {
				all = false
				break
			}
		}
		if all {
			matched = append(matched, cloneRecord(row))
		}
	}

	if len(query.Sort) > 0 {
		s := query.Sort[0]
		sort.Slice(matched, func(i, j int) bool {
			less := fmt.Sprint(matched[i][s.Field]) < fmt.Sprint(matched[j][s.Field])
			if s.Direction == SortDesc {
				return !less
			}
			return less
		})
	}

	total := len(matched)
	page, pageSize := query.Page, query.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = len(matched)
	}
	start := (page - 1) * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	if pageSize == 0 {
		return matched, total, nil
	}
	return matched[start:end], total, nil
}

func (p *memPersister) Update(_ context.Context, _ sqlstore.Tx, model compiler.CompiledModel, tenantID, id string, expectedVersion int, patch Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.table(model)[id]
	if !ok || row["tenant_id"] != tenantID {
		return entityerr.NotFound
	}
	current, _ := row["version"].(int)
	if current != expectedVersion {
		return entityerr.VersionConflict
	}
	for k, v := range patch {
		row[k] = v
	}
	row["version"] = current + 1
	return nil
}

func (p *memPersister) SoftDelete(_ context.Context, _ sqlstore.Execer, model compiler.CompiledModel, tenantID, id, actor string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.table(model)[id]
	if !ok || row["tenant_id"] != tenantID {
		return entityerr.NotFound
	}
	row["deleted_at"] = at
	row["deleted_by"] = actor
	if v, _ := row["version"].(int); true {
		row["version"] = v + 1
	}
	return nil
}

func (p *memPersister) SetNull(_ context.Context, _ sqlstore.Execer, model compiler.CompiledModel, tenantID, field, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.table(model)[id]
	if !ok || row["tenant_id"] != tenantID {
		return entityerr.NotFound
	}
	row[field] = nil
	if v, _ := row["version"].(int); true {
		row["version"] = v + 1
	}
	return nil
}

func (p *memPersister) CountActiveReferences(_ context.Context, _ sqlstore.Queryer, model compiler.CompiledModel, field, targetID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, row := range p.table(model) {
		if row["deleted_at"] != nil {
			continue
		}
		if v, _ := row[field].(string); v == targetID {
			count++
		}
	}
	return count, nil
}

func (p *memPersister) ReferencingIDs(_ context.Context, _ sqlstore.Queryer, model compiler.CompiledModel, field, targetID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, row := range p.table(model) {
		if row["deleted_at"] != nil {
			continue
		}
		if v, _ := row[field].(string); v == targetID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var _ Persister = (*memPersister)(nil)
var _ dbHandle = fakeDB{}

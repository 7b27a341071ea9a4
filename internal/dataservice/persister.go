package dataservice

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/schema"
	"github.com/entityplatform/core/internal/sqlstore"
)

// Persister is the row-level SQL surface a compiled entity table is read
// and written through. Every method receives the table/column names
// already resolved from a compiler.CompiledModel, never from caller
// input, so the SQL-injection invariant (spec §4.C13 step 3) holds at
// this single boundary.
type Persister interface {
	Insert(ctx context.Context, tx sqlstore.Execer, model compiler.CompiledModel, row Record) error
	SelectByID(ctx context.Context, q sqlstore.Queryer, model compiler.CompiledModel, tenantID, id string, includeDeleted bool) (Record, bool, error)
	Query(ctx context.Context, q sqlstore.Queryer, model compiler.CompiledModel, tenantID string, query Query) ([]Record, int, error)
	Update(ctx context.Context, tx sqlstore.Tx, model compiler.CompiledModel, tenantID, id string, expectedVersion int, patch Record) error
	SoftDelete(ctx context.Context, tx sqlstore.Execer, model compiler.CompiledModel, tenantID, id, actor string, at time.Time) error
	SetNull(ctx context.Context, tx sqlstore.Execer, model compiler.CompiledModel, tenantID, field, id string) error
	CountActiveReferences(ctx context.Context, q sqlstore.Queryer, model compiler.CompiledModel, field, targetID string) (int, error)
	ReferencingIDs(ctx context.Context, q sqlstore.Queryer, model compiler.CompiledModel, field, targetID string) ([]string, error)
}

// SQLPersister is the sqlstore-backed Persister (spec §6 "Persistence
// (consumed)"). Built on a query-builder helper pattern, generalized from
// a fixed column set to the dynamic column list a CompiledModel carries.
type SQLPersister struct{}

func NewSQLPersister() *SQLPersister { return &SQLPersister{} }

func qualifiedTable(model compiler.CompiledModel) (string, error) {
	return sqlstore.QuoteIdentifier(model.TableName)
}

func quoteColumns(model compiler.CompiledModel) ([]string, error) {
	cols := make([]string, 0, len(model.Fields))
	for _, f := range model.Fields {
		q, err := sqlstore.QuoteIdentifier(f.ColumnName)
		if err != nil {
			return nil, fmt.Errorf("dataservice: invalid column name %q in IR for %s: %w", f.ColumnName, model.EntityName, err)
		}
		cols = append(cols, q)
	}
	return cols, nil
}

func (p *SQLPersister) Insert(ctx context.Context, tx sqlstore.Execer, model compiler.CompiledModel, row Record) error {
	table, err := qualifiedTable(model)
	if err != nil {
		return err
	}
	var cols []string
	var placeholders []string
	var args []any
	for _, f := range model.Fields {
		v, ok := row[f.APIName]
		if !ok {
			continue
		}
		col, err := sqlstore.QuoteIdentifier(f.ColumnName)
		if err != nil {
			return fmt.Errorf("dataservice: invalid column name %q in IR for %s: %w", f.ColumnName, model.EntityName, err)
		}
		cols = append(cols, col)
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err = tx.ExecContext(ctx, stmt, args...)
	return err
}

func (p *SQLPersister) scanRow(rows *sql.Rows, model compiler.CompiledModel) (Record, error) {
	dest := make([]any, len(model.Fields))
	vals := make([]any, len(model.Fields))
	for i := range dest {
		dest[i] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	rec := make(Record, len(model.Fields))
	for i, f := range model.Fields {
		rec[f.APIName] = vals[i]
	}
	return rec, nil
}

func (p *SQLPersister) SelectByID(ctx context.Context, q sqlstore.Queryer, model compiler.CompiledModel, tenantID, id string, includeDeleted bool) (Record, bool, error) {
	table, err := qualifiedTable(model)
	if err != nil {
		return nil, false, err
	}
	cols, err := quoteColumns(model)
	if err != nil {
		return nil, false, err
	}
	where := "tenant_id = ? AND id = ?"
	if !includeDeleted {
		where += " AND deleted_at IS NULL"
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1", strings.Join(cols, ", "), table, where)
	rows, err := q.QueryContext(ctx, stmt, tenantID, id)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, nil
	}
	rec, err := p.scanRow(rows, model)
	return rec, true, err
}

var filterSQL = map[FilterOp]string{
	FilterEq: "=", FilterNe: "!=", FilterGt: ">", FilterGte: ">=", FilterLt: "<", FilterLte: "<=",
	FilterContains: "LIKE", FilterStartsWith: "LIKE",
}

func (p *SQLPersister) Query(ctx context.Context, q sqlstore.Queryer, model compiler.CompiledModel, tenantID string, query Query) ([]Record, int, error) {
	table, err := qualifiedTable(model)
	if err != nil {
		return nil, 0, err
	}
	cols, err := quoteColumns(model)
	if err != nil {
		return nil, 0, err
	}

	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if !query.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if query.AsOf != nil {
		where = append(where, "effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)")
		args = append(args, *query.AsOf, *query.AsOf)
	}
	for _, f := range query.Filters {
		col, err := columnFor(model, f.Field)
		if err != nil {
			return nil, 0, err
		}
		switch f.Op {
		case FilterIsNull:
			where = append(where, col+" IS NULL")
		case FilterIn:
			list, _ := f.Value.([]any)
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(list)), ",")
			where = append(where, fmt.Sprintf("%s IN (%s)", col, placeholders))
			args = append(args, list...)
		case FilterContains:
			where = append(where, col+" LIKE ?")
			args = append(args, "%"+fmt.Sprint(f.Value)+"%")
		case FilterStartsWith:
			where = append(where, col+" LIKE ?")
			args = append(args, fmt.Sprint(f.Value)+"%")
		default:
			op := filterSQL[f.Op]
			where = append(where, fmt.Sprintf("%s %s ?", col, op))
			args = append(args, f.Value)
		}
	}

	var order string
	if len(query.Sort) > 0 {
		var parts []string
		for _, s := range query.Sort {
			col, err := columnFor(model, s.Field)
			if err != nil {
				return nil, 0, err
			}
			dir := "ASC"
			if s.Direction == SortDesc {
				dir = "DESC"
			}
			parts = append(parts, col+" "+dir)
		}
		order = " ORDER BY " + strings.Join(parts, ", ")
	}

	countStmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, strings.Join(where, " AND "))
	var total int
	if err := q.QueryRowContext(ctx, countStmt, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	selStmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s%s LIMIT ? OFFSET ?",
		strings.Join(cols, ", "), table, strings.Join(where, " AND "), order)
	rows, err := q.QueryContext(ctx, selStmt, append(append([]any{}, args...), pageSize, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := p.scanRow(rows, model)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (p *SQLPersister) Update(ctx context.Context, tx sqlstore.Tx, model compiler.CompiledModel, tenantID, id string, expectedVersion int, patch Record) error {
	table, err := qualifiedTable(model)
	if err != nil {
		return err
	}
	var sets []string
	var args []any
	for _, f := range model.Fields {
		v, ok := patch[f.APIName]
		if !ok {
			continue
		}
		col, err := sqlstore.QuoteIdentifier(f.ColumnName)
		if err != nil {
			return err
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	sets = append(sets, "version = version + 1")
	args = append(args, tenantID, id, expectedVersion)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE tenant_id = ? AND id = ? AND version = ?", table, strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entityerr.VersionConflict
	}
	return nil
}

func (p *SQLPersister) SoftDelete(ctx context.Context, tx sqlstore.Execer, model compiler.CompiledModel, tenantID, id, actor string, at time.Time) error {
	table, err := qualifiedTable(model)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("UPDATE %s SET deleted_at = ?, deleted_by = ?, version = version + 1 WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL", table)
	_, err = tx.ExecContext(ctx, stmt, at, actor, tenantID, id)
	return err
}

func (p *SQLPersister) SetNull(ctx context.Context, tx sqlstore.Execer, model compiler.CompiledModel, tenantID, field, id string) error {
	table, err := qualifiedTable(model)
	if err != nil {
		return err
	}
	col, err := columnFor(model, field)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s = NULL, version = version + 1 WHERE tenant_id = ? AND id = ?", table, col)
	_, err = tx.ExecContext(ctx, stmt, tenantID, id)
	return err
}

func (p *SQLPersister) CountActiveReferences(ctx context.Context, q sqlstore.Queryer, model compiler.CompiledModel, field, targetID string) (int, error) {
	table, err := qualifiedTable(model)
	if err != nil {
		return 0, err
	}
	col, err := columnFor(model, field)
	if err != nil {
		return 0, err
	}
	var count int
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ? AND deleted_at IS NULL", table, col)
	err = q.QueryRowContext(ctx, stmt, targetID).Scan(&count)
	return count, err
}

func (p *SQLPersister) ReferencingIDs(ctx context.Context, q sqlstore.Queryer, model compiler.CompiledModel, field, targetID string) ([]string, error) {
	table, err := qualifiedTable(model)
	if err != nil {
		return nil, err
	}
	col, err := columnFor(model, field)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT id FROM %s WHERE %s = ? AND deleted_at IS NULL", table, col)
	rows, err := q.QueryContext(ctx, stmt, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func columnFor(model compiler.CompiledModel, apiName string) (string, error) {
	for _, f := range model.Fields {
		if f.APIName == apiName {
			return sqlstore.QuoteIdentifier(f.ColumnName)
		}
	}
	return "", entityerr.New(entityerr.CodeValidation, "unknown field %q on %s", apiName, model.EntityName)
}

// referenceFields returns every field on model whose reference targets
// targetEntity, used by cascade delete (spec §4.C13 "Cascade").
func referenceFields(model compiler.CompiledModel, targetEntity string) []compiler.CompiledField {
	var out []compiler.CompiledField
	for _, f := range model.Fields {
		if f.Type == schema.FieldRef && f.ReferenceTo == targetEntity {
			out = append(out, f)
		}
	}
	return out
}

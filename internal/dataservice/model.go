// Package dataservice implements the Generic Data Service (spec §4.C13):
// tenant-isolated CRUD over IR-described tables, enforcing authorization
// (C6), validation (C7), and lifecycle (C9) on every mutation. Built on a
// query-building shape plus a record-assembly pattern, generalized from a
// fixed schema to the Compiled Model IR's dynamic field/table layout.
package dataservice

import (
	"time"

	"github.com/entityplatform/core/internal/compiler"
)

// Record is one persisted row, keyed by its compiled IR's field API names.
type Record = map[string]any

// SortDirection is the direction of one SortField.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortField is one ORDER BY clause entry (spec §4.C13 step 4 "max sort fields").
type SortField struct {
	Field     string
	Direction SortDirection
}

// FilterOp enumerates the query filter operators the Query Validator
// allows per field type (spec §4.C13 step 4: "string→contains etc.;
// numeric→gt/lt; json→is_null only").
type FilterOp string

const (
	FilterEq         FilterOp = "eq"
	FilterNe         FilterOp = "ne"
	FilterIn         FilterOp = "in"
	FilterGt         FilterOp = "gt"
	FilterGte        FilterOp = "gte"
	FilterLt         FilterOp = "lt"
	FilterLte        FilterOp = "lte"
	FilterContains   FilterOp = "contains"
	FilterStartsWith FilterOp = "starts_with"
	FilterIsNull     FilterOp = "is_null"
)

// QueryFilter is one WHERE clause entry.
type QueryFilter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query is a validated query request (spec §4.C13 step 4).
type Query struct {
	Filters        []QueryFilter
	Sort           []SortField
	Page           int
	PageSize       int
	IncludeDeleted bool
	AsOf           *time.Time // effective-dating pin (spec §4.C13 "Effective dating")
}

// QueryResult is the paged outcome of Query.
type QueryResult struct {
	Records    []Record
	TotalCount int
	Page       int
	PageSize   int
}

// BulkOperation is one item of a bulk request (spec §4.C13 "Bulk ops").
type BulkOperation struct {
	Action string // "create" | "update" | "delete"
	ID     string // required for update/delete
	Data   Record
}

// BulkItemResult is the per-item outcome of a bulk operation.
type BulkItemResult struct {
	Index   int
	ID      string
	Success bool
	Error   string
}

// BulkResult is the outcome of ExecuteBulk (spec §4.C13 "Bulk ops":
// "validation errors skip individual items but the transaction still
// commits for successful ones; a transaction-level failure fails all").
type BulkResult struct {
	Items []BulkItemResult
}

// IRLoader resolves the published Compiled Model IR for an entity,
// consuming C4/C5 (spec §4.C13 step 2 "Load IR via C4/C5").
type IRLoader func(entity string) (compiler.CompiledModel, error)

package dataservice

import (
	"fmt"

	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/schema"
)

// QueryLimits bounds what a single Query request may ask for (spec
// §4.C13 step 4 "max filters, max page size, max sort fields").
type QueryLimits struct {
	MaxFilters   int
	MaxPageSize  int
	MaxSortField int
}

// DefaultQueryLimits are used when a Service is constructed without
// overriding them.
var DefaultQueryLimits = QueryLimits{MaxFilters: 20, MaxPageSize: 200, MaxSortField: 5}

// allowedOps maps a field type to the filter operators the Query
// Validator accepts on it (spec §4.C13 step 4: "operator allowed for
// field type (string→contains etc.; numeric→gt/lt; json→is_null only)").
var allowedOps = map[schema.FieldType]map[FilterOp]bool{
	schema.FieldString:   {FilterEq: true, FilterNe: true, FilterIn: true, FilterContains: true, FilterStartsWith: true, FilterIsNull: true},
	schema.FieldEnum:     {FilterEq: true, FilterNe: true, FilterIn: true, FilterIsNull: true},
	schema.FieldUUID:     {FilterEq: true, FilterNe: true, FilterIn: true, FilterIsNull: true},
	schema.FieldRef:      {FilterEq: true, FilterNe: true, FilterIn: true, FilterIsNull: true},
	schema.FieldBoolean:  {FilterEq: true, FilterNe: true, FilterIsNull: true},
	schema.FieldNumber:   {FilterEq: true, FilterNe: true, FilterGt: true, FilterGte: true, FilterLt: true, FilterLte: true, FilterIn: true, FilterIsNull: true},
	schema.FieldDate:     {FilterEq: true, FilterNe: true, FilterGt: true, FilterGte: true, FilterLt: true, FilterLte: true, FilterIsNull: true},
	schema.FieldDatetime: {FilterEq: true, FilterNe: true, FilterGt: true, FilterGte: true, FilterLt: true, FilterLte: true, FilterIsNull: true},
	schema.FieldJSON:     {FilterIsNull: true},
}

// ValidateQuery enforces the Query Validator's bounds and per-field-type
// operator/value rules against model (spec §4.C13 step 4).
func ValidateQuery(q Query, model compiler.CompiledModel, limits QueryLimits) error {
	if limits.MaxFilters == 0 && limits.MaxPageSize == 0 && limits.MaxSortField == 0 {
		limits = DefaultQueryLimits
	}
	if len(q.Filters) > limits.MaxFilters {
		return entityerr.New(entityerr.CodeValidation, "query has %d filters, max is %d", len(q.Filters), limits.MaxFilters)
	}
	if q.PageSize > limits.MaxPageSize {
		return entityerr.New(entityerr.CodeValidation, "page size %d exceeds max %d", q.PageSize, limits.MaxPageSize)
	}
	if len(q.Sort) > limits.MaxSortField {
		return entityerr.New(entityerr.CodeValidation, "query sorts on %d fields, max is %d", len(q.Sort), limits.MaxSortField)
	}

	fields := make(map[string]compiler.CompiledField, len(model.Fields))
	for _, f := range model.Fields {
		fields[f.APIName] = f
	}

	for _, f := range q.Filters {
		field, ok := fields[f.Field]
		if !ok {
			return entityerr.New(entityerr.CodeValidation, "unknown filter field %q", f.Field).WithField(f.Field)
		}
		ops, ok := allowedOps[field.Type]
		if !ok || !ops[f.Op] {
			return entityerr.New(entityerr.CodeValidation, "operator %q not allowed on field %q (type %s)", f.Op, f.Field, field.Type).WithField(f.Field)
		}
		if f.Op == FilterIsNull {
			continue
		}
		if err := validateValueType(field, f.Op, f.Value); err != nil {
			return entityerr.New(entityerr.CodeValidation, "%s", err).WithField(f.Field)
		}
	}
	for _, s := range q.Sort {
		if _, ok := fields[s.Field]; !ok {
			return entityerr.New(entityerr.CodeValidation, "unknown sort field %q", s.Field).WithField(s.Field)
		}
	}
	return nil
}

func validateValueType(field compiler.CompiledField, op FilterOp, value any) error {
	if op == FilterIn {
		list, ok := value.([]any)
		if !ok {
			return fmt.Errorf("field %q: \"in\" requires a list value", field.APIName)
		}
		for _, v := range list {
			if err := scalarTypeMatches(field, v); err != nil {
				return err
			}
		}
		return nil
	}
	return scalarTypeMatches(field, value)
}

func scalarTypeMatches(field compiler.CompiledField, value any) error {
	switch field.Type {
	case schema.FieldNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return nil
		}
	case schema.FieldBoolean:
		if _, ok := value.(bool); ok {
			return nil
		}
	case schema.FieldString, schema.FieldEnum, schema.FieldUUID, schema.FieldRef, schema.FieldDate, schema.FieldDatetime:
		if _, ok := value.(string); ok {
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("field %q: value %v does not match field type %s", field.APIName, value, field.Type)
}

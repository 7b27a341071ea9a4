package compiler

import (
	"fmt"

	"github.com/entityplatform/core/internal/schema"
)

var knownFieldTypes = map[schema.FieldType]bool{
	schema.FieldString: true, schema.FieldNumber: true, schema.FieldBoolean: true,
	schema.FieldDate: true, schema.FieldDatetime: true, schema.FieldRef: true,
	schema.FieldEnum: true, schema.FieldJSON: true, schema.FieldUUID: true,
}

var knownEffects = map[schema.Effect]bool{schema.EffectAllow: true, schema.EffectDeny: true}
var knownActions = map[schema.Action]bool{
	schema.ActionCreate: true, schema.ActionRead: true, schema.ActionUpdate: true,
	schema.ActionDelete: true, schema.ActionAny: true,
}

// validateSchema runs the structural checks spec §4.C4 step 3 requires
// against the overlay-applied schema. It never mutates s.
func validateSchema(s schema.Schema) []Diagnostic {
	var diags []Diagnostic

	diags = append(diags, checkSystemFields(s)...)
	diags = append(diags, checkFieldNamesAndTypes(s)...)
	diags = append(diags, checkDuplicateFieldNames(s)...)
	diags = append(diags, checkPolicies(s)...)

	return diags
}

func checkSystemFields(s schema.Schema) []Diagnostic {
	var diags []Diagnostic
	for _, want := range schema.SystemFields {
		got, ok := s.FieldByName(want.Name)
		if !ok {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "MISSING_SYSTEM_FIELD",
				Message: fmt.Sprintf("required system field %q is missing", want.Name),
				Path:    want.Name,
			})
			continue
		}
		if got.Type != want.Type {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "MISTYPED_SYSTEM_FIELD",
				Message: fmt.Sprintf("system field %q must be type %q, got %q", want.Name, want.Type, got.Type),
				Path:    want.Name,
			})
		}
	}
	return diags
}

func checkFieldNamesAndTypes(s schema.Schema) []Diagnostic {
	var diags []Diagnostic
	for _, f := range s.Fields {
		if !ValidFieldName(f.Name) {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "INVALID_FIELD_NAME",
				Message: fmt.Sprintf("field name %q does not match ^[A-Za-z][A-Za-z0-9_]*$", f.Name),
				Path:    f.Name,
			})
		}
		if !knownFieldTypes[f.Type] {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "UNKNOWN_FIELD_TYPE",
				Message: fmt.Sprintf("field %q has unknown type %q", f.Name, f.Type),
				Path:    f.Name,
			})
			continue
		}
		if f.Type == schema.FieldRef && f.ReferenceTo == "" {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "REFERENCE_MISSING_TARGET",
				Message: fmt.Sprintf("field %q is type reference but has no referenceTo", f.Name),
				Path:    f.Name,
			})
		}
		if f.Type == schema.FieldEnum && len(f.EnumValues) == 0 {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "ENUM_MISSING_VALUES",
				Message: fmt.Sprintf("field %q is type enum but has no enum values", f.Name),
				Path:    f.Name,
			})
		}
		if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "LENGTH_RANGE_INVALID",
				Message: fmt.Sprintf("field %q: minLength > maxLength", f.Name),
				Path:    f.Name,
			})
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "RANGE_INVALID",
				Message: fmt.Sprintf("field %q: min > max", f.Name),
				Path:    f.Name,
			})
		}
	}
	return diags
}

func checkDuplicateFieldNames(s schema.Schema) []Diagnostic {
	seen := make(map[string]int, len(s.Fields))
	var diags []Diagnostic
	for _, f := range s.Fields {
		seen[f.Name]++
		if seen[f.Name] == 2 {
			diags = append(diags, Diagnostic{
				Severity: SeverityError, Code: "DUPLICATE_FIELD_NAME",
				Message: fmt.Sprintf("field %q is declared more than once", f.Name),
				Path:    f.Name,
			})
		}
	}
	return diags
}

func checkPolicies(s schema.Schema) []Diagnostic {
	var diags []Diagnostic
	for _, p := range s.Policies {
		if p.Name == "" {
			diags = append(diags, Diagnostic{Severity: SeverityError, Code: "POLICY_MISSING_NAME", Message: "policy has no name"})
			continue
		}
		if !knownEffects[p.Effect] {
			diags = append(diags, Diagnostic{Severity: SeverityError, Code: "POLICY_INVALID_EFFECT",
				Message: fmt.Sprintf("policy %q has invalid effect %q", p.Name, p.Effect), Path: p.Name})
		}
		if !knownActions[p.Action] {
			diags = append(diags, Diagnostic{Severity: SeverityError, Code: "POLICY_INVALID_ACTION",
				Message: fmt.Sprintf("policy %q has invalid action %q", p.Name, p.Action), Path: p.Name})
		}
		for _, fname := range p.Fields {
			if fname == "*" {
				continue
			}
			if _, ok := s.FieldByName(fname); !ok {
				diags = append(diags, Diagnostic{Severity: SeverityError, Code: "POLICY_UNKNOWN_FIELD",
					Message: fmt.Sprintf("policy %q references unknown field %q", p.Name, fname), Path: p.Name})
			}
		}
	}
	return diags
}

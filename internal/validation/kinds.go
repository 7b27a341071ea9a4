package validation

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/entityplatform/core/internal/policy"
	"github.com/entityplatform/core/internal/reqctx"
)

// Lookups supplies the external reads referential and unique rules need;
// both are optional — a nil func degrades that rule kind to a no-op so the
// engine stays usable in contexts (e.g. pure field validation) that have
// no data-store access.
type Lookups struct {
	// ReferenceExists reports whether a row with id = value exists in
	// (targetEntity, targetField) for the given tenant, with deleted_at
	// IS NULL (spec §4.C7 "referential").
	ReferenceExists func(ctx context.Context, tenantID, targetEntity, targetField string, value any) (bool, error)

	// IsDuplicate reports whether another row (other than excludeID)
	// already has this value for fieldPath within the given scope (spec
	// §4.C7 "unique").
	IsDuplicate func(ctx context.Context, tenantID, entity, fieldPath string, value any, scope map[string]any, excludeID string) (bool, error)
}

func evalRule(ctx context.Context, rc reqctx.RequestContext, entity string, rule Rule, data, existing map[string]any, lookups Lookups) ([]ValidationError, error) {
	switch rule.Kind {
	case KindRequired:
		return evalRequired(rule, data), nil
	case KindMinMax:
		return evalMinMax(rule, data), nil
	case KindLength:
		return evalLength(rule, data), nil
	case KindRegex:
		return evalRegex(rule, data), nil
	case KindEnum:
		return evalEnum(rule, data), nil
	case KindCrossField:
		return evalCrossField(rule, data), nil
	case KindConditional:
		return evalConditional(ctx, rc, entity, rule, data, existing, lookups)
	case KindDateRange:
		return evalDateRange(rule, data), nil
	case KindReferential:
		return evalReferential(ctx, rc, rule, data, lookups)
	case KindUnique:
		return evalUnique(ctx, rc, entity, rule, data, existing, lookups)
	default:
		return nil, fmt.Errorf("validation: unknown rule kind %q", rule.Kind)
	}
}

func fail(rule Rule, severity Severity, message string) []ValidationError {
	if message == "" {
		message = rule.Message
	}
	return []ValidationError{{RuleID: rule.ID, FieldPath: rule.FieldPath, Severity: severity, Message: message}}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func evalRequired(rule Rule, data map[string]any) []ValidationError {
	v, ok := data[rule.FieldPath]
	if !ok || isEmpty(v) {
		return fail(rule, rule.Severity, fmt.Sprintf("%s is required", rule.FieldPath))
	}
	return nil
}

func toFloatStrict(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// evalMinMax: null is skipped (spec "skipped on null"); a NaN value
// coerces to an error regardless of bounds.
func evalMinMax(rule Rule, data map[string]any) []ValidationError {
	v, ok := data[rule.FieldPath]
	if !ok || v == nil {
		return nil
	}
	f, parsed := toFloatStrict(v)
	if !parsed || math.IsNaN(f) {
		return fail(rule, rule.Severity, fmt.Sprintf("%s is not a valid number", rule.FieldPath))
	}
	if rule.Min != nil && f < *rule.Min {
		return fail(rule, rule.Severity, fmt.Sprintf("%s must be >= %v", rule.FieldPath, *rule.Min))
	}
	if rule.Max != nil && f > *rule.Max {
		return fail(rule, rule.Severity, fmt.Sprintf("%s must be <= %v", rule.FieldPath, *rule.Max))
	}
	return nil
}

// evalLength uses the field's string length after coercion (spec "uses
// string length after String(value)").
func evalLength(rule Rule, data map[string]any) []ValidationError {
	v, ok := data[rule.FieldPath]
	if !ok || v == nil {
		return nil
	}
	s := fmt.Sprint(v)
	n := len([]rune(s))
	if rule.MinLength != nil && n < *rule.MinLength {
		return fail(rule, rule.Severity, fmt.Sprintf("%s must be at least %d characters", rule.FieldPath, *rule.MinLength))
	}
	if rule.MaxLength != nil && n > *rule.MaxLength {
		return fail(rule, rule.Severity, fmt.Sprintf("%s must be at most %d characters", rule.FieldPath, *rule.MaxLength))
	}
	return nil
}

// evalRegex: an invalid pattern is itself a rule-level error (spec
// "invalid pattern produces a rule-level error"), distinct from a field
// mismatch.
func evalRegex(rule Rule, data map[string]any) []ValidationError {
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return []ValidationError{{RuleID: rule.ID, FieldPath: rule.FieldPath, Severity: SeverityError,
			Message: fmt.Sprintf("rule %s has an invalid pattern: %v", rule.ID, err)}}
	}
	v, ok := data[rule.FieldPath]
	if !ok || v == nil {
		return nil
	}
	if !re.MatchString(fmt.Sprint(v)) {
		return fail(rule, rule.Severity, fmt.Sprintf("%s does not match required pattern", rule.FieldPath))
	}
	return nil
}

func evalEnum(rule Rule, data map[string]any) []ValidationError {
	v, ok := data[rule.FieldPath]
	if !ok || v == nil {
		return nil
	}
	s := fmt.Sprint(v)
	for _, allowed := range rule.EnumValues {
		if allowed == s {
			return nil
		}
	}
	return fail(rule, rule.Severity, fmt.Sprintf("%s must be one of %s", rule.FieldPath, strings.Join(rule.EnumValues, ", ")))
}

func evalCrossField(rule Rule, data map[string]any) []ValidationError {
	left := data[rule.FieldPath]
	right := data[rule.CompareField]
	ok, err := policy.Compare(rule.CompareOp, left, right)
	if err != nil {
		return []ValidationError{{RuleID: rule.ID, FieldPath: rule.FieldPath, Severity: SeverityError,
			Message: fmt.Sprintf("rule %s: %v", rule.ID, err)}}
	}
	if !ok {
		return fail(rule, rule.Severity, fmt.Sprintf("%s must be %s %s", rule.FieldPath, rule.CompareOp, rule.CompareField))
	}
	return nil
}

// evalConditional: if When matches, each Then rule is evaluated, with its
// severity escalated to the parent's if the parent is error (spec "severity
// is escalated to parent's if parent is error").
func evalConditional(ctx context.Context, rc reqctx.RequestContext, entity string, rule Rule, data, existing map[string]any, lookups Lookups) ([]ValidationError, error) {
	matched, err := policy.EvalAll(rule.When, rc, data)
	if err != nil {
		return nil, fmt.Errorf("validation: rule %s condition: %w", rule.ID, err)
	}
	if !matched {
		return nil, nil
	}
	var out []ValidationError
	for _, child := range rule.Then {
		errs, err := evalRule(ctx, rc, entity, child, data, existing, lookups)
		if err != nil {
			return nil, err
		}
		if rule.Severity == SeverityError {
			for i := range errs {
				errs[i].Severity = SeverityError
			}
		}
		out = append(out, errs...)
	}
	return out, nil
}

func parseDateValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// evalDateRange: field-relative bounds are strict inequalities; absolute
// bounds (minDate/maxDate) are inclusive (spec §4.C7 "date_range").
func evalDateRange(rule Rule, data map[string]any) []ValidationError {
	v, ok := data[rule.FieldPath]
	if !ok || v == nil {
		return nil
	}
	val, ok := parseDateValue(v)
	if !ok {
		return fail(rule, rule.Severity, fmt.Sprintf("%s is not a valid date", rule.FieldPath))
	}

	if rule.AfterField != "" {
		if other, ok := parseDateValue(data[rule.AfterField]); ok && !val.After(other) {
			return fail(rule, rule.Severity, fmt.Sprintf("%s must be after %s", rule.FieldPath, rule.AfterField))
		}
	}
	if rule.BeforeField != "" {
		if other, ok := parseDateValue(data[rule.BeforeField]); ok && !val.Before(other) {
			return fail(rule, rule.Severity, fmt.Sprintf("%s must be before %s", rule.FieldPath, rule.BeforeField))
		}
	}
	if rule.MinDate != nil && val.Before(*rule.MinDate) {
		return fail(rule, rule.Severity, fmt.Sprintf("%s must be on or after %s", rule.FieldPath, rule.MinDate.Format("2006-01-02")))
	}
	if rule.MaxDate != nil && val.After(*rule.MaxDate) {
		return fail(rule, rule.Severity, fmt.Sprintf("%s must be on or before %s", rule.FieldPath, rule.MaxDate.Format("2006-01-02")))
	}
	return nil
}

// evalReferential: a missing target is a warning, never a hard error,
// regardless of the rule's configured severity (spec "Lookup failures
// (target missing) are warnings, not hard errors").
func evalReferential(ctx context.Context, rc reqctx.RequestContext, rule Rule, data map[string]any, lookups Lookups) ([]ValidationError, error) {
	v, ok := data[rule.FieldPath]
	if !ok || isEmpty(v) || lookups.ReferenceExists == nil {
		return nil, nil
	}
	exists, err := lookups.ReferenceExists(ctx, rc.TenantID, rule.TargetEntity, rule.TargetField, v)
	if err != nil {
		return []ValidationError{{RuleID: rule.ID, FieldPath: rule.FieldPath, Severity: SeverityWarning,
			Message: fmt.Sprintf("%s reference lookup failed: %v", rule.FieldPath, err)}}, nil
	}
	if !exists {
		return []ValidationError{{RuleID: rule.ID, FieldPath: rule.FieldPath, Severity: SeverityWarning,
			Message: fmt.Sprintf("%s references a missing %s", rule.FieldPath, rule.TargetEntity)}}, nil
	}
	return nil, nil
}

// evalUnique excludes the current record id on update (spec "excludes
// current record id on update").
func evalUnique(ctx context.Context, rc reqctx.RequestContext, entity string, rule Rule, data, existing map[string]any, lookups Lookups) ([]ValidationError, error) {
	v, ok := data[rule.FieldPath]
	if !ok || isEmpty(v) || lookups.IsDuplicate == nil {
		return nil, nil
	}
	scope := make(map[string]any, len(rule.ScopeFields))
	for _, f := range rule.ScopeFields {
		scope[f] = data[f]
	}
	var excludeID string
	if existing != nil {
		if id, ok := existing["id"].(string); ok {
			excludeID = id
		}
	}
	dup, err := lookups.IsDuplicate(ctx, rc.TenantID, entity, rule.FieldPath, v, scope, excludeID)
	if err != nil {
		return nil, fmt.Errorf("validation: rule %s uniqueness lookup: %w", rule.ID, err)
	}
	if dup {
		return fail(rule, rule.Severity, fmt.Sprintf("%s must be unique", rule.FieldPath)), nil
	}
	return nil, nil
}

package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
)

// Compare evaluates a single operator against two raw values with no ctx/
// record path resolution, exported for the Validation Engine's
// cross_field rule kind (spec §4.C7 "via an operator from the condition
// evaluator").
func Compare(op schema.ConditionOp, actual, target any) (bool, error) {
	return evalOp(op, actual, target)
}

// EvalCondition evaluates one condition clause against a request context and
// an optional record (spec §4.C6 "Condition semantics").
func EvalCondition(cond schema.Condition, ctx reqctx.RequestContext, record map[string]any) (bool, error) {
	actual, err := resolvePath(cond.Path, ctx, record)
	if err != nil {
		return false, err
	}
	return evalOp(cond.Op, actual, cond.Value)
}

// EvalAll evaluates an AND-joined group of conditions; an empty group is
// vacuously true (a rule with no conditions always matches its action/
// resource).
func EvalAll(conds []schema.Condition, ctx reqctx.RequestContext, record map[string]any) (bool, error) {
	for _, c := range conds {
		ok, err := EvalCondition(c, ctx, record)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// resolvePath reads "ctx.<name>" from ctx, "record.<name>" from record, and
// a bare name from ctx (spec §4.C6).
func resolvePath(path string, ctx reqctx.RequestContext, record map[string]any) (any, error) {
	switch {
	case strings.HasPrefix(path, "ctx."):
		return resolveCtx(strings.TrimPrefix(path, "ctx."), ctx), nil
	case strings.HasPrefix(path, "record."):
		name := strings.TrimPrefix(path, "record.")
		if record == nil {
			return nil, nil
		}
		return record[name], nil
	default:
		return resolveCtx(path, ctx), nil
	}
}

func resolveCtx(name string, ctx reqctx.RequestContext) any {
	switch name {
	case "userId":
		return ctx.UserID
	case "tenantId":
		return ctx.TenantID
	case "realmId":
		return ctx.RealmID
	case "roles":
		return ctx.Roles
	case "orgKey":
		return ctx.OrgKey
	case "requestId":
		return ctx.RequestID
	case "correlationId":
		return ctx.CorrelationID
	default:
		if ctx.Metadata == nil {
			return nil
		}
		return ctx.Metadata[name]
	}
}

func evalOp(op schema.ConditionOp, actual, target any) (bool, error) {
	switch op {
	case schema.OpEq:
		return valuesEqual(actual, target), nil
	case schema.OpNe:
		return !valuesEqual(actual, target), nil
	case schema.OpIn:
		return evalIn(actual, target)
	case schema.OpNotIn:
		in, err := evalIn(actual, target)
		return !in, err
	case schema.OpGt, schema.OpGte, schema.OpLt, schema.OpLte:
		return evalOrdered(op, actual, target)
	case schema.OpContains:
		return evalContains(actual, target), nil
	case schema.OpStartsWith:
		return strings.HasPrefix(toStr(actual), toStr(target)), nil
	case schema.OpEndsWith:
		return strings.HasSuffix(toStr(actual), toStr(target)), nil
	default:
		return false, fmt.Errorf("policy: unknown condition operator %q", op)
	}
}

// evalIn implements spec §4.C6's array-vs-scalar rule: if actual is an
// array, the condition matches when any element is in the target list.
func evalIn(actual, target any) (bool, error) {
	targetList, err := toSlice(target)
	if err != nil {
		return false, fmt.Errorf("policy: in/not_in requires a list value: %w", err)
	}
	if actualList, ok := toSliceMaybe(actual); ok {
		for _, a := range actualList {
			if containsEqual(targetList, a) {
				return true, nil
			}
		}
		return false, nil
	}
	return containsEqual(targetList, actual), nil
}

func evalContains(actual, target any) bool {
	if list, ok := toSliceMaybe(actual); ok {
		return containsEqual(list, target)
	}
	return strings.Contains(toStr(actual), toStr(target))
}

func evalOrdered(op schema.ConditionOp, actual, target any) (bool, error) {
	af, aok := toFloat(actual)
	tf, tok := toFloat(target)
	if aok && tok {
		switch op {
		case schema.OpGt:
			return af > tf, nil
		case schema.OpGte:
			return af >= tf, nil
		case schema.OpLt:
			return af < tf, nil
		case schema.OpLte:
			return af <= tf, nil
		}
	}
	as, ts := toStr(actual), toStr(target)
	switch op {
	case schema.OpGt:
		return as > ts, nil
	case schema.OpGte:
		return as >= ts, nil
	case schema.OpLt:
		return as < ts, nil
	case schema.OpLte:
		return as <= ts, nil
	}
	return false, fmt.Errorf("policy: unreachable ordered operator %q", op)
}

func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toStr(a) == toStr(b)
}

func containsEqual(list []any, v any) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, fmt.Errorf("nil")
	}
	if list, ok := toSliceMaybe(v); ok {
		return list, nil
	}
	// A single scalar target is tolerated as a one-element list.
	return []any{v}, nil
}

func toSliceMaybe(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
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

func toStr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

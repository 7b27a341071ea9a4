// Package policy implements the Policy Engine (spec §4.C6): indexed rule
// evaluation, deny-wins decisions, field-allow-set computation, and an
// append-only decision log. Built as an AST-to-predicate evaluator
// generalized from a query-language AST to the flat Condition list the
// Compiled Model IR carries; deliberately not built on OPA/Rego — the
// deny-wins, priority-ordered, array-vs-scalar semantics above are pinned
// exactly by the spec and a general Rego evaluation model would not
// preserve them as written.
package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
)

// Decision is the outcome of an authorize call (spec §4.C6).
type Decision struct {
	Effect        schema.Effect
	MatchedRuleID string
	Reason        string
}

// Allowed reports whether the decision was an allow.
func (d Decision) Allowed() bool { return d.Effect == schema.EffectAllow }

func deny(reason, ruleName string) Decision {
	return Decision{Effect: schema.EffectDeny, MatchedRuleID: ruleName, Reason: reason}
}

// FieldSet is the result of allowedFields: either ALL fields, no fields, or
// an explicit set (spec §4.C6 "Field-allow set").
type FieldSet struct {
	all    bool
	fields map[string]struct{}
}

// AllFields returns the universal field set.
func AllFields() FieldSet { return FieldSet{all: true} }

// NoFields returns the empty field set.
func NoFields() FieldSet { return FieldSet{fields: map[string]struct{}{}} }

// Allows reports whether field is permitted.
func (fs FieldSet) Allows(field string) bool {
	if fs.all {
		return true
	}
	_, ok := fs.fields[field]
	return ok
}

// IsAll reports whether this set is the universal set.
func (fs FieldSet) IsAll() bool { return fs.all }

// IsEmpty reports whether this set permits no fields.
func (fs FieldSet) IsEmpty() bool { return !fs.all && len(fs.fields) == 0 }

func unionField(fs FieldSet, fields []string) FieldSet {
	if fs.all {
		return fs
	}
	if fs.fields == nil {
		fs.fields = map[string]struct{}{}
	}
	for _, f := range fields {
		if f == "*" {
			return AllFields()
		}
		fs.fields[f] = struct{}{}
	}
	return fs
}

// Engine holds one entity's compiled, indexed policy rule set.
type Engine struct {
	resource string
	rules    []compiler.CompiledPolicy // sorted: priority desc, deny before allow on ties
}

// New indexes policies for a single resource. Compilation per spec §4.C6
// step 1: sort by priority descending, tie-break deny before allow.
func New(resource string, policies []compiler.CompiledPolicy) *Engine {
	rules := append([]compiler.CompiledPolicy(nil), policies...)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Effect == schema.EffectDeny && rules[j].Effect != schema.EffectDeny
	})
	return &Engine{resource: resource, rules: rules}
}

func (e *Engine) candidates(action schema.Action) []compiler.CompiledPolicy {
	var out []compiler.CompiledPolicy
	for _, r := range e.rules {
		if r.Resource != e.resource {
			continue
		}
		if r.Action == action || r.Action == schema.ActionAny {
			out = append(out, r)
		}
	}
	return out
}

// Authorize implements the decision function (spec §4.C6 steps 1-5).
func (e *Engine) Authorize(ctx reqctx.RequestContext, action schema.Action, record map[string]any) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = deny(fmt.Sprintf("panic during policy evaluation: %v", r), "")
		}
	}()

	candidates := e.candidates(action)

	for _, rule := range candidates {
		if rule.Effect != schema.EffectDeny {
			continue
		}
		matched, err := EvalAll(rule.Conditions, ctx, record)
		if err != nil {
			return deny(err.Error(), rule.Name)
		}
		if matched {
			return deny(fmt.Sprintf("denied by rule %q", rule.Name), rule.Name)
		}
	}

	for _, rule := range candidates {
		if rule.Effect != schema.EffectAllow {
			continue
		}
		matched, err := EvalAll(rule.Conditions, ctx, record)
		if err != nil {
			return deny(err.Error(), rule.Name)
		}
		if matched {
			return Decision{Effect: schema.EffectAllow, MatchedRuleID: rule.Name, Reason: fmt.Sprintf("allowed by rule %q", rule.Name)}
		}
	}

	return deny("no matching allow", "")
}

// AllowedFields computes the field-allow set (spec §4.C6 "Field-allow set").
func (e *Engine) AllowedFields(ctx reqctx.RequestContext, action schema.Action, record map[string]any) FieldSet {
	candidates := e.candidates(action)

	for _, rule := range candidates {
		if rule.Effect != schema.EffectDeny {
			continue
		}
		matched, err := EvalAll(rule.Conditions, ctx, record)
		if err != nil || matched {
			// A matching (or unevaluable, fail-secure) deny rule blocks every
			// field, regardless of whether it names a field subset.
			return NoFields()
		}
	}

	result := NoFields()
	for _, rule := range candidates {
		if rule.Effect != schema.EffectAllow {
			continue
		}
		matched, err := EvalAll(rule.Conditions, ctx, record)
		if err != nil || !matched {
			continue
		}
		if len(rule.Fields) == 0 {
			result = AllFields()
			continue
		}
		result = unionField(result, rule.Fields)
	}
	return result
}

// Request is one authorization request for AuthorizeMany.
type Request struct {
	Resource string
	Action   schema.Action
	Ctx      reqctx.RequestContext
	Record   map[string]any
}

// Resolver loads the compiled policies for a resource, used to build an
// Engine lazily inside AuthorizeMany.
type Resolver func(resource string) ([]compiler.CompiledPolicy, error)

// AuthorizeMany evaluates a batch of requests, compiling (indexing) an
// Engine at most once per distinct resource in the batch (spec §4.C6
// "Batch path").
func AuthorizeMany(reqs []Request, resolve Resolver) ([]Decision, error) {
	engines := make(map[string]*Engine, len(reqs))
	decisions := make([]Decision, len(reqs))

	for i, req := range reqs {
		eng, ok := engines[req.Resource]
		if !ok {
			policies, err := resolve(req.Resource)
			if err != nil {
				return nil, fmt.Errorf("policy: resolve policies for %q: %w", req.Resource, err)
			}
			eng = New(req.Resource, policies)
			engines[req.Resource] = eng
		}
		decisions[i] = eng.Authorize(req.Ctx, req.Action, req.Record)
	}
	return decisions, nil
}

// EngineCache memoizes Engines by resource for callers that repeatedly
// authorize against the same small set of entities within a process.
type EngineCache struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

// NewEngineCache constructs an empty cache.
func NewEngineCache() *EngineCache {
	return &EngineCache{engines: make(map[string]*Engine)}
}

// GetOrBuild returns the cached Engine for resource, building and storing
// one via build if absent.
func (c *EngineCache) GetOrBuild(resource string, build func() []compiler.CompiledPolicy) *Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if eng, ok := c.engines[resource]; ok {
		return eng
	}
	eng := New(resource, build())
	c.engines[resource] = eng
	return eng
}

// Invalidate drops the cached Engine for resource, e.g. after a schema
// republish changes its policies.
func (c *EngineCache) Invalidate(resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.engines, resource)
}

package lifecycle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/entityplatform/core/internal/canon"
	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/policy"
	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
)

// RoutingRule maps a (entity, conditions) predicate to a lifecycle id (spec
// §4.C8 "Route Compiler").
type RoutingRule struct {
	ID         string
	EntityName string
	Priority   int
	Conditions []schema.Condition
	LifecycleID string
}

// CompiledRoute is the sorted, hashed routing table for one entity (spec
// §4.C8 "Compiled routes are cached in process and persisted keyed by
// compiledHash").
type CompiledRoute struct {
	EntityName    string
	Rules         []RoutingRule // sorted by Priority ascending
	CompiledHash  string
}

func compileRoute(entity string, rules []RoutingRule) (CompiledRoute, error) {
	sorted := append([]RoutingRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	hash, err := canon.Hash(sorted)
	if err != nil {
		return CompiledRoute{}, fmt.Errorf("lifecycle: hash route for %s: %w", entity, err)
	}
	return CompiledRoute{EntityName: entity, Rules: sorted, CompiledHash: hash}, nil
}

// RouteCompiler resolves (entity, context) to a lifecycle id via
// priority-ordered conditional rules (spec §4.C8).
type RouteCompiler struct {
	mu      sync.Mutex
	compiled map[string]CompiledRoute
	source  func(entity string) ([]RoutingRule, error)
}

// NewRouteCompiler constructs a compiler backed by source, which loads the
// raw (uncompiled) routing rules for an entity from the Schema Registry or
// equivalent store.
func NewRouteCompiler(source func(entity string) ([]RoutingRule, error)) *RouteCompiler {
	return &RouteCompiler{compiled: make(map[string]CompiledRoute), source: source}
}

// Compile builds (or returns the cached) CompiledRoute for entity.
func (c *RouteCompiler) Compile(entity string) (CompiledRoute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cr, ok := c.compiled[entity]; ok {
		return cr, nil
	}
	rules, err := c.source(entity)
	if err != nil {
		return CompiledRoute{}, err
	}
	cr, err := compileRoute(entity, rules)
	if err != nil {
		return CompiledRoute{}, err
	}
	c.compiled[entity] = cr
	return cr, nil
}

// Invalidate drops the cached compiled route for entity, e.g. after its
// routing rules change.
func (c *RouteCompiler) Invalidate(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.compiled, entity)
}

// ResolveLifecycle returns the first rule whose conditions match, else the
// default (the first rule with no conditions), else NotFound (spec §4.C8
// "resolveLifecycle").
func (c *RouteCompiler) ResolveLifecycle(entity string, ctx reqctx.RequestContext, record map[string]any) (string, error) {
	cr, err := c.Compile(entity)
	if err != nil {
		return "", err
	}

	var defaultRule *RoutingRule
	for i, rule := range cr.Rules {
		if len(rule.Conditions) == 0 {
			if defaultRule == nil {
				defaultRule = &cr.Rules[i]
			}
			continue
		}
		matched, err := policy.EvalAll(rule.Conditions, ctx, record)
		if err != nil {
			return "", fmt.Errorf("lifecycle: route rule %s: %w", rule.ID, err)
		}
		if matched {
			return rule.LifecycleID, nil
		}
	}
	if defaultRule != nil {
		return defaultRule.LifecycleID, nil
	}
	return "", entityerr.New(entityerr.CodeNotFound, "no routing rule resolves a lifecycle for entity %q", entity)
}

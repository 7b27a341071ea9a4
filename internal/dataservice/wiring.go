package dataservice

import (
	"context"

	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/lifecycle"
	"github.com/entityplatform/core/internal/policy"
	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
	"github.com/entityplatform/core/internal/timer"
)

// PolicyAuthorizerAdapter satisfies lifecycle.PolicyAuthorizer by indexing
// (and caching) one policy.Engine per resource from the same IR the rest
// of the Generic Data Service loads, since policy.Engine itself binds its
// resource at construction (spec §4.C6 step 1) while the Lifecycle
// Manager's gate checks pass resource per call.
type PolicyAuthorizerAdapter struct {
	ir    IRLoader
	cache *policy.EngineCache
}

// NewPolicyAuthorizerAdapter constructs an adapter over ir.
func NewPolicyAuthorizerAdapter(ir IRLoader) *PolicyAuthorizerAdapter {
	return &PolicyAuthorizerAdapter{ir: ir, cache: policy.NewEngineCache()}
}

func (a *PolicyAuthorizerAdapter) Authorize(rc reqctx.RequestContext, action schema.Action, resource string, record map[string]any) policy.Decision {
	eng := a.cache.GetOrBuild(resource, func() []compiler.CompiledPolicy {
		model, err := a.ir(resource)
		if err != nil {
			return nil // an empty rule set denies everything, fail-secure
		}
		return model.Policies
	})
	return eng.Authorize(rc, action, record)
}

// AllowedFields computes the field-allow set for (rc, action, resource,
// record), reusing the same cached Engine Authorize draws from (spec
// §4.C6 "Field-allow set").
func (a *PolicyAuthorizerAdapter) AllowedFields(rc reqctx.RequestContext, action schema.Action, resource string, record map[string]any) policy.FieldSet {
	eng := a.cache.GetOrBuild(resource, func() []compiler.CompiledPolicy {
		model, err := a.ir(resource)
		if err != nil {
			return nil
		}
		return model.Policies
	})
	return eng.AllowedFields(rc, action, record)
}

// Invalidate drops the cached Engine for resource, called after a schema
// republish changes its policies (mirrors ircache.Cache.InvalidateEntity).
func (a *PolicyAuthorizerAdapter) Invalidate(resource string) {
	a.cache.Invalidate(resource)
}

// TransitionAdapter satisfies timer.Transitioner by discarding the
// lifecycle.Result the Timer Service's job handler has no use for (spec
// §4.C11 "Process" step 4 invokes LifecycleManager.transition for its
// side effect only).
type TransitionAdapter struct {
	Manager *lifecycle.Manager
}

func (a TransitionAdapter) Transition(ctx context.Context, entity, entityID, operationCode string, rc reqctx.RequestContext, record, payload map[string]any) error {
	_, err := a.Manager.Transition(ctx, entity, entityID, operationCode, rc, record, payload)
	return err
}

var _ timer.Transitioner = TransitionAdapter{}
var _ lifecycle.PolicyAuthorizer = (*PolicyAuthorizerAdapter)(nil)

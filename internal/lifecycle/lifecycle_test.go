package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/policy"
	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
)

func draftLifecycle() Lifecycle {
	return Lifecycle{
		ID: "lc-invoice", Code: "invoice-default", VersionNo: 1, IsActive: true,
		States: []State{
			{Code: "DRAFT", SortOrder: 0},
			{Code: "PENDING", SortOrder: 1},
			{Code: "CLOSED", SortOrder: 2, IsTerminal: true},
		},
		Transitions: []Transition{
			{FromState: "DRAFT", ToState: "PENDING", OperationCode: "SUBMIT", IsActive: true},
			{FromState: "PENDING", ToState: "CLOSED", OperationCode: "CLOSE", IsActive: true},
		},
	}
}

func newTestManager(t *testing.T, approvals ApprovalGate) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	routes := NewRouteCompiler(func(entity string) ([]RoutingRule, error) {
		return []RoutingRule{{ID: "default", EntityName: entity, LifecycleID: "lc-invoice"}}, nil
	})
	load := func(id string) (Lifecycle, error) {
		if id == "lc-invoice" {
			return draftLifecycle(), nil
		}
		return Lifecycle{}, entityerr.New(entityerr.CodeNotFound, "no such lifecycle %s", id)
	}
	authz := allowAllAuthorizer{}
	m := NewManager(store, routes, load, authz, approvals, nil, nil)
	return m, store
}

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Authorize(rc reqctx.RequestContext, action schema.Action, resource string, record map[string]any) policy.Decision {
	return policy.Decision{Effect: schema.EffectAllow}
}

func rc() reqctx.RequestContext {
	return reqctx.RequestContext{UserID: "u1", TenantID: "t1"}
}

func TestCreateInstance_ResolvesInitialState(t *testing.T) {
	m, _ := newTestManager(t, nil)
	inst, err := m.CreateInstance(context.Background(), "Invoice", "inv-1", rc(), nil)
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", inst.StateCode)
}

func TestTransition_HappyPath(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	_, err := m.CreateInstance(ctx, "Invoice", "inv-1", rc(), nil)
	require.NoError(t, err)

	res, err := m.Transition(ctx, "Invoice", "inv-1", "SUBMIT", rc(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", res.NewStateCode)
}

func TestTransition_TerminalStateRejectsTransition(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	_, err := m.CreateInstance(ctx, "Invoice", "inv-1", rc(), nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "Invoice", "inv-1", "SUBMIT", rc(), nil, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "Invoice", "inv-1", "CLOSE", rc(), nil, nil)
	require.NoError(t, err)

	_, err = m.Transition(ctx, "Invoice", "inv-1", "CLOSE", rc(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeTerminal, entityerr.CodeOf(err))
}

func TestTransition_NoMatchingTransitionNotFound(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	_, err := m.CreateInstance(ctx, "Invoice", "inv-1", rc(), nil)
	require.NoError(t, err)

	_, err = m.Transition(ctx, "Invoice", "inv-1", "CLOSE", rc(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeNotFound, entityerr.CodeOf(err))
}

func TestEnforceTerminalState(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	_, err := m.CreateInstance(ctx, "Invoice", "inv-1", rc(), nil)
	require.NoError(t, err)
	require.NoError(t, m.EnforceTerminalState(ctx, "Invoice", "inv-1", "t1"))

	_, err = m.Transition(ctx, "Invoice", "inv-1", "SUBMIT", rc(), nil, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "Invoice", "inv-1", "CLOSE", rc(), nil, nil)
	require.NoError(t, err)

	err = m.EnforceTerminalState(ctx, "Invoice", "inv-1", "t1")
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeTerminal, entityerr.CodeOf(err))
}

// fakeApprovalGate models the "Gate with approval" scenario (spec §8
// scenario 2): first call creates an instance and denies; once the
// instance completes, the bypassed re-call succeeds.
type fakeApprovalGate struct {
	created bool
	status  string
}

func (g *fakeApprovalGate) FindInstance(ctx context.Context, entity, entityID, tenantID string) (ApprovalStatus, bool, error) {
	if !g.created {
		return ApprovalStatus{}, false, nil
	}
	return ApprovalStatus{Status: g.status}, true, nil
}

func (g *fakeApprovalGate) CreateInstance(ctx context.Context, entity, entityID, operationCode, templateID string, rc reqctx.RequestContext) error {
	g.created = true
	g.status = ApprovalOpen
	return nil
}

func TestTransition_ApprovalGate_InitiatesThenBypassesOnCompletion(t *testing.T) {
	store := NewMemoryStore()
	routes := NewRouteCompiler(func(entity string) ([]RoutingRule, error) {
		return []RoutingRule{{ID: "default", EntityName: entity, LifecycleID: "lc-approval"}}, nil
	})
	lc := draftLifecycle()
	lc.ID = "lc-approval"
	lc.Transitions[0].Gate = Gate{ApprovalTemplateID: "T1"}
	load := func(id string) (Lifecycle, error) { return lc, nil }

	gate := &fakeApprovalGate{}
	m := NewManager(store, routes, load, allowAllAuthorizer{}, gate, nil, nil)
	ctx := context.Background()

	_, err := m.CreateInstance(ctx, "Invoice", "inv-1", rc(), nil)
	require.NoError(t, err)

	_, err = m.Transition(ctx, "Invoice", "inv-1", "SUBMIT", rc(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeApprovalPending, entityerr.CodeOf(err))
	assert.True(t, gate.created)

	// Still open: a second plain call also denies.
	_, err = m.Transition(ctx, "Invoice", "inv-1", "SUBMIT", rc(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeApprovalPending, entityerr.CodeOf(err))

	// Approval completes; the bypassed re-call succeeds.
	gate.status = ApprovalCompleted
	bypassed := rc().WithApprovalBypass()
	res, err := m.Transition(ctx, "Invoice", "inv-1", "SUBMIT", bypassed, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", res.NewStateCode)
}

func TestRouteCompiler_DefaultRuleWhenNoConditionsMatch(t *testing.T) {
	rc1 := RoutingRule{ID: "specific", EntityName: "Invoice", Priority: 1, LifecycleID: "lc-specific",
		Conditions: []schema.Condition{{Path: "ctx.orgKey", Op: schema.OpEq, Value: "acme"}}}
	rc2 := RoutingRule{ID: "default", EntityName: "Invoice", Priority: 2, LifecycleID: "lc-default"}

	compiler := NewRouteCompiler(func(entity string) ([]RoutingRule, error) {
		return []RoutingRule{rc1, rc2}, nil
	})

	id, err := compiler.ResolveLifecycle("Invoice", reqctx.RequestContext{OrgKey: "other"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "lc-default", id)

	id2, err := compiler.ResolveLifecycle("Invoice", reqctx.RequestContext{OrgKey: "acme"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "lc-specific", id2)
}

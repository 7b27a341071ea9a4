package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
)

// LifecycleLoader loads a Lifecycle definition by id, e.g. from the Schema
// Registry's lifecycle tables.
type LifecycleLoader func(lifecycleID string) (Lifecycle, error)

// Manager is the Lifecycle Manager (spec §4.C9).
type Manager struct {
	store     Store
	routes    *RouteCompiler
	load      LifecycleLoader
	policy    PolicyAuthorizer
	approvals ApprovalGate
	timers    TimerCanceller
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager constructs a Manager. approvals and timers may be nil if no
// transition in the deployment uses approval gates or auto-cancel timers.
func NewManager(store Store, routes *RouteCompiler, load LifecycleLoader, authz PolicyAuthorizer, approvals ApprovalGate, timers TimerCanceller, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store: store, routes: routes, load: load, policy: authz,
		approvals: approvals, timers: timers, now: time.Now, logger: logger,
	}
}

// Result is the outcome of a successful Transition call.
type Result struct {
	NewStateCode string
	EventID      string
}

// AvailableTransition is one entry of getAvailableTransitions' output
// (spec §4.C9).
type AvailableTransition struct {
	OperationCode    string
	ToState          string
	Authorized       bool
	UnauthorizedReason string
	RequiresApproval bool
}

// CreateInstance resolves a lifecycle for entity, finds its initial state,
// creates the instance, and appends a CREATE event (spec §4.C9 "Create").
func (m *Manager) CreateInstance(ctx context.Context, entity, entityID string, rc reqctx.RequestContext, record map[string]any) (Instance, error) {
	lifecycleID, err := m.routes.ResolveLifecycle(entity, rc, record)
	if err != nil {
		return Instance{}, err
	}
	lc, err := m.load(lifecycleID)
	if err != nil {
		return Instance{}, err
	}
	initial, ok := lc.InitialState()
	if !ok {
		return Instance{}, entityerr.New(entityerr.CodeInternal, "lifecycle %s has no states", lifecycleID)
	}

	now := m.now()
	inst := Instance{
		ID: uuid.NewString(), Entity: entity, EntityID: entityID, TenantID: rc.TenantID,
		LifecycleID: lifecycleID, StateCode: initial.Code, Version: 1,
		CreatedAt: now, CreatedBy: rc.UserID, UpdatedAt: now, UpdatedBy: rc.UserID,
	}
	created, err := m.store.CreateInstance(ctx, inst)
	if err != nil {
		return Instance{}, err
	}
	if _, err := m.store.AppendEvent(ctx, Event{
		ID: uuid.NewString(), InstanceID: created.ID, FromState: "", ToState: initial.Code,
		OperationCode: "CREATE", Actor: rc.UserID, CorrelationID: rc.CorrelationID,
		OccurredAt: now, Kind: EventKindCreate,
	}); err != nil {
		return Instance{}, err
	}
	return created, nil
}

// Transition runs (entity, id, operationCode) through the gated state
// machine (spec §4.C9 "Transition").
func (m *Manager) Transition(ctx context.Context, entity, entityID, operationCode string, rc reqctx.RequestContext, record, payload map[string]any) (Result, error) {
	inst, err := m.store.GetInstance(ctx, entity, entityID, rc.TenantID)
	if err != nil {
		return Result{}, err
	}
	lc, err := m.load(inst.LifecycleID)
	if err != nil {
		return Result{}, err
	}
	state, ok := lc.StateByCode(inst.StateCode)
	if !ok {
		return Result{}, entityerr.New(entityerr.CodeInternal, "instance %s has unknown state %q", inst.ID, inst.StateCode)
	}
	if state.IsTerminal {
		return Result{}, entityerr.New(entityerr.CodeTerminal, "instance %s is in terminal state %q", inst.ID, inst.StateCode)
	}

	tr, ok := lc.TransitionFor(inst.StateCode, operationCode)
	if !ok {
		return Result{}, entityerr.New(entityerr.CodeNotFound, "no active transition from %q via %q", inst.StateCode, operationCode)
	}

	if err := m.validateGates(ctx, entity, entityID, tr, rc, record); err != nil {
		return Result{}, err
	}

	updated, err := m.store.CompareAndSetState(ctx, inst.ID, inst.StateCode, tr.ToState, rc.UserID)
	if err != nil {
		return Result{}, err
	}

	now := m.now()
	ev, err := m.store.AppendEvent(ctx, Event{
		ID: uuid.NewString(), InstanceID: updated.ID, FromState: inst.StateCode, ToState: tr.ToState,
		OperationCode: operationCode, Actor: rc.UserID, Payload: payload, CorrelationID: rc.CorrelationID,
		OccurredAt: now, Kind: EventKindTransition,
	})
	if err != nil {
		return Result{}, err
	}

	if m.timers != nil && (tr.Gate.CancelOnAnyTransition || containsState(tr.Gate.CancelOnStates, tr.ToState)) {
		if err := m.timers.CancelTimers(ctx, entity, entityID, "transition to "+tr.ToState); err != nil {
			// Timer cancellation is best-effort; spec §7 "C11 timer errors
			// never affect the business operation that scheduled them."
			m.logger.WarnContext(ctx, "lifecycle: timer cancellation failed", "entity", entity, "entityId", entityID, "error", err)
		}
	}

	return Result{NewStateCode: tr.ToState, EventID: ev.ID}, nil
}

// EnforceTerminalState raises entityerr.Terminal if the instance's current
// state is terminal (spec §4.C9 "Terminal enforcement"). An entity with no
// lifecycle instance at all is not enforced here.
func (m *Manager) EnforceTerminalState(ctx context.Context, entity, entityID, tenantID string) error {
	inst, err := m.store.GetInstance(ctx, entity, entityID, tenantID)
	if err != nil {
		if entityerr.CodeOf(err) == entityerr.CodeNotFound {
			return nil
		}
		return err
	}
	lc, err := m.load(inst.LifecycleID)
	if err != nil {
		return err
	}
	state, ok := lc.StateByCode(inst.StateCode)
	if ok && state.IsTerminal {
		return entityerr.New(entityerr.CodeTerminal, "instance %s is in terminal state %q", inst.ID, inst.StateCode)
	}
	return nil
}

// GetAvailableTransitions returns every transition from the current state
// with its authorization outcome (spec §4.C9 "Available transitions").
func (m *Manager) GetAvailableTransitions(ctx context.Context, entity, entityID string, rc reqctx.RequestContext, record map[string]any) ([]AvailableTransition, error) {
	inst, err := m.store.GetInstance(ctx, entity, entityID, rc.TenantID)
	if err != nil {
		return nil, err
	}
	lc, err := m.load(inst.LifecycleID)
	if err != nil {
		return nil, err
	}

	var out []AvailableTransition
	for _, tr := range lc.FromState(inst.StateCode) {
		at := AvailableTransition{OperationCode: tr.OperationCode, ToState: tr.ToState, Authorized: true, RequiresApproval: tr.Gate.ApprovalTemplateID != ""}
		for _, op := range tr.Gate.RequiredOperations {
			decision := m.policy.Authorize(rc, schema.Action(op), entity, record)
			if !decision.Allowed() {
				at.Authorized = false
				at.UnauthorizedReason = "requires operation " + op
				break
			}
		}
		out = append(out, at)
	}
	return out, nil
}

// CurrentStateCode returns the current state code of an entity's lifecycle
// instance, used by the Timer Service to re-verify a schedule before firing
// (spec §4.C11 "Process" step 3) and by the Timer Service's scheduling path
// (spec §4.C11 "Schedule" step 2 "Load lifecycle instance; fail if missing").
func (m *Manager) CurrentStateCode(ctx context.Context, entity, entityID, tenantID string) (string, error) {
	inst, err := m.store.GetInstance(ctx, entity, entityID, tenantID)
	if err != nil {
		return "", err
	}
	return inst.StateCode, nil
}

func containsState(states []string, target string) bool {
	for _, s := range states {
		if s == target {
			return true
		}
	}
	return false
}

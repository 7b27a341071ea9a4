package lifecycle

import (
	"context"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/policy"
	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
)

// Approval instance statuses as the Lifecycle Manager observes them,
// already reversed from the external/internal mapping the Approval
// Engine owns (spec §4.C9 Gates; §4.C10 "Status mapping").
const (
	ApprovalOpen      = "open"
	ApprovalRejected  = "rejected"
	ApprovalCanceled  = "canceled"
	ApprovalCompleted = "completed"
)

// ApprovalStatus is what the Lifecycle Manager needs to know about an
// approval instance to decide whether a gated transition may proceed.
type ApprovalStatus struct {
	Status string
}

// ApprovalGate is the Approval Engine surface the Lifecycle Manager
// consumes (spec §4.C9 Gates "approvalTemplateId").
type ApprovalGate interface {
	FindInstance(ctx context.Context, entity, entityID, tenantID string) (ApprovalStatus, bool, error)
	CreateInstance(ctx context.Context, entity, entityID, transitionOperationCode, templateID string, rc reqctx.RequestContext) error
}

// TimerCanceller is the Timer Service surface the Lifecycle Manager
// consumes after a successful transition (spec §4.C11 "Cancel").
type TimerCanceller interface {
	CancelTimers(ctx context.Context, entity, entityID, reason string) error
}

// PolicyAuthorizer is the Policy Engine surface consumed for gate
// requiredOperations checks and getAvailableTransitions (spec §4.C9 Gates).
type PolicyAuthorizer interface {
	Authorize(ctx reqctx.RequestContext, action schema.Action, resource string, record map[string]any) policy.Decision
}

// evalThreshold evaluates one threshold rule against record (spec §4.C9
// "Threshold semantics").
func evalThreshold(rule ThresholdRule, record map[string]any) (bool, error) {
	actual := record[rule.Field]
	if rule.Operator == ThresholdBetween {
		low, err := policy.Compare(schema.OpGte, actual, rule.Low)
		if err != nil {
			return false, err
		}
		high, err := policy.Compare(schema.OpLte, actual, rule.High)
		if err != nil {
			return false, err
		}
		return low && high, nil
	}
	return policy.Compare(schema.ConditionOp(rule.Operator), actual, rule.Value)
}

// validateGates runs requiredOperations, thresholdRules, and the approval
// gate for a transition, in that order (spec §4.C9 "Gates").
func (m *Manager) validateGates(ctx context.Context, entity, entityID string, tr Transition, rc reqctx.RequestContext, record map[string]any) error {
	gate := tr.Gate

	for _, op := range gate.RequiredOperations {
		decision := m.policy.Authorize(rc, schema.Action(op), entity, record)
		if !decision.Allowed() {
			return entityerr.New(entityerr.CodeUnauthorized, "required operation %q denied: %s", op, decision.Reason)
		}
	}

	forceApproval := false
	for _, rule := range gate.ThresholdRules {
		ok, err := evalThreshold(rule, record)
		if err != nil {
			return entityerr.Wrap(entityerr.CodeInternal, err, "threshold rule on %q could not be evaluated", rule.Field)
		}
		if ok {
			continue
		}
		switch rule.Action {
		case ThresholdActionBlock:
			return entityerr.New(entityerr.CodeUnauthorized, "threshold rule on %q blocked the transition", rule.Field)
		case ThresholdActionRequireApproval:
			forceApproval = true
		}
	}

	if gate.ApprovalTemplateID == "" && !forceApproval {
		return nil
	}
	if rc.Metadata.ApprovalBypass() {
		return nil
	}
	if gate.ApprovalTemplateID == "" {
		return entityerr.New(entityerr.CodeInternal, "threshold rule requires approval but the transition has no approvalTemplateId")
	}
	if m.approvals == nil {
		return entityerr.New(entityerr.CodeInternal, "transition %s requires approval but no Approval Engine is configured", tr.OperationCode)
	}

	status, found, err := m.approvals.FindInstance(ctx, entity, entityID, rc.TenantID)
	if err != nil {
		return entityerr.Wrap(entityerr.CodeInternal, err, "approval instance lookup failed")
	}
	if !found {
		if err := m.approvals.CreateInstance(ctx, entity, entityID, tr.OperationCode, gate.ApprovalTemplateID, rc); err != nil {
			return entityerr.Wrap(entityerr.CodeInternal, err, "approval instance creation failed")
		}
		return entityerr.New(entityerr.CodeApprovalPending, "approval initiated")
	}

	switch status.Status {
	case ApprovalOpen:
		return entityerr.New(entityerr.CodeApprovalPending, "approval pending")
	case ApprovalRejected:
		return entityerr.New(entityerr.CodeApprovalRejected, "approval rejected")
	case ApprovalCanceled:
		return entityerr.New(entityerr.CodeApprovalCanceled, "approval canceled")
	case ApprovalCompleted:
		return nil
	default:
		return entityerr.New(entityerr.CodeInternal, "unknown approval status %q", status.Status)
	}
}

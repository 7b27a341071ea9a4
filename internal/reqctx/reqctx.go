// Package reqctx defines the Request Context (spec §4.C1): the immutable
// per-request tuple every other component reads tenant/actor/correlation
// information from. It is deliberately small — identity and role
// resolution themselves are out of scope (spec §1 Non-goals) and are
// supplied by an external identity provider before a RequestContext is
// constructed.
package reqctx

import "context"

// Metadata carries out-of-band signals that change evaluation behavior
// without being part of the authorization subject itself, e.g. the
// approval-bypass loop-guard (spec §4.C9 Gates) or the timer-execution
// marker (spec §4.C11 Process step 4).
type Metadata map[string]any

// ApprovalBypass reports whether this context carries the loop-guard flag
// an Approval Engine completion callback sets before re-running a gated
// transition (spec §4.C9 Gates, §4.C10 step 5).
func (m Metadata) ApprovalBypass() bool {
	v, _ := m["_approvalBypass"].(bool)
	return v
}

// IsTimerExecution reports whether this context was constructed by the
// Timer Service to execute a scheduled auto-transition (spec §4.C11 step 4).
func (m Metadata) IsTimerExecution() bool {
	v, _ := m["_timerExecution"].(bool)
	return v
}

// RequestContext is the immutable per-request tuple (spec §3, §4.C1).
type RequestContext struct {
	UserID        string
	TenantID      string
	RealmID       string
	Roles         []string
	OrgKey        string
	RequestID     string
	CorrelationID string
	Metadata      Metadata
}

// System returns a synthetic RequestContext for platform-internal actors
// (the Timer Service firing a job, an Approval Engine completion callback)
// that otherwise carry the same tenant scope as the original request.
func System(tenantID, realmID string, metadata Metadata) RequestContext {
	if metadata == nil {
		metadata = Metadata{}
	}
	return RequestContext{
		UserID:   "system",
		TenantID: tenantID,
		RealmID:  realmID,
		Roles:    []string{"system"},
		Metadata: metadata,
	}
}

// WithApprovalBypass returns a copy of ctx with the approval-bypass
// loop-guard flag set, used by the Approval Engine's completion callback
// into the Lifecycle Manager (spec §4.C10 step 5).
func (c RequestContext) WithApprovalBypass() RequestContext {
	c.Metadata = c.Metadata.clone()
	c.Metadata["_approvalBypass"] = true
	return c
}

// WithTimerExecution returns a copy of ctx marked as a timer-driven
// auto-transition (spec §4.C11 step 4).
func (c RequestContext) WithTimerExecution() RequestContext {
	c.Metadata = c.Metadata.clone()
	c.Metadata["_timerExecution"] = true
	return c
}

func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

type ctxKey struct{}

// Into stores ctx's RequestContext into a standard context.Context so it
// flows through the deadline/cancellation chain described in spec §5.
func Into(parent context.Context, rc RequestContext) context.Context {
	return context.WithValue(parent, ctxKey{}, rc)
}

// From retrieves the RequestContext previously stored with Into.
func From(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RequestContext)
	return rc, ok
}

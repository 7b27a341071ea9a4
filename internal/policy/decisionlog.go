package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
)

// LogEntry is one decision log row (spec §4.C6 "Decision log").
type LogEntry struct {
	TenantID      string
	OccurredAt    time.Time
	Actor         string
	Resource      string
	Operation     schema.Action
	Effect        schema.Effect
	MatchedRuleID string
	Reason        string
	CorrelationID string
}

// DecisionLog appends decisions for audit/debugging. Write failures must
// never flip the decision already returned to the caller (spec §4.C6).
type DecisionLog interface {
	Append(ctx context.Context, entry LogEntry) error
}

// QueryableDecisionLog is the read-side SPEC_FULL adds on top of the
// append-only log: operator/audit tooling listing `permission_decision_log`
// rows for a tenant/resource since a point in time.
type QueryableDecisionLog interface {
	DecisionLog
	ListDecisions(ctx context.Context, tenantID, resource string, since time.Time) ([]LogEntry, error)
}

// MemoryDecisionLog is an in-process append-only log, used by tests and as
// the default when no durable log is configured.
type MemoryDecisionLog struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewMemoryDecisionLog constructs an empty log.
func NewMemoryDecisionLog() *MemoryDecisionLog { return &MemoryDecisionLog{} }

func (l *MemoryDecisionLog) Append(_ context.Context, entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a snapshot of everything appended so far.
func (l *MemoryDecisionLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// ListDecisions implements QueryableDecisionLog (SPEC_FULL "Decision log
// retention/query"): entries for tenantID on resource at or after since,
// most recent first.
func (l *MemoryDecisionLog) ListDecisions(_ context.Context, tenantID, resource string, since time.Time) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.TenantID != tenantID || e.Resource != resource || e.OccurredAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// LoggingEngine pairs an Engine with a DecisionLog so every Authorize call
// is recorded, without letting a log failure affect the decision.
type LoggingEngine struct {
	*Engine
	Log    DecisionLog
	Logger *slog.Logger
}

// NewLogging wraps an Engine to log every decision.
func NewLogging(eng *Engine, log DecisionLog, logger *slog.Logger) *LoggingEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEngine{Engine: eng, Log: log, Logger: logger}
}

// Now stamps OccurredAt on log entries; overridable in tests for determinism.
var Now = time.Now

// AuthorizeAndLog evaluates the decision, then appends it to the log. A log
// write failure is recorded to the structured logger and swallowed, never
// propagated to the caller (spec §4.C6 "Log write failures must not flip
// the decision").
func (le *LoggingEngine) AuthorizeAndLog(ctx context.Context, rc reqctx.RequestContext, action schema.Action, resource string, record map[string]any) Decision {
	decision := le.Engine.Authorize(rc, action, record)

	entry := LogEntry{
		TenantID:      rc.TenantID,
		OccurredAt:    Now(),
		Actor:         rc.UserID,
		Resource:      resource,
		Operation:     action,
		Effect:        decision.Effect,
		MatchedRuleID: decision.MatchedRuleID,
		Reason:        decision.Reason,
		CorrelationID: rc.CorrelationID,
	}
	if err := le.Log.Append(ctx, entry); err != nil {
		le.Logger.WarnContext(ctx, "policy: decision log write failed", "error", err, "resource", resource)
	}
	return decision
}

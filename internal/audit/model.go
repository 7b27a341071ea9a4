// Package audit implements the Audit Outbox + Drain (spec §4.C12):
// append-only outbox writes coupled to the owning business transaction,
// a batched drainer with dead-letter handling, and partition lifecycle
// management. Built on a resilient-dispatch shape (handler failures
// logged, never propagated to the emitter) for the drain worker's
// failure posture, generalized from a synchronous fan-out bus to a
// durable, retried outbox.
package audit

import "time"

// Status is an outbox row's lifecycle status (spec §3 "Audit Outbox Entry").
type Status string

const (
	StatusPending   Status = "pending"
	StatusPersisted Status = "persisted"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Entry is one outbox row (spec §3 "Audit Outbox Entry").
type Entry struct {
	ID          string
	TenantID    string
	EventType   string
	Payload     map[string]any
	Attempts    int
	MaxAttempts int
	Status      Status
	LockedBy    string
	LockedUntil time.Time
	CreatedAt   time.Time
	LastError   string
}

// LogRow is one persisted row in the partitioned audit log (spec §6
// "audit.audit_log ... partitioned by month").
type LogRow struct {
	ID            string
	TenantID      string
	EventType     string
	Payload       map[string]any
	OccurredAt    time.Time
	OutboxEntryID string
}

// DeadLetter is one DLQStore row: an outbox entry held for operator
// inspection, with its last error and the time it was added.
type DeadLetter struct {
	Entry     Entry
	LastError string
	DeadAt    time.Time
}

// Partition describes one monthly audit.audit_log partition (spec §6
// "audit_log_YYYY_MM").
type Partition struct {
	Year  int
	Month int
}

// Name renders the partition's table suffix, e.g. "2026_07".
func (p Partition) Name() string {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC).Format("2006_01")
}

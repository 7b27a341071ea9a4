// Package timer implements the Timer Service (spec §4.C11): scheduled
// auto-transitions via the delayed-job queue, guarded fire, cancel-on-
// transition, and rehydration on startup. Uses natural-language/ISO date
// handling (via olebedev/when) for field_relative fireAt resolution, and
// a load-check-mutate shape for the guarded fire's compare-and-set.
package timer

import (
	"time"

	"github.com/entityplatform/core/internal/schema"
)

// Type enumerates timer kinds (spec §3 "Timer Schedule" timerType).
type Type string

const (
	TypeAutoClose      Type = "auto_close"
	TypeAutoCancel     Type = "auto_cancel"
	TypeReminder       Type = "reminder"
	TypeAutoTransition Type = "auto_transition"
)

// Status is a schedule's lifecycle status (spec §3 "Timer Schedule").
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusFired     Status = "fired"
	StatusCanceled  Status = "canceled"
)

// DelayType enumerates how a policy computes fireAt (spec §4.C11 "Schedule" step 3).
type DelayType string

const (
	DelayFixed        DelayType = "fixed"
	DelayFieldRelative DelayType = "field_relative"
	DelaySLA          DelayType = "sla" // MVP falls back to fixed (spec §9)
)

// Policy is the immutable rules snapshot captured at scheduling time
// (spec §3 "Timer Schedule" policySnapshot).
type Policy struct {
	ID                    string
	Type                  Type
	DelayType             DelayType
	DelayMs               int64
	DelayFromField        string // field_relative: record field holding a date
	DelayOffsetMs         int64
	TargetOperationCode   string // defaults to "AUTO_TRANSITION" if empty (spec §4.C11 "Process" step 4)
	Conditions            []schema.Condition
	CancelOnAnyTransition bool
	CancelOnStates        []string
}

// Schedule is one Timer Schedule row (spec §3).
type Schedule struct {
	ID             string
	TenantID       string
	Entity         string
	EntityID       string
	TimerType      Type
	FireAt         time.Time
	JobID          string
	PolicySnapshot Policy
	// StateSnapshot is the lifecycle instance's stateId at schedule time
	// (SPEC_FULL "Lifecycle instance snapshot for timers"): lets
	// ProcessTimer detect a stale fire without reloading the policy.
	StateSnapshot string
	Status        Status
	CreatedAt     time.Time
}

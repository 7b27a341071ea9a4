// Package approval implements the Approval Engine (spec §4.C10):
// multi-stage serial/parallel approval instances, assignment resolution,
// decision aggregation, and the completion callback into the Lifecycle
// Manager. Built on an assess-then-enforce shape (this package's Decide
// mirrors a load-check-mutate-emit structure) and the Lifecycle Manager's
// own gate/transition split for the stage/instance aggregation layering.
package approval

import (
	"math"
	"time"

	"github.com/entityplatform/core/internal/schema"
)

// Mode is a stage's approval mode (spec §4.C10 "Create" step 2).
type Mode string

const (
	ModeSerial   Mode = "serial"
	ModeParallel Mode = "parallel"
)

// Decision is an approver's input to Decide (spec §4.C10 "Decide").
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Status is a task, stage, or instance's lifecycle status. Instances only
// ever use open/completed/canceled internally (spec §4.C10 "Status
// mapping"); stages and tasks use the fuller vocabulary.
type Status string

const (
	StatusPending   Status = "pending"
	StatusOpen      Status = "open"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Quorum is a parallel stage's completion rule (spec §3 GLOSSARY "Quorum").
type Quorum struct {
	Type  string // "count" or "percentage"
	Value float64
}

// RequiredCount resolves the quorum against the number of tasks in the
// stage.
func (q Quorum) RequiredCount(totalTasks int) int {
	if q.Type == "percentage" {
		return int(math.Ceil(q.Value / 100 * float64(totalTasks)))
	}
	return int(q.Value)
}

// AssignTarget names who a rule assigns to before resolution (spec §4.C10
// "Create" step 3).
type AssignTarget struct {
	Kind  string // "role", "group", "principal"
	Value string
}

// AssignmentRule is one entry of a stage template's rule list, evaluated
// in priority order; the first match resolves assignment (spec §4.C10
// "Create" step 3).
type AssignmentRule struct {
	ID         string
	Priority   int
	Conditions []schema.Condition
	AssignTo   AssignTarget
}

// StageTemplate is one compiled stage definition (spec §3
// "approval_template+stage").
type StageTemplate struct {
	StageNo int
	Mode    Mode
	Quorum  *Quorum // only meaningful for ModeParallel
	Rules   []AssignmentRule
}

// Template is a compiled approval template (spec §3 "approval_template").
// Parallel reports whether every stage opens immediately rather than
// gating serially on the previous stage's completion (spec §4.C10
// "Create" step 2).
type Template struct {
	ID              string
	Version         int
	Parallel        bool
	Stages          []StageTemplate
	DefaultReviewer string
}

// AssignmentSnapshot is the immutable record of how a task's assignee was
// resolved (spec §4.C10 "Create" step 4).
type AssignmentSnapshot struct {
	RuleID          string
	TemplateVersion int
	ResolvedPayload map[string]any
}

// Task is one approver assignment within a stage (spec §3
// "wf.approval_instance+task").
type Task struct {
	ID            string
	StageNo       int
	AssigneeType  string
	AssigneeValue string
	Status        Status
	DecidedAt     *time.Time
	DecidedBy     string
	Note          string
	Snapshot      AssignmentSnapshot
}

// StageInstance is one materialized stage of an approval instance (spec
// §4.C10 "Create" step 2).
type StageInstance struct {
	StageNo int
	Mode    Mode
	Quorum  *Quorum
	Status  Status
	Tasks   []Task
}

// Instance is a materialized multi-stage approval instance (spec §3
// "wf.approval_instance").
type Instance struct {
	ID                      string
	Entity                  string
	EntityID                string
	TenantID                string
	TemplateID              string
	TransitionOperationCode string
	Status                  Status // open, completed, or canceled (internal)
	Reason                  string // "rejected" when externally-rejected (spec §4.C10 "Status mapping")
	Stages                  []StageInstance
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// ExternalStatus reverses the internal rejected->canceled+reason mapping
// spec §4.C10 requires ("External status `rejected` is stored in DB as
// `canceled` + context reason = `rejected`; readers must reverse-map").
func (i Instance) ExternalStatus() string {
	if i.Status == StatusCanceled && i.Reason == "rejected" {
		return "rejected"
	}
	return string(i.Status)
}

// Terminal reports whether the instance accepts no further decisions
// (spec §4.C10 "Terminal rule").
func (i Instance) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusCanceled
}

func (i *Instance) stage(stageNo int) *StageInstance {
	for idx := range i.Stages {
		if i.Stages[idx].StageNo == stageNo {
			return &i.Stages[idx]
		}
	}
	return nil
}

func (i *Instance) task(taskID string) *Task {
	for si := range i.Stages {
		for ti := range i.Stages[si].Tasks {
			if i.Stages[si].Tasks[ti].ID == taskID {
				return &i.Stages[si].Tasks[ti]
			}
		}
	}
	return nil
}

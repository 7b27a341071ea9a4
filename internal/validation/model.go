// Package validation implements the Validation Engine (spec §4.C7): a
// compiled per-entity rule graph evaluated at persist and transition
// phases against typed rule kinds.
package validation

import (
	"time"

	"github.com/entityplatform/core/internal/schema"
)

// Kind enumerates the rule kinds spec §4.C7 defines.
type Kind string

const (
	KindRequired    Kind = "required"
	KindMinMax      Kind = "min_max"
	KindLength      Kind = "length"
	KindRegex       Kind = "regex"
	KindEnum        Kind = "enum"
	KindCrossField  Kind = "cross_field"
	KindConditional Kind = "conditional"
	KindDateRange   Kind = "date_range"
	KindReferential Kind = "referential"
	KindUnique      Kind = "unique"
)

// Severity is a rule's configured severity (spec §3 "Validation Rule Graph").
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Phase is when a rule is evaluated (spec §3).
type Phase string

const (
	PhaseBeforePersist    Phase = "beforePersist"
	PhaseBeforeTransition Phase = "beforeTransition"
)

// Trigger is the operation a rule applies on (spec §4.C7 step 1).
type Trigger string

const (
	TriggerCreate     Trigger = "create"
	TriggerUpdate     Trigger = "update"
	TriggerTransition Trigger = "transition"
	TriggerAll        Trigger = "all"
)

// Rule is one entry in an entity's validation rule graph (spec §3). Only
// the fields relevant to Kind are populated; the rest are zero.
type Rule struct {
	ID        string
	FieldPath string
	Kind      Kind
	Severity  Severity
	Phase     Phase
	AppliesOn []Trigger
	Message   string

	// min_max
	Min *float64
	Max *float64

	// length
	MinLength *int
	MaxLength *int

	// regex
	Pattern string

	// enum
	EnumValues []string

	// cross_field
	CompareField string
	CompareOp    schema.ConditionOp

	// conditional
	When []schema.Condition
	Then []Rule

	// date_range
	AfterField  string
	BeforeField string
	MinDate     *time.Time
	MaxDate     *time.Time

	// referential
	TargetEntity string
	TargetField  string

	// unique
	ScopeFields []string
}

// AppliesToTrigger reports whether the rule should run for trigger (spec
// §4.C7 step 1: "appliesOn includes trigger (or all)").
func (r Rule) AppliesToTrigger(trigger Trigger) bool {
	for _, t := range r.AppliesOn {
		if t == trigger || t == TriggerAll {
			return true
		}
	}
	return false
}

// ValidationError is one rule failure (spec §4.C7 "ValidationError").
type ValidationError struct {
	RuleID    string
	FieldPath string
	Severity  Severity
	Message   string
}

// Result is the outcome of Evaluate.
type Result struct {
	Errors []ValidationError
}

// Valid reports whether there are no error-severity failures (spec §4.C7
// step 3 "valid = errors.empty" — warnings never fail validity).
func (r Result) Valid() bool {
	for _, e := range r.Errors {
		if e.Severity == SeverityError {
			return false
		}
	}
	return true
}

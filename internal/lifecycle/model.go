// Package lifecycle implements the Lifecycle Route Compiler and Lifecycle
// Manager (spec §4.C8/C9): per-tenant state machines, transition gates, and
// instance bookkeeping. Built on an assess-then-enforce shape, generalized
// from a single hardcoded session-state machine into a compiled,
// per-entity routing table.
package lifecycle

import "sort"

// State is one lifecycle state (spec §3 "States").
type State struct {
	Code       string
	IsTerminal bool
	SortOrder  int
}

// ThresholdOperator enumerates threshold-rule comparisons (spec §4.C9
// "Threshold semantics").
type ThresholdOperator string

const (
	ThresholdGt      ThresholdOperator = "gt"
	ThresholdGte     ThresholdOperator = "gte"
	ThresholdLt      ThresholdOperator = "lt"
	ThresholdLte     ThresholdOperator = "lte"
	ThresholdEq      ThresholdOperator = "eq"
	ThresholdNe      ThresholdOperator = "ne"
	ThresholdBetween ThresholdOperator = "between"
)

// ThresholdAction is what happens when a threshold rule fails (spec §4.C9).
type ThresholdAction string

const (
	ThresholdActionBlock           ThresholdAction = "block"
	ThresholdActionRequireApproval ThresholdAction = "require_approval"
)

// ThresholdRule is one entry of a gate's threshold rule list (spec §4.C9
// "Threshold semantics").
type ThresholdRule struct {
	Field    string
	Operator ThresholdOperator
	Value    any
	Low      any // only for "between"
	High     any // only for "between"
	Action   ThresholdAction
}

// Gate is a transition precondition (spec §3 "Transition Gates").
type Gate struct {
	RequiredOperations []string
	ApprovalTemplateID string
	ThresholdRules     []ThresholdRule
	CancelOnAnyTransition bool
	CancelOnStates        []string
}

// Transition is one edge in a lifecycle's state machine (spec §3).
type Transition struct {
	FromState     string
	ToState       string
	OperationCode string
	IsActive      bool
	Gate          Gate
}

// Lifecycle is one versioned, per-tenant state machine (spec §3).
type Lifecycle struct {
	ID          string
	Code        string
	VersionNo   int
	IsActive    bool
	States      []State
	Transitions []Transition
}

// InitialState returns the state with the lowest sortOrder (spec §4.C9
// "Create": "finds its initial state (lowest sortOrder)").
func (l Lifecycle) InitialState() (State, bool) {
	if len(l.States) == 0 {
		return State{}, false
	}
	best := l.States[0]
	for _, s := range l.States[1:] {
		if s.SortOrder < best.SortOrder {
			best = s
		}
	}
	return best, true
}

// StateByCode looks up a state by code.
func (l Lifecycle) StateByCode(code string) (State, bool) {
	for _, s := range l.States {
		if s.Code == code {
			return s, true
		}
	}
	return State{}, false
}

// TransitionFor finds the active transition matching (fromState,
// operationCode) (spec §4.C9 "Transition" step 3).
func (l Lifecycle) TransitionFor(fromState, operationCode string) (Transition, bool) {
	for _, t := range l.Transitions {
		if t.IsActive && t.FromState == fromState && t.OperationCode == operationCode {
			return t, true
		}
	}
	return Transition{}, false
}

// FromState returns every active transition leaving fromState, in
// declaration order (spec §4.C9 "getAvailableTransitions").
func (l Lifecycle) FromState(fromState string) []Transition {
	var out []Transition
	for _, t := range l.Transitions {
		if t.IsActive && t.FromState == fromState {
			out = append(out, t)
		}
	}
	return out
}

// SortStatesBySortOrder returns a copy of states sorted by SortOrder; used
// by callers building display/diagnostics output.
func SortStatesBySortOrder(states []State) []State {
	out := append([]State(nil), states...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

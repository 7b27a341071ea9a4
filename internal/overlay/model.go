// Package overlay implements the Overlay Store (spec §4.C3 / §3): ordered,
// additive modifications layered onto a base schema version at compile
// time. Overlays never modify published base versions in place (spec §1
// Non-goals); they are applied by the Compiler to a deep copy.
package overlay

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/schema"
)

// Status enumerates overlay lifecycle status (spec §3).
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// ChangeKind enumerates the change kinds spec §3 defines.
type ChangeKind string

const (
	ChangeAddField    ChangeKind = "add_field"
	ChangeModifyField ChangeKind = "modify_field"
	ChangeRemoveField ChangeKind = "remove_field"
	ChangeTweakPolicy ChangeKind = "tweak_policy"
)

// ConflictMode enumerates how a Change resolves a naming conflict (spec §3).
type ConflictMode string

const (
	ConflictFail      ConflictMode = "fail"
	ConflictOverwrite ConflictMode = "overwrite"
	ConflictMerge     ConflictMode = "merge"
)

// Change is one ordered modification within an Overlay (spec §3).
type Change struct {
	Kind         ChangeKind      `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	SortOrder    int             `json:"sortOrder"`
	ConflictMode ConflictMode    `json:"conflictMode"`
}

// Overlay is an ordered, additive modification set layered onto a base
// schema version (spec §3).
type Overlay struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	Name     string   `json:"name"`
	Status   Status   `json:"status"`
	Changes  []Change `json:"changes"`
}

// SortedChanges returns a copy of o.Changes ordered by SortOrder ascending,
// per spec §3 "within an overlay, changes apply in sortOrder".
func (o Overlay) SortedChanges() []Change {
	out := append([]Change(nil), o.Changes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

// FieldPatch is the partial-update shape decoded from a modify_field
// Change payload; only non-nil fields are applied. Decoding into pointer
// fields (rather than a generic map walk) keeps the merge semantics typed
// and keeps the set of mergeable attributes explicit.
type FieldPatch struct {
	Type        *schema.FieldType `json:"type,omitempty"`
	Required    *bool             `json:"required,omitempty"`
	ReferenceTo *string           `json:"referenceTo,omitempty"`
	OnDelete    *schema.OnDelete  `json:"onDelete,omitempty"`
	EnumValues  []string          `json:"enumValues,omitempty"`
	MinLength   *int              `json:"minLength,omitempty"`
	MaxLength   *int              `json:"maxLength,omitempty"`
	Min         *float64          `json:"min,omitempty"`
	Max         *float64          `json:"max,omitempty"`
	Pattern     *string           `json:"pattern,omitempty"`
	Default     any               `json:"default,omitempty"`
	Indexed     *bool             `json:"indexed,omitempty"`
	Unique      *bool             `json:"unique,omitempty"`
}

func (p FieldPatch) applyTo(f schema.FieldDef) schema.FieldDef {
	if p.Type != nil {
		f.Type = *p.Type
	}
	if p.Required != nil {
		f.Required = *p.Required
	}
	if p.ReferenceTo != nil {
		f.ReferenceTo = *p.ReferenceTo
	}
	if p.OnDelete != nil {
		f.OnDelete = *p.OnDelete
	}
	if p.EnumValues != nil {
		f.EnumValues = p.EnumValues
	}
	if p.MinLength != nil {
		f.MinLength = p.MinLength
	}
	if p.MaxLength != nil {
		f.MaxLength = p.MaxLength
	}
	if p.Min != nil {
		f.Min = p.Min
	}
	if p.Max != nil {
		f.Max = p.Max
	}
	if p.Pattern != nil {
		f.Pattern = *p.Pattern
	}
	if p.Default != nil {
		f.Default = p.Default
	}
	if p.Indexed != nil {
		f.Indexed = *p.Indexed
	}
	if p.Unique != nil {
		f.Unique = *p.Unique
	}
	return f
}

// PolicyPatch is the partial-update shape decoded from a tweak_policy
// Change payload.
type PolicyPatch struct {
	Effect     *schema.Effect      `json:"effect,omitempty"`
	Action     *schema.Action      `json:"action,omitempty"`
	Resource   *string             `json:"resource,omitempty"`
	Conditions []schema.Condition  `json:"conditions,omitempty"`
	Fields     []string            `json:"fields,omitempty"`
	Priority   *int                `json:"priority,omitempty"`
}

func (p PolicyPatch) applyTo(pol schema.PolicyDef) schema.PolicyDef {
	if p.Effect != nil {
		pol.Effect = *p.Effect
	}
	if p.Action != nil {
		pol.Action = *p.Action
	}
	if p.Resource != nil {
		pol.Resource = *p.Resource
	}
	if p.Conditions != nil {
		pol.Conditions = p.Conditions
	}
	if p.Fields != nil {
		pol.Fields = p.Fields
	}
	if p.Priority != nil {
		pol.Priority = *p.Priority
	}
	return pol
}

// Apply applies the ordered changes of every overlay in overlaySet, in list
// order, to a deep copy of base (spec §4.C4 Pipeline step 2). It never
// mutates base.
func Apply(base schema.Schema, overlaySet []Overlay) (schema.Schema, error) {
	out := base.Clone()
	for _, ov := range overlaySet {
		for _, ch := range ov.SortedChanges() {
			if err := applyChange(&out, ch); err != nil {
				return schema.Schema{}, fmt.Errorf("overlay %s: %w", ov.ID, err)
			}
		}
	}
	return out, nil
}

func applyChange(s *schema.Schema, ch Change) error {
	switch ch.Kind {
	case ChangeAddField:
		return applyAddField(s, ch)
	case ChangeModifyField:
		return applyModifyField(s, ch)
	case ChangeRemoveField:
		return applyRemoveField(s, ch)
	case ChangeTweakPolicy:
		return applyTweakPolicy(s, ch)
	default:
		return entityerr.New(entityerr.CodeValidation, "unknown change kind %q", ch.Kind)
	}
}

func applyAddField(s *schema.Schema, ch Change) error {
	var f schema.FieldDef
	if err := json.Unmarshal(ch.Payload, &f); err != nil {
		return fmt.Errorf("add_field payload: %w", err)
	}
	if existing, ok := s.FieldByName(f.Name); ok {
		switch ch.ConflictMode {
		case ConflictFail, "":
			return entityerr.New(entityerr.CodeValidation, "add_field: field %q already exists", f.Name)
		case ConflictOverwrite:
			replaceField(s, f)
		case ConflictMerge:
			var patch FieldPatch
			if err := json.Unmarshal(ch.Payload, &patch); err != nil {
				return fmt.Errorf("add_field merge payload: %w", err)
			}
			replaceField(s, patch.applyTo(existing))
		default:
			return entityerr.New(entityerr.CodeValidation, "add_field: unknown conflict mode %q", ch.ConflictMode)
		}
		return nil
	}
	s.Fields = append(s.Fields, f)
	return nil
}

func applyModifyField(s *schema.Schema, ch Change) error {
	var patch FieldPatch
	if err := json.Unmarshal(ch.Payload, &patch); err != nil {
		return fmt.Errorf("modify_field payload: %w", err)
	}
	var name string
	var nameHolder struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(ch.Payload, &nameHolder); err != nil {
		return fmt.Errorf("modify_field payload name: %w", err)
	}
	name = nameHolder.Name
	if name == "" {
		return entityerr.New(entityerr.CodeValidation, "modify_field: payload missing field name")
	}

	existing, ok := s.FieldByName(name)
	if !ok {
		switch ch.ConflictMode {
		case ConflictFail, "":
			return entityerr.New(entityerr.CodeValidation, "modify_field: field %q does not exist", name)
		case ConflictOverwrite, ConflictMerge:
			existing = schema.FieldDef{Name: name, Type: schema.FieldString}
		default:
			return entityerr.New(entityerr.CodeValidation, "modify_field: unknown conflict mode %q", ch.ConflictMode)
		}
	}
	replaceField(s, patch.applyTo(existing))
	return nil
}

func applyRemoveField(s *schema.Schema, ch Change) error {
	var nameHolder struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(ch.Payload, &nameHolder); err != nil {
		return fmt.Errorf("remove_field payload: %w", err)
	}
	idx := -1
	for i, f := range s.Fields {
		if f.Name == nameHolder.Name {
			idx = i
			break
		}
	}
	if idx == -1 {
		switch ch.ConflictMode {
		case ConflictFail:
			return entityerr.New(entityerr.CodeValidation, "remove_field: field %q does not exist", nameHolder.Name)
		default:
			return nil // overwrite/merge: no-op when absent
		}
	}
	s.Fields = append(s.Fields[:idx], s.Fields[idx+1:]...)
	return nil
}

func applyTweakPolicy(s *schema.Schema, ch Change) error {
	var nameHolder struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(ch.Payload, &nameHolder); err != nil {
		return fmt.Errorf("tweak_policy payload: %w", err)
	}
	var patch PolicyPatch
	if err := json.Unmarshal(ch.Payload, &patch); err != nil {
		return fmt.Errorf("tweak_policy payload: %w", err)
	}

	idx, ok := s.PolicyByName(nameHolder.Name)
	if !ok {
		switch ch.ConflictMode {
		case ConflictFail, "":
			return entityerr.New(entityerr.CodeValidation, "tweak_policy: policy %q does not exist", nameHolder.Name)
		case ConflictOverwrite, ConflictMerge:
			s.Policies = append(s.Policies, patch.applyTo(schema.PolicyDef{Name: nameHolder.Name}))
			return nil
		default:
			return entityerr.New(entityerr.CodeValidation, "tweak_policy: unknown conflict mode %q", ch.ConflictMode)
		}
	}
	s.Policies[idx] = patch.applyTo(s.Policies[idx])
	return nil
}

func replaceField(s *schema.Schema, f schema.FieldDef) {
	for i, existing := range s.Fields {
		if existing.Name == f.Name {
			s.Fields[i] = f
			return
		}
	}
	s.Fields = append(s.Fields, f)
}

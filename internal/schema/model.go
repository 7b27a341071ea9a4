// Package schema implements the Schema Registry (spec §4.C2 / §3): a
// versioned store of entity schemas whose published versions are
// immutable. It also defines the shared Field/Policy data model consumed
// by the overlay store, compiler, policy engine and validation engine.
package schema

import "time"

// FieldType enumerates the field types spec §3 allows.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldDate     FieldType = "date"
	FieldDatetime FieldType = "datetime"
	FieldRef      FieldType = "reference"
	FieldEnum     FieldType = "enum"
	FieldJSON     FieldType = "json"
	FieldUUID     FieldType = "uuid"
)

// OnDelete enumerates the reference-field cascade behaviors spec §3/§4.C13 define.
type OnDelete string

const (
	OnDeleteCascade  OnDelete = "CASCADE"
	OnDeleteSetNull  OnDelete = "SET_NULL"
	OnDeleteRestrict OnDelete = "RESTRICT"
	OnDeleteNone     OnDelete = "none"
)

// FieldDef is a Field Definition (spec §3).
type FieldDef struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	ReferenceTo string    `json:"referenceTo,omitempty" yaml:"referenceTo,omitempty"`
	OnDelete    OnDelete  `json:"onDelete,omitempty" yaml:"onDelete,omitempty"`
	EnumValues  []string  `json:"enumValues,omitempty" yaml:"enumValues,omitempty"`
	MinLength   *int      `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int      `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Min         *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern     string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Indexed     bool      `json:"indexed,omitempty" yaml:"indexed,omitempty"`
	Unique      bool      `json:"unique,omitempty" yaml:"unique,omitempty"`
	UniqueScope []string  `json:"uniqueScope,omitempty" yaml:"uniqueScope,omitempty"`
}

// Effect enumerates policy effects (spec §3).
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Action enumerates policy actions (spec §3).
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionAny    Action = "*"
)

// ConditionOp enumerates the condition operators spec §4.C6 defines, as a
// tagged sum type rather than a dynamically dispatched operator (spec §9
// "Polymorphic policy conditions").
type ConditionOp string

const (
	OpEq         ConditionOp = "eq"
	OpNe         ConditionOp = "ne"
	OpIn         ConditionOp = "in"
	OpNotIn      ConditionOp = "not_in"
	OpGt         ConditionOp = "gt"
	OpGte        ConditionOp = "gte"
	OpLt         ConditionOp = "lt"
	OpLte        ConditionOp = "lte"
	OpContains   ConditionOp = "contains"
	OpStartsWith ConditionOp = "starts_with"
	OpEndsWith   ConditionOp = "ends_with"
)

// Condition is one AND-joined clause of a policy or gate condition group.
// Path is either "ctx.<name>", "record.<name>", or a bare name (read from
// context) per spec §4.C6 "Condition semantics".
type Condition struct {
	Path  string      `json:"path" yaml:"path"`
	Op    ConditionOp `json:"op" yaml:"op"`
	Value any         `json:"value" yaml:"value"`
}

// PolicyDef is a Policy Definition (spec §3).
type PolicyDef struct {
	Name       string      `json:"name" yaml:"name"`
	Effect     Effect      `json:"effect" yaml:"effect"`
	Action     Action      `json:"action" yaml:"action"`
	Resource   string      `json:"resource" yaml:"resource"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Fields     []string    `json:"fields,omitempty" yaml:"fields,omitempty"`
	Priority   int         `json:"priority" yaml:"priority"`
}

// SystemFields are the hard-invariant fields every entity must carry
// (spec §3 "System fields"). Compilation fails if any is missing or
// mistyped.
var SystemFields = []FieldDef{
	{Name: "id", Type: FieldUUID, Required: true},
	{Name: "tenant_id", Type: FieldUUID, Required: true},
	{Name: "realm_id", Type: FieldString, Required: true},
	{Name: "created_at", Type: FieldDatetime, Required: true},
	{Name: "created_by", Type: FieldString, Required: true},
	{Name: "updated_at", Type: FieldDatetime, Required: true},
	{Name: "updated_by", Type: FieldString, Required: true},
	{Name: "deleted_at", Type: FieldDatetime, Required: false},
	{Name: "deleted_by", Type: FieldString, Required: false},
	{Name: "version", Type: FieldNumber, Required: true},
}

// Metadata is an open bag of schema-level metadata (feature flags such as
// effective-dating, descriptive info, etc).
type Metadata map[string]any

// EffectiveDatingEnabled reports whether this schema's records should be
// filtered by effective_from/effective_to on read (spec §4.C13 "Effective dating").
func (m Metadata) EffectiveDatingEnabled() bool {
	v, _ := m["effectiveDating"].(bool)
	return v
}

// SequenceEnabled reports whether this entity assigns a human-readable
// per-tenant sequence number at create time (SPEC_FULL "Numbering sequences").
func (m Metadata) SequenceEnabled() bool {
	v, _ := m["numberingSequence"].(bool)
	return v
}

// Schema is a published, immutable entity schema (spec §3).
type Schema struct {
	EntityName  string      `json:"entityName" yaml:"entityName"`
	Version     int         `json:"version" yaml:"version"`
	Fields      []FieldDef  `json:"fields" yaml:"fields"`
	Policies    []PolicyDef `json:"policies" yaml:"policies"`
	Metadata    Metadata    `json:"metadata" yaml:"metadata"`
	Status      Status      `json:"status" yaml:"status"`
	CreatedAt   time.Time   `json:"createdAt" yaml:"createdAt"`
	PublishedAt *time.Time  `json:"publishedAt,omitempty" yaml:"publishedAt,omitempty"`
}

// Status enumerates schema lifecycle status within the registry itself
// (distinct from the workflow-runtime lifecycle the compiled entities run
// through).
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// Clone returns a deep copy of s so callers (notably the compiler applying
// overlays) never mutate the registry's published copy.
func (s Schema) Clone() Schema {
	out := s
	out.Fields = append([]FieldDef(nil), s.Fields...)
	for i := range out.Fields {
		out.Fields[i] = cloneField(s.Fields[i])
	}
	out.Policies = make([]PolicyDef, len(s.Policies))
	for i := range s.Policies {
		out.Policies[i] = clonePolicy(s.Policies[i])
	}
	out.Metadata = make(Metadata, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return out
}

func cloneField(f FieldDef) FieldDef {
	out := f
	out.EnumValues = append([]string(nil), f.EnumValues...)
	out.UniqueScope = append([]string(nil), f.UniqueScope...)
	if f.MinLength != nil {
		v := *f.MinLength
		out.MinLength = &v
	}
	if f.MaxLength != nil {
		v := *f.MaxLength
		out.MaxLength = &v
	}
	if f.Min != nil {
		v := *f.Min
		out.Min = &v
	}
	if f.Max != nil {
		v := *f.Max
		out.Max = &v
	}
	return out
}

func clonePolicy(p PolicyDef) PolicyDef {
	out := p
	out.Conditions = append([]Condition(nil), p.Conditions...)
	out.Fields = append([]string(nil), p.Fields...)
	return out
}

// FieldByName returns the field with the given name, or ok=false.
func (s Schema) FieldByName(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// PolicyByName returns the policy with the given name, or ok=false.
func (s Schema) PolicyByName(name string) (int, bool) {
	for i, p := range s.Policies {
		if p.Name == name {
			return i, true
		}
	}
	return 0, false
}

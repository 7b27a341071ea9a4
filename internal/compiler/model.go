// Package compiler implements the Compiler (spec §4.C4): it validates and
// compiles a (schema, overlaySet) pair into an immutable, content-addressed
// Compiled Model IR used by the Policy Engine, Validation Engine and
// Generic Data Service.
package compiler

import (
	"time"

	"github.com/entityplatform/core/internal/schema"
)

// Severity enumerates diagnostic levels (spec §4.C4).
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityWarn  Severity = "WARN"
	SeverityInfo  Severity = "INFO"
)

// Diagnostic is one compiler finding.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Path     string   `json:"path,omitempty"`
}

// CompiledField is a field ready for SQL generation and record mapping.
type CompiledField struct {
	APIName     string            `json:"apiName"`
	ColumnName  string            `json:"columnName"`
	SelectAs    string            `json:"selectAs"`
	Type        schema.FieldType  `json:"type"`
	Required    bool              `json:"required"`
	ReferenceTo string            `json:"referenceTo,omitempty"`
	OnDelete    schema.OnDelete   `json:"onDelete,omitempty"`
	EnumValues  []string          `json:"enumValues,omitempty"`
	MinLength   *int              `json:"minLength,omitempty"`
	MaxLength   *int              `json:"maxLength,omitempty"`
	Min         *float64          `json:"min,omitempty"`
	Max         *float64          `json:"max,omitempty"`
	Pattern     string            `json:"pattern,omitempty"`
	Indexed     bool              `json:"indexed,omitempty"`
	Unique      bool              `json:"unique,omitempty"`
	UniqueScope []string          `json:"uniqueScope,omitempty"`
}

// CompiledPolicy is a policy ready for indexing by the Policy Engine (C6).
// It carries data, not a Go predicate func, so the IR stays
// content-addressable and serializable; the Policy Engine builds the
// evaluation predicate from these Conditions at index-build time.
type CompiledPolicy struct {
	Name       string             `json:"name"`
	Effect     schema.Effect      `json:"effect"`
	Action     schema.Action      `json:"action"`
	Resource   string             `json:"resource"`
	Conditions []schema.Condition `json:"conditions,omitempty"`
	Fields     []string           `json:"fields,omitempty"`
	Priority   int                `json:"priority"`
}

// IndexEntry describes one index the DDL emitter should create (spec §4.C4
// step 4 "index list"; physical DDL execution is out of scope per spec §1).
type IndexEntry struct {
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
	Name    string   `json:"name"`
}

// CompiledModel is the Compiled Model IR (spec §3).
type CompiledModel struct {
	EntityName string `json:"entityName"`
	Version    int    `json:"version"`
	TableName  string `json:"tableName"`

	// Metadata carries the schema's feature flags (effective dating,
	// numbering sequences) through to runtime consumers of the IR; it
	// does not participate in outputHash since it never affects the SQL
	// fragments or column layout below.
	Metadata schema.Metadata `json:"metadata,omitempty"`

	Fields   []CompiledField  `json:"fields"`
	Policies []CompiledPolicy `json:"policies"`

	SelectFragment string `json:"selectFragment"`
	FromFragment   string `json:"fromFragment"`
	TenantFilter   string `json:"tenantFilter"`

	Indexes []IndexEntry `json:"indexes"`

	CompiledAt time.Time `json:"compiledAt"`
	CompiledBy string    `json:"compiledBy"`

	InputHash  string `json:"inputHash"`
	OutputHash string `json:"outputHash,omitempty"`

	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`

	// OverlaySet is the ordered list of published overlay ids applied to
	// reach this IR, carried for publish-artifact bookkeeping.
	OverlaySet []string `json:"overlaySet,omitempty"`
}

// Clone returns a deep copy, used by the cache to hand out deep-immutable
// values to readers (spec §4.C5 "returns a deep-immutable IR").
func (m CompiledModel) Clone() CompiledModel {
	out := m
	out.Metadata = make(schema.Metadata, len(m.Metadata))
	for k, v := range m.Metadata {
		out.Metadata[k] = v
	}
	out.Fields = append([]CompiledField(nil), m.Fields...)
	out.Policies = make([]CompiledPolicy, len(m.Policies))
	for i, p := range m.Policies {
		cp := p
		cp.Conditions = append([]schema.Condition(nil), p.Conditions...)
		cp.Fields = append([]string(nil), p.Fields...)
		out.Policies[i] = cp
	}
	out.Indexes = append([]IndexEntry(nil), m.Indexes...)
	out.Diagnostics = append([]Diagnostic(nil), m.Diagnostics...)
	out.OverlaySet = append([]string(nil), m.OverlaySet...)
	return out
}

// CompilationResult is the Compiler's output (spec §4.C4).
type CompilationResult struct {
	Success     bool           `json:"success"`
	Model       *CompiledModel `json:"model,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics"`
}

// HasErrors reports whether diagnostics contains any ERROR-severity entry.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

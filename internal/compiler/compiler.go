package compiler

import (
	"context"
	"fmt"
	"time"

	"github.com/entityplatform/core/internal/canon"
	"github.com/entityplatform/core/internal/overlay"
	"github.com/entityplatform/core/internal/schema"
)

// Request is the Compiler's input (spec §4.C4 "Inputs").
type Request struct {
	TenantID   string
	EntityName string
	Version    int
	OverlaySet []string // ordered, published overlay ids
	CompiledBy string
}

// Compiler validates and compiles a (schema, overlaySet) pair into a
// Compiled Model IR (spec §4.C4).
type Compiler struct {
	registry schema.Registry
	overlays overlay.Store
	now      func() time.Time
}

// New constructs a Compiler over the given Schema Registry and Overlay Store.
func New(registry schema.Registry, overlays overlay.Store) *Compiler {
	return &Compiler{registry: registry, overlays: overlays, now: time.Now}
}

// hashInput is the exact value canonicalized and hashed for inputHash (spec
// §3 "inputHash = H(canonical(entityName, version, fields, policies,
// metadata, overlaySet))").
type hashInput struct {
	EntityName string             `json:"entityName"`
	Version    int                `json:"version"`
	Fields     []schema.FieldDef  `json:"fields"`
	Policies   []schema.PolicyDef `json:"policies"`
	Metadata   schema.Metadata    `json:"metadata"`
	OverlaySet []string           `json:"overlaySet"`
}

// outputHashable is the subset of CompiledModel canonicalized for
// outputHash. CompiledAt/CompiledBy/InputHash/OutputHash/Diagnostics are
// excluded: a timestamp or a diagnostics list carrying the compile-time
// clock would otherwise make outputHash non-deterministic across repeat
// compiles of the same input, violating spec §8 invariant 2 ("compile(S)
// called twice yields byte-identical outputHash").
type outputHashable struct {
	EntityName     string           `json:"entityName"`
	Version        int              `json:"version"`
	TableName      string           `json:"tableName"`
	Fields         []CompiledField  `json:"fields"`
	Policies       []CompiledPolicy `json:"policies"`
	SelectFragment string           `json:"selectFragment"`
	FromFragment   string           `json:"fromFragment"`
	TenantFilter   string           `json:"tenantFilter"`
	Indexes        []IndexEntry     `json:"indexes"`
	OverlaySet     []string         `json:"overlaySet"`
}

// Compile runs the full pipeline (spec §4.C4 "Pipeline"). It never returns
// a Go error for schema problems — those are reported as ERROR diagnostics
// in the result, per spec §4.C4 "Failure semantics". A Go error return
// indicates an infrastructure failure (registry/overlay store unreachable).
func (c *Compiler) Compile(ctx context.Context, req Request) (CompilationResult, error) {
	base, err := c.registry.Get(ctx, req.EntityName, req.Version)
	if err != nil {
		return CompilationResult{}, fmt.Errorf("compiler: resolve base schema: %w", err)
	}

	overlays, err := c.overlays.ResolveSet(ctx, req.TenantID, req.OverlaySet)
	if err != nil {
		return CompilationResult{}, fmt.Errorf("compiler: resolve overlay set: %w", err)
	}

	merged, err := overlay.Apply(base, overlays)
	if err != nil {
		return CompilationResult{
			Success: false,
			Diagnostics: []Diagnostic{{
				Severity: SeverityError, Code: "OVERLAY_APPLY_FAILED", Message: err.Error(),
			}},
		}, nil
	}

	diags := validateSchema(merged)
	if HasErrors(diags) {
		return CompilationResult{Success: false, Diagnostics: diags}, nil
	}

	model, compileDiags := compile(merged, req.OverlaySet, req.CompiledBy, c.now())
	diags = append(diags, compileDiags...)
	if HasErrors(diags) {
		return CompilationResult{Success: false, Diagnostics: diags}, nil
	}

	inputHash, err := canon.Hash(hashInput{
		EntityName: merged.EntityName,
		Version:    merged.Version,
		Fields:     merged.Fields,
		Policies:   merged.Policies,
		Metadata:   merged.Metadata,
		OverlaySet: req.OverlaySet,
	})
	if err != nil {
		return CompilationResult{}, fmt.Errorf("compiler: compute input hash: %w", err)
	}
	model.InputHash = inputHash

	outputHash, err := canon.Hash(outputHashable{
		EntityName:     model.EntityName,
		Version:        model.Version,
		TableName:      model.TableName,
		Fields:         model.Fields,
		Policies:       model.Policies,
		SelectFragment: model.SelectFragment,
		FromFragment:   model.FromFragment,
		TenantFilter:   model.TenantFilter,
		Indexes:        model.Indexes,
		OverlaySet:     model.OverlaySet,
	})
	if err != nil {
		return CompilationResult{}, fmt.Errorf("compiler: compute output hash: %w", err)
	}
	model.OutputHash = outputHash
	model.Diagnostics = diags

	return CompilationResult{Success: true, Model: &model, Diagnostics: diags}, nil
}

func compile(s schema.Schema, overlaySet []string, compiledBy string, now time.Time) (CompiledModel, []Diagnostic) {
	var diags []Diagnostic

	fields := make([]CompiledField, 0, len(s.Fields))
	var indexes []IndexEntry
	for _, f := range s.Fields {
		col := SnakeCase(f.Name)
		cf := CompiledField{
			APIName:     f.Name,
			ColumnName:  col,
			SelectAs:    fmt.Sprintf("%s as %s", col, f.Name),
			Type:        f.Type,
			Required:    f.Required,
			ReferenceTo: f.ReferenceTo,
			OnDelete:    f.OnDelete,
			EnumValues:  f.EnumValues,
			MinLength:   f.MinLength,
			MaxLength:   f.MaxLength,
			Min:         f.Min,
			Max:         f.Max,
			Pattern:     f.Pattern,
			Indexed:     f.Indexed,
			Unique:      f.Unique,
			UniqueScope: f.UniqueScope,
		}
		fields = append(fields, cf)
		if f.Unique {
			cols := append([]string{col}, snakeCaseAll(f.UniqueScope)...)
			indexes = append(indexes, IndexEntry{Columns: cols, Unique: true, Name: "uq_" + col})
		} else if f.Indexed {
			indexes = append(indexes, IndexEntry{Columns: []string{col}, Unique: false, Name: "ix_" + col})
		}
	}

	policies := make([]CompiledPolicy, 0, len(s.Policies))
	for _, p := range s.Policies {
		policies = append(policies, CompiledPolicy{
			Name:       p.Name,
			Effect:     p.Effect,
			Action:     p.Action,
			Resource:   p.Resource,
			Conditions: p.Conditions,
			Fields:     p.Fields,
			Priority:   p.Priority,
		})
	}

	table := TableName(s.EntityName)
	selectCols := make([]string, 0, len(fields))
	for _, f := range fields {
		selectCols = append(selectCols, f.SelectAs)
	}
	selectFragment := "select " + joinComma(selectCols)
	fromFragment := "from " + table
	tenantFilter := table + ".tenant_id = ?"

	model := CompiledModel{
		EntityName:     s.EntityName,
		Version:        s.Version,
		TableName:      table,
		Metadata:       s.Metadata,
		Fields:         fields,
		Policies:       policies,
		SelectFragment: selectFragment,
		FromFragment:   fromFragment,
		TenantFilter:   tenantFilter,
		Indexes:        indexes,
		CompiledAt:     now,
		CompiledBy:     compiledBy,
		OverlaySet:     overlaySet,
	}
	return model, diags
}

func snakeCaseAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = SnakeCase(n)
	}
	return out
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// Publish compiles (entityName, version, overlaySet), and on success
// freezes the schema version as published and records a PublishArtifact
// (SPEC_FULL "Publish artifact table"). Republishing the same
// (entityName, version) is rejected by the registry/artifact store.
func (c *Compiler) Publish(ctx context.Context, req Request, registry schema.Registry, artifacts schema.ArtifactStore) (CompilationResult, error) {
	result, err := c.Compile(ctx, req)
	if err != nil {
		return result, err
	}
	if !result.Success {
		return result, nil
	}

	if err := registry.MarkPublished(ctx, req.EntityName, req.Version, c.now()); err != nil {
		return result, fmt.Errorf("compiler: mark published: %w", err)
	}

	summary := fmt.Sprintf("%d diagnostics (0 errors)", len(result.Diagnostics))
	if err := artifacts.Save(ctx, schema.PublishArtifact{
		EntityName:         req.EntityName,
		Version:            req.Version,
		CompiledHash:       result.Model.OutputHash,
		DiagnosticsSummary: summary,
		AppliedOverlaySet:  req.OverlaySet,
		PublishedAt:        c.now(),
	}); err != nil {
		return result, fmt.Errorf("compiler: save publish artifact: %w", err)
	}
	return result, nil
}

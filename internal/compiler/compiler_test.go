package compiler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/entityplatform/core/internal/overlay"
	"github.com/entityplatform/core/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSchema() schema.Schema {
	return schema.Schema{
		EntityName: "Invoice",
		Version:    1,
		Fields: append(append([]schema.FieldDef(nil), schema.SystemFields...),
			schema.FieldDef{Name: "amount", Type: schema.FieldNumber, Required: true},
			schema.FieldDef{Name: "customerId", Type: schema.FieldRef, ReferenceTo: "Customer", OnDelete: schema.OnDeleteRestrict},
		),
		Policies: []schema.PolicyDef{
			{Name: "read-all", Effect: schema.EffectAllow, Action: schema.ActionRead, Resource: "Invoice", Fields: []string{"*"}},
		},
	}
}

func setup(t *testing.T) (*Compiler, schema.Registry, overlay.Store) {
	t.Helper()
	reg := schema.NewMemoryRegistry()
	require.NoError(t, reg.CreateDraft(context.Background(), baseSchema()))
	ovs := overlay.NewMemoryStore()
	return New(reg, ovs), reg, ovs
}

func TestCompile_Success(t *testing.T) {
	c, _, _ := setup(t)
	result, err := c.Compile(context.Background(), Request{EntityName: "Invoice", Version: 1, CompiledBy: "test"})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Diagnostics)
	assert.Equal(t, "ent_invoice", result.Model.TableName)
	assert.NotEmpty(t, result.Model.InputHash)
	assert.NotEmpty(t, result.Model.OutputHash)
}

func TestCompile_FailsWhenSystemFieldMissing(t *testing.T) {
	reg := schema.NewMemoryRegistry()
	s := schema.Schema{EntityName: "Broken", Version: 1, Fields: []schema.FieldDef{{Name: "id", Type: schema.FieldUUID, Required: true}}}
	require.NoError(t, reg.CreateDraft(context.Background(), s))
	c := New(reg, overlay.NewMemoryStore())

	result, err := c.Compile(context.Background(), Request{EntityName: "Broken", Version: 1})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, HasErrors(result.Diagnostics))
}

func TestCompile_ReferenceRequiresTarget(t *testing.T) {
	reg := schema.NewMemoryRegistry()
	s := schema.Schema{
		EntityName: "Broken2", Version: 1,
		Fields: append(append([]schema.FieldDef(nil), schema.SystemFields...),
			schema.FieldDef{Name: "parentId", Type: schema.FieldRef}),
	}
	require.NoError(t, reg.CreateDraft(context.Background(), s))
	c := New(reg, overlay.NewMemoryStore())

	result, err := c.Compile(context.Background(), Request{EntityName: "Broken2", Version: 1})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestCompile_InputHashInvariantUnderKeyReordering(t *testing.T) {
	c, _, _ := setup(t)
	r1, err := c.Compile(context.Background(), Request{EntityName: "Invoice", Version: 1, CompiledBy: "a"})
	require.NoError(t, err)

	// Rebuild a logically-equal schema from JSON whose object keys are in a
	// different order (a map re-encodes them sorted, unlike the struct's
	// declaration order) and confirm the input hash is unaffected (spec §8
	// invariant 1).
	raw, err := json.Marshal(baseSchema())
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	reordered, err := json.Marshal(generic)
	require.NoError(t, err)
	var s2 schema.Schema
	require.NoError(t, json.Unmarshal(reordered, &s2))
	reg2 := schema.NewMemoryRegistry()
	require.NoError(t, reg2.CreateDraft(context.Background(), s2))
	c2 := New(reg2, overlay.NewMemoryStore())
	r2, err := c2.Compile(context.Background(), Request{EntityName: "Invoice", Version: 1, CompiledBy: "b"})
	require.NoError(t, err)

	assert.Equal(t, r1.Model.InputHash, r2.Model.InputHash)
}

func TestCompile_DeterministicOutputHashAcrossRepeatedCompiles(t *testing.T) {
	c, _, _ := setup(t)
	r1, err := c.Compile(context.Background(), Request{EntityName: "Invoice", Version: 1, CompiledBy: "a"})
	require.NoError(t, err)
	r2, err := c.Compile(context.Background(), Request{EntityName: "Invoice", Version: 1, CompiledBy: "a"})
	require.NoError(t, err)
	assert.Equal(t, r1.Model.OutputHash, r2.Model.OutputHash)
}

func TestPublish_RejectsRepublish(t *testing.T) {
	c, reg, _ := setup(t)
	artifacts := schema.NewMemoryArtifactStore()
	req := Request{EntityName: "Invoice", Version: 1, CompiledBy: "a"}

	res, err := c.Publish(context.Background(), req, reg, artifacts)
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = c.Publish(context.Background(), req, reg, artifacts)
	require.Error(t, err)
}

func TestCompile_WithOverlaySetAddsField(t *testing.T) {
	c, _, ovs := setup(t)
	payload, _ := json.Marshal(schema.FieldDef{Name: "currency", Type: schema.FieldString, Required: true})
	require.NoError(t, ovs.CreateDraft(context.Background(), overlay.Overlay{
		ID: "ov1", TenantID: "t1", Status: overlay.StatusPublished,
		Changes: []overlay.Change{{Kind: overlay.ChangeAddField, Payload: payload, ConflictMode: overlay.ConflictFail}},
	}))

	result, err := c.Compile(context.Background(), Request{
		TenantID: "t1", EntityName: "Invoice", Version: 1, OverlaySet: []string{"ov1"}, CompiledBy: "a",
	})
	require.NoError(t, err)
	require.True(t, result.Success, "%+v", result.Diagnostics)

	found := false
	for _, f := range result.Model.Fields {
		if f.APIName == "currency" {
			found = true
		}
	}
	assert.True(t, found)
}

package overlay

import (
	"encoding/json"
	"testing"

	"github.com/entityplatform/core/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invoiceSchema() schema.Schema {
	return schema.Schema{
		EntityName: "Invoice",
		Version:    1,
		Fields: append(append([]schema.FieldDef(nil), schema.SystemFields...),
			schema.FieldDef{Name: "amount", Type: schema.FieldNumber, Required: true},
		),
		Policies: []schema.PolicyDef{
			{Name: "read-own", Effect: schema.EffectAllow, Action: schema.ActionRead, Resource: "Invoice", Priority: 0, Fields: []string{"*"}},
		},
	}
}

func TestApply_AddField(t *testing.T) {
	base := invoiceSchema()
	payload, _ := json.Marshal(schema.FieldDef{Name: "currency", Type: schema.FieldString, Required: true})
	ov := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{
		{Kind: ChangeAddField, Payload: payload, SortOrder: 0, ConflictMode: ConflictFail},
	}}

	out, err := Apply(base, []Overlay{ov})
	require.NoError(t, err)
	f, ok := out.FieldByName("currency")
	require.True(t, ok)
	assert.Equal(t, schema.FieldString, f.Type)
	// base untouched
	_, onBase := base.FieldByName("currency")
	assert.False(t, onBase)
}

func TestApply_AddField_FailsOnDuplicateByDefault(t *testing.T) {
	base := invoiceSchema()
	payload, _ := json.Marshal(schema.FieldDef{Name: "amount", Type: schema.FieldString})
	ov := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{
		{Kind: ChangeAddField, Payload: payload, ConflictMode: ConflictFail},
	}}
	_, err := Apply(base, []Overlay{ov})
	require.Error(t, err)
}

func TestApply_ModifyField_Merge(t *testing.T) {
	base := invoiceSchema()
	payload, _ := json.Marshal(map[string]any{"name": "amount", "required": false})
	ov := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{
		{Kind: ChangeModifyField, Payload: payload, ConflictMode: ConflictMerge},
	}}
	out, err := Apply(base, []Overlay{ov})
	require.NoError(t, err)
	f, ok := out.FieldByName("amount")
	require.True(t, ok)
	assert.False(t, f.Required)
	assert.Equal(t, schema.FieldNumber, f.Type) // untouched attribute preserved
}

func TestApply_RemoveField(t *testing.T) {
	base := invoiceSchema()
	payload, _ := json.Marshal(map[string]any{"name": "amount"})
	ov := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{
		{Kind: ChangeRemoveField, Payload: payload, ConflictMode: ConflictFail},
	}}
	out, err := Apply(base, []Overlay{ov})
	require.NoError(t, err)
	_, ok := out.FieldByName("amount")
	assert.False(t, ok)
}

func TestApply_RemoveField_MissingFailsModeFail(t *testing.T) {
	base := invoiceSchema()
	payload, _ := json.Marshal(map[string]any{"name": "nonexistent"})
	ov := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{
		{Kind: ChangeRemoveField, Payload: payload, ConflictMode: ConflictFail},
	}}
	_, err := Apply(base, []Overlay{ov})
	require.Error(t, err)
}

func TestApply_RemoveField_MissingNoOpOtherModes(t *testing.T) {
	base := invoiceSchema()
	payload, _ := json.Marshal(map[string]any{"name": "nonexistent"})
	ov := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{
		{Kind: ChangeRemoveField, Payload: payload, ConflictMode: ConflictOverwrite},
	}}
	_, err := Apply(base, []Overlay{ov})
	require.NoError(t, err)
}

func TestApply_TweakPolicy(t *testing.T) {
	base := invoiceSchema()
	newPriority := 5
	payload, _ := json.Marshal(struct {
		Name     string `json:"name"`
		Priority *int   `json:"priority"`
	}{"read-own", &newPriority})
	ov := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{
		{Kind: ChangeTweakPolicy, Payload: payload, ConflictMode: ConflictMerge},
	}}
	out, err := Apply(base, []Overlay{ov})
	require.NoError(t, err)
	idx, ok := out.PolicyByName("read-own")
	require.True(t, ok)
	assert.Equal(t, 5, out.Policies[idx].Priority)
}

func TestApply_OrdersChangesBySortOrderWithinOverlay(t *testing.T) {
	base := invoiceSchema()
	addPayload, _ := json.Marshal(schema.FieldDef{Name: "x", Type: schema.FieldString})
	removePayload, _ := json.Marshal(map[string]any{"name": "x"})

	// Declared out of order; SortOrder should win: add (0) then remove (1).
	ov := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{
		{Kind: ChangeRemoveField, Payload: removePayload, SortOrder: 1, ConflictMode: ConflictOverwrite},
		{Kind: ChangeAddField, Payload: addPayload, SortOrder: 0, ConflictMode: ConflictFail},
	}}
	out, err := Apply(base, []Overlay{ov})
	require.NoError(t, err)
	_, ok := out.FieldByName("x")
	assert.False(t, ok, "add then remove in sortOrder should leave field absent")
}

func TestApply_OverlaySetAppliesInListOrder(t *testing.T) {
	base := invoiceSchema()
	p1, _ := json.Marshal(map[string]any{"name": "amount", "min": 0.0})
	p2, _ := json.Marshal(map[string]any{"name": "amount", "min": 10.0})
	ov1 := Overlay{ID: "ov1", Status: StatusPublished, Changes: []Change{{Kind: ChangeModifyField, Payload: p1, ConflictMode: ConflictMerge}}}
	ov2 := Overlay{ID: "ov2", Status: StatusPublished, Changes: []Change{{Kind: ChangeModifyField, Payload: p2, ConflictMode: ConflictMerge}}}

	out, err := Apply(base, []Overlay{ov1, ov2})
	require.NoError(t, err)
	f, _ := out.FieldByName("amount")
	require.NotNil(t, f.Min)
	assert.Equal(t, 10.0, *f.Min)
}

package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityplatform/core/internal/schema"
)

func floatp(f float64) *float64 { return &f }
func intp(i int) *int           { return &i }

func TestEvaluate_FiltersByTriggerAndPhase(t *testing.T) {
	rules := []Rule{
		{ID: "r1", Kind: KindRequired, FieldPath: "name", Severity: SeverityError,
			Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerCreate}},
		{ID: "r2", Kind: KindRequired, FieldPath: "approver", Severity: SeverityError,
			Phase: PhaseBeforeTransition, AppliesOn: []Trigger{TriggerTransition}},
	}

	res, err := Evaluate(context.Background(), Input{
		Rules: rules, Data: map[string]any{}, Trigger: TriggerCreate, Phase: PhaseBeforePersist,
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "r1", res.Errors[0].RuleID)
}

func TestEvalRequired_EmptyStringAndMissingFail(t *testing.T) {
	rule := Rule{ID: "r1", Kind: KindRequired, FieldPath: "name", Severity: SeverityError,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}
	res, err := Evaluate(context.Background(), Input{Rules: []Rule{rule}, Data: map[string]any{"name": ""}, Trigger: TriggerCreate, Phase: PhaseBeforePersist})
	require.NoError(t, err)
	assert.False(t, res.Valid())

	res2, err := Evaluate(context.Background(), Input{Rules: []Rule{rule}, Data: map[string]any{}, Trigger: TriggerCreate, Phase: PhaseBeforePersist})
	require.NoError(t, err)
	assert.False(t, res2.Valid())
}

func TestEvalMinMax_SkippedOnNull(t *testing.T) {
	rule := Rule{ID: "r1", Kind: KindMinMax, FieldPath: "amount", Min: floatp(0), Severity: SeverityError,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}
	res, err := Evaluate(context.Background(), Input{Rules: []Rule{rule}, Data: map[string]any{}, Trigger: TriggerCreate, Phase: PhaseBeforePersist})
	require.NoError(t, err)
	assert.True(t, res.Valid())
}

func TestEvalMinMax_BelowMinFails(t *testing.T) {
	rule := Rule{ID: "r1", Kind: KindMinMax, FieldPath: "amount", Min: floatp(10), Severity: SeverityError,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}
	res, err := Evaluate(context.Background(), Input{Rules: []Rule{rule}, Data: map[string]any{"amount": 5.0}, Trigger: TriggerCreate, Phase: PhaseBeforePersist})
	require.NoError(t, err)
	assert.False(t, res.Valid())
}

func TestEvalLength_UsesStringifiedLength(t *testing.T) {
	rule := Rule{ID: "r1", Kind: KindLength, FieldPath: "code", MaxLength: intp(3), Severity: SeverityError,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}
	res, err := Evaluate(context.Background(), Input{Rules: []Rule{rule}, Data: map[string]any{"code": 12345}, Trigger: TriggerCreate, Phase: PhaseBeforePersist})
	require.NoError(t, err)
	assert.False(t, res.Valid())
}

func TestEvalRegex_InvalidPatternIsRuleLevelError(t *testing.T) {
	rule := Rule{ID: "r1", Kind: KindRegex, FieldPath: "code", Pattern: "(unterminated", Severity: SeverityWarning,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}
	res, err := Evaluate(context.Background(), Input{Rules: []Rule{rule}, Data: map[string]any{"code": "x"}, Trigger: TriggerCreate, Phase: PhaseBeforePersist})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, SeverityError, res.Errors[0].Severity, "invalid pattern escalates regardless of rule.Severity")
}

func TestEvalCrossField(t *testing.T) {
	rule := Rule{ID: "r1", Kind: KindCrossField, FieldPath: "endDate", CompareField: "startDate",
		CompareOp: schema.OpGt, Severity: SeverityError, Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}
	res, err := Evaluate(context.Background(), Input{
		Rules:   []Rule{rule},
		Data:    map[string]any{"endDate": 1.0, "startDate": 2.0},
		Trigger: TriggerCreate, Phase: PhaseBeforePersist,
	})
	require.NoError(t, err)
	assert.False(t, res.Valid())
}

func TestEvalConditional_EscalatesSeverityWhenParentIsError(t *testing.T) {
	rule := Rule{
		ID: "parent", Kind: KindConditional, Severity: SeverityError,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll},
		When: []schema.Condition{{Path: "record.status", Op: schema.OpEq, Value: "closed"}},
		Then: []Rule{
			{ID: "child", Kind: KindRequired, FieldPath: "closeReason", Severity: SeverityWarning,
				Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}},
		},
	}
	res, err := Evaluate(context.Background(), Input{
		Rules:   []Rule{rule},
		Data:    map[string]any{"status": "closed"},
		Trigger: TriggerCreate, Phase: PhaseBeforePersist,
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, SeverityError, res.Errors[0].Severity)
}

func TestEvalDateRange_StrictFieldRelativeInclusiveAbsolute(t *testing.T) {
	min := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rule := Rule{ID: "r1", Kind: KindDateRange, FieldPath: "dueDate", MinDate: &min, Severity: SeverityError,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}

	res, err := Evaluate(context.Background(), Input{
		Rules: []Rule{rule}, Data: map[string]any{"dueDate": "2026-01-01"}, Trigger: TriggerCreate, Phase: PhaseBeforePersist,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid(), "absolute bound is inclusive")

	res2, err := Evaluate(context.Background(), Input{
		Rules: []Rule{rule}, Data: map[string]any{"dueDate": "2025-12-31"}, Trigger: TriggerCreate, Phase: PhaseBeforePersist,
	})
	require.NoError(t, err)
	assert.False(t, res2.Valid())

	strict := Rule{ID: "r2", Kind: KindDateRange, FieldPath: "dueDate", AfterField: "startDate", Severity: SeverityError,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}
	res3, err := Evaluate(context.Background(), Input{
		Rules: []Rule{strict}, Data: map[string]any{"dueDate": "2026-01-01", "startDate": "2026-01-01"}, Trigger: TriggerCreate, Phase: PhaseBeforePersist,
	})
	require.NoError(t, err)
	assert.False(t, res3.Valid(), "field-relative bound is strict")
}

func TestEvalReferential_MissingTargetIsWarningNotError(t *testing.T) {
	rule := Rule{ID: "r1", Kind: KindReferential, FieldPath: "customerId", TargetEntity: "Customer",
		TargetField: "id", Severity: SeverityError, Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}

	lookups := Lookups{ReferenceExists: func(ctx context.Context, tenantID, targetEntity, targetField string, value any) (bool, error) {
		return false, nil
	}}

	res, err := Evaluate(context.Background(), Input{
		Rules: []Rule{rule}, Data: map[string]any{"customerId": "missing-id"},
		Trigger: TriggerCreate, Phase: PhaseBeforePersist, Lookups: lookups,
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, SeverityWarning, res.Errors[0].Severity)
	assert.True(t, res.Valid(), "a referential warning never fails validity")
}

func TestEvalUnique_ExcludesCurrentRecordOnUpdate(t *testing.T) {
	rule := Rule{ID: "r1", Kind: KindUnique, FieldPath: "sku", Severity: SeverityError,
		Phase: PhaseBeforePersist, AppliesOn: []Trigger{TriggerAll}}

	var gotExclude string
	lookups := Lookups{IsDuplicate: func(ctx context.Context, tenantID, entity, fieldPath string, value any, scope map[string]any, excludeID string) (bool, error) {
		gotExclude = excludeID
		return false, nil
	}}

	res, err := Evaluate(context.Background(), Input{
		Entity: "Product", Rules: []Rule{rule}, Data: map[string]any{"sku": "ABC"},
		ExistingRecord: map[string]any{"id": "rec-1"},
		Trigger:        TriggerUpdate, Phase: PhaseBeforePersist, Lookups: lookups,
	})
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, "rec-1", gotExclude)
}

func TestRuleGraphCache_RoundTrip(t *testing.T) {
	c, err := NewRuleGraphCache(128, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok := c.Get(ctx, "Invoice", 1)
	assert.False(t, ok)

	rules := []Rule{{ID: "r1", Kind: KindRequired, FieldPath: "name"}}
	require.NoError(t, c.Put(ctx, "Invoice", 1, rules))

	got, ok := c.Get(ctx, "Invoice", 1)
	require.True(t, ok)
	assert.Len(t, got, 1)

	require.NoError(t, c.Invalidate(ctx, "Invoice", 1))
	_, ok = c.Get(ctx, "Invoice", 1)
	assert.False(t, ok)
}

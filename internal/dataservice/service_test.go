package dataservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityplatform/core/internal/audit"
	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
	"github.com/entityplatform/core/internal/validation"
)

func taskModel() compiler.CompiledModel {
	return compiler.CompiledModel{
		EntityName: "Task",
		Version:    1,
		TableName:  "task",
		Fields: []compiler.CompiledField{
			{APIName: "title", Type: schema.FieldString, Required: true},
			{APIName: "status", Type: schema.FieldString},
			{APIName: "project_id", Type: schema.FieldRef, ReferenceTo: "Project", OnDelete: schema.OnDeleteCascade},
		},
		Policies: []compiler.CompiledPolicy{
			{Name: "allow-all", Effect: schema.EffectAllow, Action: schema.ActionCreate, Resource: "Task", Priority: 0, Fields: []string{"*"}},
			{Name: "allow-read", Effect: schema.EffectAllow, Action: schema.ActionRead, Resource: "Task", Priority: 0, Fields: []string{"*"}},
			{Name: "allow-update", Effect: schema.EffectAllow, Action: schema.ActionUpdate, Resource: "Task", Priority: 0, Fields: []string{"*"}},
			{Name: "allow-delete", Effect: schema.EffectAllow, Action: schema.ActionDelete, Resource: "Task", Priority: 0, Fields: []string{"*"}},
		},
	}
}

func projectModel() compiler.CompiledModel {
	return compiler.CompiledModel{
		EntityName: "Project",
		Version:    1,
		TableName:  "project",
		Fields: []compiler.CompiledField{
			{APIName: "name", Type: schema.FieldString, Required: true},
		},
		Policies: []compiler.CompiledPolicy{
			{Name: "allow-all", Effect: schema.EffectAllow, Action: schema.ActionCreate, Resource: "Project", Priority: 0, Fields: []string{"*"}},
			{Name: "allow-read", Effect: schema.EffectAllow, Action: schema.ActionRead, Resource: "Project", Priority: 0, Fields: []string{"*"}},
			{Name: "allow-delete", Effect: schema.EffectAllow, Action: schema.ActionDelete, Resource: "Project", Priority: 0, Fields: []string{"*"}},
		},
	}
}

func restrictedProjectModel() compiler.CompiledModel {
	m := taskModel()
	m.Fields[2].OnDelete = schema.OnDeleteRestrict
	return m
}

func testIR(models map[string]compiler.CompiledModel) IRLoader {
	return func(entity string) (compiler.CompiledModel, error) {
		m, ok := models[entity]
		if !ok {
			return compiler.CompiledModel{}, entityerr.New(entityerr.CodeNotFound, "no such entity %s", entity)
		}
		return m, nil
	}
}

func testRC() reqctx.RequestContext {
	return reqctx.RequestContext{UserID: "u1", TenantID: "t1"}
}

type testDeps struct {
	persister *memPersister
	outbox    *audit.MemoryStore
	ir        IRLoader
}

func newTestService(models map[string]compiler.CompiledModel) (*Service, *testDeps) {
	ir := testIR(models)
	entities := func() ([]string, error) {
		names := make([]string, 0, len(models))
		for k := range models {
			names = append(names, k)
		}
		return names, nil
	}
	persister := newMemPersister()
	outbox := audit.NewMemoryStore()
	ruleGraphs := func(entity string) ([]validation.Rule, error) {
		if entity != "Task" {
			return nil, nil
		}
		return []validation.Rule{{
			ID: "task-title-required", FieldPath: "title", Kind: validation.KindRequired,
			Severity: validation.SeverityError, Phase: validation.PhaseBeforePersist,
			AppliesOn: []validation.Trigger{validation.TriggerCreate, validation.TriggerUpdate},
			Message:   "title is required",
		}}, nil
	}
	svc := NewService(Config{
		IR:          ir,
		Entities:    entities,
		Persister:   persister,
		DB:          fakeDB{},
		PolicyAuthz: NewPolicyAuthorizerAdapter(ir),
		Outbox:      outbox,
		Sequences:   NewMemorySequenceAllocator(),
		RuleGraphs:  ruleGraphs,
	})
	return svc, &testDeps{persister: persister, outbox: outbox, ir: ir}
}

func TestCreate_HappyPath(t *testing.T) {
	svc, deps := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	ctx := context.Background()

	row, err := svc.Create(ctx, testRC(), "Task", Record{"title": "write docs"})
	require.NoError(t, err)
	assert.Equal(t, "write docs", row["title"])
	assert.Equal(t, "t1", row["tenant_id"])
	assert.Equal(t, 1, row["version"])
	assert.NotEmpty(t, row["id"])

	entries, err := deps.outbox.Pick(ctx, 10, "test-drainer", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreate_StripsReservedFields(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	row, err := svc.Create(context.Background(), testRC(), "Task", Record{
		"title": "x", "tenant_id": "someone-elses-tenant", "version": 99,
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", row["tenant_id"])
	assert.Equal(t, 1, row["version"])
}

func TestCreate_UnauthorizedWhenNoAllowRule(t *testing.T) {
	model := taskModel()
	model.Policies = nil // no allow rule anywhere: fail-secure denies everything
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": model})

	_, err := svc.Create(context.Background(), testRC(), "Task", Record{"title": "x"})
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeUnauthorized, entityerr.CodeOf(err))
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	_, err := svc.Get(context.Background(), testRC(), "Task", "missing", false)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeNotFound, entityerr.CodeOf(err))
}

func TestGet_RoundTrip(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	ctx := context.Background()
	created, err := svc.Create(ctx, testRC(), "Task", Record{"title": "x"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, testRC(), "Task", created["id"].(string), false)
	require.NoError(t, err)
	assert.Equal(t, "x", got["title"])
}

func TestUpdate_OptimisticLockConflict(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	ctx := context.Background()
	created, err := svc.Create(ctx, testRC(), "Task", Record{"title": "x"})
	require.NoError(t, err)
	id := created["id"].(string)

	_, err = svc.Update(ctx, testRC(), "Task", id, 1, Record{"title": "y"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, testRC(), "Task", id, 1, Record{"title": "z"})
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeVersionConflict, entityerr.CodeOf(err))
}

func TestUpdate_HappyPathBumpsVersion(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	ctx := context.Background()
	created, err := svc.Create(ctx, testRC(), "Task", Record{"title": "x"})
	require.NoError(t, err)
	id := created["id"].(string)

	updated, err := svc.Update(ctx, testRC(), "Task", id, 1, Record{"title": "y"})
	require.NoError(t, err)
	assert.Equal(t, "y", updated["title"])
	assert.Equal(t, 2, updated["version"])
}

func TestDelete_RestrictBlocksWhenReferenced(t *testing.T) {
	models := map[string]compiler.CompiledModel{
		"Project": projectModel(),
		"Task":    restrictedProjectModel(),
	}
	svc, _ := newTestService(models)
	ctx := context.Background()

	proj, err := svc.Create(ctx, testRC(), "Project", Record{"name": "P1"})
	require.NoError(t, err)
	projectID := proj["id"].(string)
	_, err = svc.Create(ctx, testRC(), "Task", Record{"title": "t", "project_id": projectID})
	require.NoError(t, err)

	err = svc.Delete(ctx, testRC(), "Project", projectID)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeRestrictViolation, entityerr.CodeOf(err))
}

func TestDelete_CascadeRemovesChildren(t *testing.T) {
	models := map[string]compiler.CompiledModel{
		"Project": projectModel(),
		"Task":    taskModel(), // project_id is CASCADE here
	}
	svc, deps := newTestService(models)
	ctx := context.Background()

	proj, err := svc.Create(ctx, testRC(), "Project", Record{"name": "P1"})
	require.NoError(t, err)
	projectID := proj["id"].(string)
	task, err := svc.Create(ctx, testRC(), "Task", Record{"title": "t", "project_id": projectID})
	require.NoError(t, err)
	taskID := task["id"].(string)

	err = svc.Delete(ctx, testRC(), "Project", projectID)
	require.NoError(t, err)

	_, err = svc.Get(ctx, testRC(), "Project", projectID, false)
	assert.Equal(t, entityerr.CodeNotFound, entityerr.CodeOf(err))
	_, err = svc.Get(ctx, testRC(), "Task", taskID, false)
	assert.Equal(t, entityerr.CodeNotFound, entityerr.CodeOf(err))

	_, found, err := deps.persister.SelectByID(ctx, fakeDB{}, models["Task"], "t1", taskID, true)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestQuery_FiltersByTenantAndField(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	ctx := context.Background()
	_, err := svc.Create(ctx, testRC(), "Task", Record{"title": "a", "status": "open"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, testRC(), "Task", Record{"title": "b", "status": "closed"})
	require.NoError(t, err)

	res, err := svc.Query(ctx, testRC(), "Task", Query{
		Filters: []QueryFilter{{Field: "status", Op: FilterEq, Value: "open"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "a", res.Records[0]["title"])
}

func TestQuery_RejectsTooManyFilters(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	filters := make([]QueryFilter, DefaultQueryLimits.MaxFilters+1)
	for i := range filters {
		filters[i] = QueryFilter{Field: "status", Op: FilterEq, Value: "open"}
	}
	_, err := svc.Query(context.Background(), testRC(), "Task", Query{Filters: filters})
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeValidation, entityerr.CodeOf(err))
}

func TestExecuteBulk_PartialFailureDoesNotAbortBatch(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	ctx := context.Background()

	ops := []BulkOperation{
		{Action: "create", Data: Record{"title": "good-1"}},
		{Action: "create", Data: Record{}}, // missing required title -> validation error, not abort
		{Action: "create", Data: Record{"title": "good-2"}},
	}
	result, err := svc.ExecuteBulk(ctx, testRC(), "Task", ops)
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	assert.True(t, result.Items[0].Success)
	assert.False(t, result.Items[1].Success)
	assert.True(t, result.Items[2].Success)
}

func TestExecuteBulk_UpdateThenDelete(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	ctx := context.Background()
	created, err := svc.Create(ctx, testRC(), "Task", Record{"title": "x"})
	require.NoError(t, err)
	id := created["id"].(string)

	result, err := svc.ExecuteBulk(ctx, testRC(), "Task", []BulkOperation{
		{Action: "update", ID: id, Data: Record{"title": "y"}},
	})
	require.NoError(t, err)
	assert.True(t, result.Items[0].Success)

	got, err := svc.Get(ctx, testRC(), "Task", id, false)
	require.NoError(t, err)
	assert.Equal(t, "y", got["title"])

	result, err = svc.ExecuteBulk(ctx, testRC(), "Task", []BulkOperation{
		{Action: "delete", ID: id},
	})
	require.NoError(t, err)
	assert.True(t, result.Items[0].Success)
	_, err = svc.Get(ctx, testRC(), "Task", id, false)
	assert.Equal(t, entityerr.CodeNotFound, entityerr.CodeOf(err))
}

func TestTransition_NoLifecycleManagerConfigured(t *testing.T) {
	svc, _ := newTestService(map[string]compiler.CompiledModel{"Task": taskModel()})
	_, err := svc.Transition(context.Background(), testRC(), "Task", "id1", "SUBMIT", nil)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeInternal, entityerr.CodeOf(err))
}

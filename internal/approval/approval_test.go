package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/reqctx"
)

func serialTemplate() Template {
	return Template{
		ID: "T1", Version: 1,
		Stages: []StageTemplate{
			{StageNo: 1, Mode: ModeSerial, Rules: []AssignmentRule{
				{ID: "r1", Priority: 1, AssignTo: AssignTarget{Kind: "principal", Value: "alice"}},
			}},
			{StageNo: 2, Mode: ModeSerial, Rules: []AssignmentRule{
				{ID: "r2", Priority: 1, AssignTo: AssignTarget{Kind: "principal", Value: "bob"}},
			}},
		},
	}
}

func parallelQuorumTemplate() Template {
	return Template{
		ID: "T2", Version: 1,
		Stages: []StageTemplate{
			{StageNo: 1, Mode: ModeParallel, Quorum: &Quorum{Type: "count", Value: 2}, Rules: []AssignmentRule{
				{ID: "r1", Priority: 1, AssignTo: AssignTarget{Kind: "group", Value: "reviewers"}},
			}},
		},
	}
}

type fixedResolver struct{ ids []string }

func (r fixedResolver) Resolve(ctx context.Context, kind, value string, assignmentCtx map[string]any) ([]string, error) {
	return r.ids, nil
}

type recordingRerunner struct {
	calls []string
}

func (r *recordingRerunner) Rerun(ctx context.Context, entity, entityID, operationCode string, rc reqctx.RequestContext) error {
	r.calls = append(r.calls, entity+"/"+entityID+"/"+operationCode)
	return nil
}

func newEngine(tmpl Template, resolver AssigneeResolver, rerunner TransitionRerunner) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	loader := func(id string) (Template, error) { return tmpl, nil }
	eng := NewEngine(store, loader, resolver, rerunner, nil, nil)
	return eng, store
}

func testRC(user string) reqctx.RequestContext {
	return reqctx.RequestContext{UserID: user, TenantID: "t1"}
}

func TestCreate_SerialTemplateOnlyFirstStageOpen(t *testing.T) {
	eng, _ := newEngine(serialTemplate(), nil, nil)
	inst, err := eng.Create(context.Background(), "Invoice", "inv-1", "t1", "SUBMIT", "T1", testRC("u"), nil)
	require.NoError(t, err)
	require.Len(t, inst.Stages, 2)
	assert.Equal(t, StatusOpen, inst.Stages[0].Status)
	assert.Equal(t, StatusPending, inst.Stages[1].Status)
	assert.Equal(t, "alice", inst.Stages[0].Tasks[0].AssigneeValue)
}

func TestDecide_SerialStageGatesNextStageOpen(t *testing.T) {
	eng, _ := newEngine(serialTemplate(), nil, nil)
	ctx := context.Background()
	inst, err := eng.Create(ctx, "Invoice", "inv-1", "t1", "SUBMIT", "T1", testRC("u"), nil)
	require.NoError(t, err)

	task1 := inst.Stages[0].Tasks[0].ID
	updated, err := eng.Decide(ctx, task1, DecisionApprove, "looks fine", testRC("alice"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, updated.Stages[0].Status)
	assert.Equal(t, StatusOpen, updated.Stages[1].Status)
	assert.Equal(t, StatusOpen, updated.Status)

	task2 := updated.Stages[1].Tasks[0].ID
	final, err := eng.Decide(ctx, task2, DecisionApprove, "", testRC("bob"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestDecide_RejectShortCircuitsInstanceToRejected(t *testing.T) {
	eng, _ := newEngine(serialTemplate(), nil, nil)
	ctx := context.Background()
	inst, err := eng.Create(ctx, "Invoice", "inv-1", "t1", "SUBMIT", "T1", testRC("u"), nil)
	require.NoError(t, err)

	task1 := inst.Stages[0].Tasks[0].ID
	updated, err := eng.Decide(ctx, task1, DecisionReject, "nope", testRC("alice"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, updated.Stages[0].Status)
	assert.Equal(t, StatusCanceled, updated.Status)
	assert.Equal(t, "rejected", updated.ExternalStatus())
	// second stage never opened.
	assert.Equal(t, StatusPending, updated.Stages[1].Status)
}

func TestDecide_WrongAssigneeIsUnauthorized(t *testing.T) {
	eng, _ := newEngine(serialTemplate(), nil, nil)
	ctx := context.Background()
	inst, err := eng.Create(ctx, "Invoice", "inv-1", "t1", "SUBMIT", "T1", testRC("u"), nil)
	require.NoError(t, err)

	_, err = eng.Decide(ctx, inst.Stages[0].Tasks[0].ID, DecisionApprove, "", testRC("mallory"), false)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeUnauthorized, entityerr.CodeOf(err))
}

func TestDecide_TerminalInstanceRejectsFurtherDecisions(t *testing.T) {
	eng, _ := newEngine(serialTemplate(), nil, nil)
	ctx := context.Background()
	inst, err := eng.Create(ctx, "Invoice", "inv-1", "t1", "SUBMIT", "T1", testRC("u"), nil)
	require.NoError(t, err)
	task1 := inst.Stages[0].Tasks[0].ID
	_, err = eng.Decide(ctx, task1, DecisionReject, "", testRC("alice"), false)
	require.NoError(t, err)

	// Late decision on the already-rejected instance's second-stage task.
	_, err = eng.Decide(ctx, inst.Stages[1].Tasks[0].ID, DecisionApprove, "", testRC("bob"), false)
	require.Error(t, err)
	assert.Equal(t, entityerr.CodeNotPending, entityerr.CodeOf(err))
}

func TestDecide_ParallelQuorumCompletesOnceThresholdMet(t *testing.T) {
	eng, _ := newEngine(parallelQuorumTemplate(), fixedResolver{ids: []string{"a", "b", "c"}}, nil)
	ctx := context.Background()
	inst, err := eng.Create(ctx, "Invoice", "inv-1", "t1", "SUBMIT", "T2", testRC("u"), nil)
	require.NoError(t, err)
	require.Len(t, inst.Stages[0].Tasks, 3)

	updated, err := eng.Decide(ctx, inst.Stages[0].Tasks[0].ID, DecisionApprove, "", testRC("a"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, updated.Stages[0].Status) // 1/2 approvals, quorum not yet met

	final, err := eng.Decide(ctx, inst.Stages[0].Tasks[1].ID, DecisionApprove, "", testRC("b"), false)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, final.Stages[0].Status)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestDecide_ParallelQuorumRejectsWhenUnreachable(t *testing.T) {
	eng, _ := newEngine(parallelQuorumTemplate(), fixedResolver{ids: []string{"a", "b", "c"}}, nil)
	ctx := context.Background()
	inst, err := eng.Create(ctx, "Invoice", "inv-1", "t1", "SUBMIT", "T2", testRC("u"), nil)
	require.NoError(t, err)

	_, err = eng.Decide(ctx, inst.Stages[0].Tasks[0].ID, DecisionReject, "", testRC("a"), false)
	require.NoError(t, err)
	final, err := eng.Decide(ctx, inst.Stages[0].Tasks[1].ID, DecisionReject, "", testRC("b"), false)
	require.NoError(t, err)
	// 2 rejected, 1 pending: approved(0)+pending(1) < required(2) -> stage rejects
	assert.Equal(t, StatusRejected, final.Stages[0].Status)
	assert.Equal(t, StatusCanceled, final.Status)
}

func TestDecide_CompletionInvokesRerunnerWithBypass(t *testing.T) {
	rerunner := &recordingRerunner{}
	eng, _ := newEngine(serialTemplate(), nil, rerunner)
	ctx := context.Background()
	inst, err := eng.Create(ctx, "Invoice", "inv-1", "t1", "SUBMIT", "T1", testRC("u"), nil)
	require.NoError(t, err)

	_, err = eng.Decide(ctx, inst.Stages[0].Tasks[0].ID, DecisionApprove, "", testRC("alice"), false)
	require.NoError(t, err)
	assert.Empty(t, rerunner.calls) // stage 1 completes, instance still open

	_, err = eng.Decide(ctx, inst.Stages[1].Tasks[0].ID, DecisionApprove, "", testRC("bob"), false)
	require.NoError(t, err)
	require.Len(t, rerunner.calls, 1)
	assert.Equal(t, "Invoice/inv-1/SUBMIT", rerunner.calls[0])
}

func TestFindInstance_MapsExternalRejectedStatus(t *testing.T) {
	eng, _ := newEngine(serialTemplate(), nil, nil)
	ctx := context.Background()
	inst, err := eng.Create(ctx, "Invoice", "inv-1", "t1", "SUBMIT", "T1", testRC("u"), nil)
	require.NoError(t, err)
	_, err = eng.Decide(ctx, inst.Stages[0].Tasks[0].ID, DecisionReject, "", testRC("alice"), false)
	require.NoError(t, err)

	status, found, err := eng.FindInstance(ctx, "Invoice", "inv-1", "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "rejected", status.Status)
}

func TestCreateInstance_SatisfiesLifecycleApprovalGate(t *testing.T) {
	eng, _ := newEngine(serialTemplate(), nil, nil)
	err := eng.CreateInstance(context.Background(), "Invoice", "inv-1", "SUBMIT", "T1", testRC("u"))
	require.NoError(t, err)

	status, found, err := eng.FindInstance(context.Background(), "Invoice", "inv-1", "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "open", status.Status)
}

func TestCreate_NoMatchingRuleFallsBackToDefaultReviewer(t *testing.T) {
	tmpl := Template{
		ID: "T3", Version: 1, DefaultReviewer: "fallback-user",
		Stages: []StageTemplate{{StageNo: 1, Mode: ModeSerial}},
	}
	eng, _ := newEngine(tmpl, nil, nil)
	inst, err := eng.Create(context.Background(), "Invoice", "inv-1", "t1", "SUBMIT", "T3", testRC("u"), nil)
	require.NoError(t, err)
	require.Len(t, inst.Stages[0].Tasks, 1)
	assert.Equal(t, "fallback-user", inst.Stages[0].Tasks[0].AssigneeValue)
}

package approval

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/lifecycle"
	"github.com/entityplatform/core/internal/policy"
	"github.com/entityplatform/core/internal/reqctx"
)

// TemplateLoader loads a compiled approval template by id.
type TemplateLoader func(templateID string) (Template, error)

// AssigneeResolver turns a role or group AssignTarget into concrete
// principal ids (spec §4.C10 "Create" step 3). Kind "principal" never
// reaches the resolver; its Value is used directly.
type AssigneeResolver interface {
	Resolve(ctx context.Context, kind, value string, assignmentCtx map[string]any) ([]string, error)
}

// Recorder emits audit events for approval lifecycle transitions (spec
// §4.C10 "Create"/"Decide" both "emit audit event"). Nil is a valid
// no-op Recorder.
type Recorder interface {
	Record(ctx context.Context, eventType string, payload map[string]any) error
}

// Engine is the Approval Engine (spec §4.C10). It implements
// lifecycle.ApprovalGate so a Lifecycle Manager can drive it without
// either package importing the other's concrete types.
type Engine struct {
	store     Store
	templates TemplateLoader
	resolver  AssigneeResolver
	rerunner  TransitionRerunner
	recorder  Recorder
	now       func() time.Time
	logger    *slog.Logger
}

// TransitionRerunner re-runs a gated transition once an approval
// instance completes, standing in for the explicit ApprovalCompleted
// message spec §9 calls for instead of an in-place callback (it keeps
// this package's Decide from ever calling back into the same
// lifecycle.Manager.Transition stack frame that created the instance).
type TransitionRerunner interface {
	Rerun(ctx context.Context, entity, entityID, operationCode string, rc reqctx.RequestContext) error
}

func NewEngine(store Store, templates TemplateLoader, resolver AssigneeResolver, rerunner TransitionRerunner, recorder Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, templates: templates, resolver: resolver, rerunner: rerunner, recorder: recorder, now: time.Now, logger: logger}
}

func (e *Engine) record(ctx context.Context, eventType string, payload map[string]any) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, eventType, payload); err != nil {
		e.logger.WarnContext(ctx, "approval: audit record failed", "eventType", eventType, "error", err)
	}
}

// Create materializes a new approval instance from templateID (spec
// §4.C10 "Create"). assignmentCtx is both the record evaluated against
// each stage rule's Conditions and the payload snapshotted per task.
func (e *Engine) Create(ctx context.Context, entity, entityID, tenantID, transitionOperationCode, templateID string, rc reqctx.RequestContext, assignmentCtx map[string]any) (Instance, error) {
	tmpl, err := e.templates(templateID)
	if err != nil {
		return Instance{}, entityerr.Wrap(entityerr.CodeNotFound, err, "approval template %s not found", templateID)
	}

	stageTemplates := append([]StageTemplate(nil), tmpl.Stages...)
	sort.Slice(stageTemplates, func(i, j int) bool { return stageTemplates[i].StageNo < stageTemplates[j].StageNo })

	now := e.now()
	inst := Instance{
		ID: uuid.NewString(), Entity: entity, EntityID: entityID, TenantID: tenantID,
		TemplateID: templateID, TransitionOperationCode: transitionOperationCode,
		Status: StatusOpen, CreatedAt: now, UpdatedAt: now,
	}

	for idx, st := range stageTemplates {
		stageStatus := StatusPending
		if tmpl.Parallel || idx == 0 {
			stageStatus = StatusOpen
		}
		tasks, err := e.materializeTasks(ctx, tmpl, st, rc, assignmentCtx)
		if err != nil {
			return Instance{}, err
		}
		inst.Stages = append(inst.Stages, StageInstance{
			StageNo: st.StageNo, Mode: st.Mode, Quorum: st.Quorum, Status: stageStatus, Tasks: tasks,
		})
	}

	saved, err := e.store.Save(ctx, inst)
	if err != nil {
		return Instance{}, err
	}
	e.record(ctx, "approval.created", map[string]any{
		"instanceId": saved.ID, "entity": entity, "entityId": entityID, "templateId": templateID,
	})
	return saved, nil
}

func (e *Engine) materializeTasks(ctx context.Context, tmpl Template, st StageTemplate, rc reqctx.RequestContext, assignmentCtx map[string]any) ([]Task, error) {
	rules := append([]AssignmentRule(nil), st.Rules...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var matched *AssignmentRule
	for i := range rules {
		ok, err := policy.EvalAll(rules[i].Conditions, rc, assignmentCtx)
		if err != nil {
			return nil, entityerr.Wrap(entityerr.CodeInternal, err, "approval assignment rule %s condition failed", rules[i].ID)
		}
		if ok {
			matched = &rules[i]
			break
		}
	}

	var ruleID string
	var kind, value string
	var assignees []string
	var err error
	switch {
	case matched != nil:
		ruleID = matched.ID
		kind, value = matched.AssignTo.Kind, matched.AssignTo.Value
		assignees, err = e.resolveAssignees(ctx, kind, value, assignmentCtx)
		if err != nil {
			return nil, err
		}
	}
	if len(assignees) == 0 && tmpl.DefaultReviewer != "" {
		kind, value = "principal", tmpl.DefaultReviewer
		assignees = []string{tmpl.DefaultReviewer}
	}
	if len(assignees) == 0 {
		return nil, entityerr.New(entityerr.CodeInternal, "stage %d resolved no assignees and no defaultReviewer is configured", st.StageNo)
	}

	tasks := make([]Task, 0, len(assignees))
	for _, assignee := range assignees {
		tasks = append(tasks, Task{
			ID: uuid.NewString(), StageNo: st.StageNo, AssigneeType: kind, AssigneeValue: assignee,
			Status: StatusPending,
			Snapshot: AssignmentSnapshot{RuleID: ruleID, TemplateVersion: tmpl.Version, ResolvedPayload: assignmentCtx},
		})
	}
	return tasks, nil
}

func (e *Engine) resolveAssignees(ctx context.Context, kind, value string, assignmentCtx map[string]any) ([]string, error) {
	if value == "" {
		return nil, nil
	}
	if kind == "principal" {
		return []string{value}, nil
	}
	if e.resolver == nil {
		return nil, nil
	}
	resolved, err := e.resolver.Resolve(ctx, kind, value, assignmentCtx)
	if err != nil {
		return nil, entityerr.Wrap(entityerr.CodeInternal, err, "assignee resolution failed for %s:%s", kind, value)
	}
	return resolved, nil
}

// Decide records an approver's decision on taskID and runs stage/instance
// aggregation (spec §4.C10 "Decide"). override skips the assignee-match
// check for admin reassignment flows.
func (e *Engine) Decide(ctx context.Context, taskID string, decision Decision, note string, rc reqctx.RequestContext, override bool) (Instance, error) {
	inst, err := e.store.InstanceForTask(ctx, taskID)
	if err != nil {
		return Instance{}, err
	}
	if inst.Terminal() {
		return Instance{}, entityerr.New(entityerr.CodeNotPending, "approval instance %s is already %s", inst.ID, inst.ExternalStatus())
	}
	task := inst.task(taskID)
	if task == nil {
		return Instance{}, entityerr.New(entityerr.CodeNotFound, "approval task %s not found", taskID)
	}
	if task.Status != StatusPending {
		return Instance{}, entityerr.New(entityerr.CodeNotPending, "approval task %s is already %s", taskID, task.Status)
	}
	if !override && task.AssigneeValue != rc.UserID {
		return Instance{}, entityerr.New(entityerr.CodeUnauthorized, "task %s is not assigned to %s", taskID, rc.UserID)
	}

	now := e.now()
	switch decision {
	case DecisionApprove:
		task.Status = StatusApproved
	case DecisionReject:
		task.Status = StatusRejected
	default:
		return Instance{}, entityerr.New(entityerr.CodeValidation, "unknown approval decision %q", decision)
	}
	task.DecidedAt = &now
	task.DecidedBy = rc.UserID
	task.Note = note

	stage := inst.stage(task.StageNo)
	aggregateStage(stage)
	aggregateInstance(&inst)
	inst.UpdatedAt = now

	saved, err := e.store.Update(ctx, inst)
	if err != nil {
		return Instance{}, err
	}
	e.record(ctx, "approval.decided", map[string]any{
		"instanceId": saved.ID, "taskId": taskID, "decision": string(decision), "status": saved.ExternalStatus(),
	})

	if saved.Status == StatusCompleted && e.rerunner != nil {
		bypassRC := reqctx.System(saved.TenantID, "", nil).WithApprovalBypass()
		if err := e.rerunner.Rerun(ctx, saved.Entity, saved.EntityID, saved.TransitionOperationCode, bypassRC); err != nil {
			e.logger.WarnContext(ctx, "approval: transition rerun failed", "instanceId", saved.ID, "error", err)
		}
	}
	return saved, nil
}

// aggregateStage resolves a stage's outcome from its tasks (spec §4.C10
// "Decide" stage aggregation). Serial stages complete-approved only when
// every task is approved and complete-rejected as soon as any task is
// rejected; parallel stages complete against their quorum.
func aggregateStage(stage *StageInstance) {
	if stage.Status != StatusOpen {
		return
	}

	if stage.Mode == ModeSerial {
		for _, t := range stage.Tasks {
			if t.Status == StatusRejected {
				stage.Status = StatusRejected
				return
			}
		}
		for _, t := range stage.Tasks {
			if t.Status == StatusPending {
				return
			}
		}
		stage.Status = StatusApproved
		return
	}

	required := 1
	if stage.Quorum != nil {
		required = stage.Quorum.RequiredCount(len(stage.Tasks))
	}
	approved, pending := 0, 0
	for _, t := range stage.Tasks {
		switch t.Status {
		case StatusApproved:
			approved++
		case StatusPending:
			pending++
		}
	}
	if approved >= required {
		stage.Status = StatusApproved
		return
	}
	if approved+pending < required {
		stage.Status = StatusRejected
	}
}

// aggregateInstance resolves the instance-level outcome from its stages
// and, for a serial template, opens the next pending stage once its
// predecessor completes approved (spec §4.C10 "Decide" instance
// aggregation).
func aggregateInstance(inst *Instance) {
	anyRejected := false
	allApproved := true
	for _, st := range inst.Stages {
		if st.Status == StatusRejected {
			anyRejected = true
		}
		if st.Status != StatusApproved {
			allApproved = false
		}
	}
	if anyRejected {
		inst.Status = StatusCanceled
		inst.Reason = "rejected"
		return
	}
	if allApproved {
		inst.Status = StatusCompleted
		return
	}
	for i := range inst.Stages {
		if inst.Stages[i].Status == StatusApproved && i+1 < len(inst.Stages) && inst.Stages[i+1].Status == StatusPending {
			inst.Stages[i+1].Status = StatusOpen
		}
	}
}

// FindInstance implements lifecycle.ApprovalGate: it looks up the most
// recent approval instance for (entity, entityID, tenantID) and maps its
// external status into the vocabulary the Lifecycle Manager's gates
// expect.
func (e *Engine) FindInstance(ctx context.Context, entity, entityID, tenantID string) (lifecycle.ApprovalStatus, bool, error) {
	inst, found, err := e.store.FindOpenByEntity(ctx, entity, entityID, tenantID)
	if err != nil || !found {
		return lifecycle.ApprovalStatus{}, false, err
	}
	var status string
	switch inst.ExternalStatus() {
	case string(StatusOpen):
		status = lifecycle.ApprovalOpen
	case "rejected":
		status = lifecycle.ApprovalRejected
	case string(StatusCanceled):
		status = lifecycle.ApprovalCanceled
	case string(StatusCompleted):
		status = lifecycle.ApprovalCompleted
	default:
		status = inst.ExternalStatus()
	}
	return lifecycle.ApprovalStatus{Status: status}, true, nil
}

// CreateInstance implements lifecycle.ApprovalGate. It delegates to
// Create with no assignment context, matching the Lifecycle Manager's
// gate evaluation which has no richer record to offer at approval-initiation
// time than the transition's own record (already evaluated for
// thresholds by then).
func (e *Engine) CreateInstance(ctx context.Context, entity, entityID, transitionOperationCode, templateID string, rc reqctx.RequestContext) error {
	_, err := e.Create(ctx, entity, entityID, rc.TenantID, transitionOperationCode, templateID, rc, nil)
	return err
}

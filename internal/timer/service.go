package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/jobqueue"
	"github.com/entityplatform/core/internal/policy"
	"github.com/entityplatform/core/internal/reqctx"
)

// QueueName is the delayed-job queue every timer fire is enqueued on
// (spec §4.C11 "Enqueue a delayed job lifecycle-auto-transition").
const QueueName = "lifecycle-auto-transition"

// InstanceLookup is the Lifecycle Manager surface the Timer Service
// depends on to resolve (and re-verify) an instance's current state.
type InstanceLookup interface {
	CurrentStateCode(ctx context.Context, entity, entityID, tenantID string) (string, error)
}

// RecordLookup loads the current persisted record for an entity instance,
// used both to resolve field_relative fireAt and to re-verify a timer's
// conditions before firing.
type RecordLookup interface {
	GetRecord(ctx context.Context, entity, entityID, tenantID string) (map[string]any, error)
}

// Transitioner is the Lifecycle Manager surface the Timer Service invokes
// to fire an auto-transition (spec §4.C11 "Process" step 4).
type Transitioner interface {
	Transition(ctx context.Context, entity, entityID, operationCode string, rc reqctx.RequestContext, record, payload map[string]any) error
}

// PolicyLoader loads a timer Policy by id.
type PolicyLoader func(policyID string) (Policy, error)

// Service is the Timer Service (spec §4.C11).
type Service struct {
	store        Store
	queue        jobqueue.Queue
	policies     PolicyLoader
	instances    InstanceLookup
	records      RecordLookup
	transitioner Transitioner
	now          func() time.Time
	logger       *slog.Logger
	parser       *when.Parser
}

// NewService constructs a Service.
func NewService(store Store, queue jobqueue.Queue, policies PolicyLoader, instances InstanceLookup, records RecordLookup, transitioner Transitioner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Service{
		store: store, queue: queue, policies: policies, instances: instances,
		records: records, transitioner: transitioner, now: time.Now, logger: logger, parser: w,
	}
}

// ErrSkipped is returned by ScheduleTimer when the computed fireAt is not
// in the future (spec §4.C11 "Schedule" step 3 "If fireAt ≤ now, skip").
var ErrSkipped = fmt.Errorf("timer: fireAt is not in the future, skipping schedule")

// ScheduleTimer computes fireAt from policyID and enqueues the fire job
// (spec §4.C11 "Schedule").
func (s *Service) ScheduleTimer(ctx context.Context, policyID, entity, entityID string, rc reqctx.RequestContext, triggerData map[string]any) (Schedule, error) {
	pol, err := s.policies(policyID)
	if err != nil {
		return Schedule{}, entityerr.Wrap(entityerr.CodeNotFound, err, "timer policy %s not found", policyID)
	}

	state, err := s.instances.CurrentStateCode(ctx, entity, entityID, rc.TenantID)
	if err != nil {
		return Schedule{}, err
	}

	now := s.now()
	fireAt, err := s.computeFireAt(pol, triggerData, now)
	if err != nil {
		return Schedule{}, entityerr.Wrap(entityerr.CodeValidation, err, "timer policy %s fireAt computation failed", policyID)
	}
	if !fireAt.After(now) {
		return Schedule{}, ErrSkipped
	}

	sched := Schedule{
		ID: uuid.NewString(), TenantID: rc.TenantID, Entity: entity, EntityID: entityID,
		TimerType: pol.Type, FireAt: fireAt, PolicySnapshot: pol, StateSnapshot: state,
		Status: StatusScheduled, CreatedAt: now,
	}
	created, err := s.store.Create(ctx, sched)
	if err != nil {
		return Schedule{}, err
	}

	jobID, err := s.queue.Add(ctx, QueueName, map[string]any{"scheduleId": created.ID}, jobqueue.AddOptions{
		Delay: fireAt.Sub(now), Attempts: 1,
	})
	if err != nil {
		// The row is durable even though the enqueue failed; rehydrate
		// reconciles it on the next startup scan (spec §5 "Failure under
		// partial progress").
		return created, entityerr.Wrap(entityerr.CodeInternal, err, "enqueue auto-transition job for schedule %s failed", created.ID)
	}
	if err := s.store.SetJobID(ctx, created.ID, jobID); err != nil {
		return created, err
	}
	created.JobID = jobID
	return created, nil
}

// computeFireAt resolves fireAt per the policy's delayType (spec §4.C11
// "Schedule" step 3). sla is treated as fixed per spec §9's MVP note.
func (s *Service) computeFireAt(pol Policy, triggerData map[string]any, now time.Time) (time.Time, error) {
	switch pol.DelayType {
	case DelayFixed, DelaySLA:
		return now.Add(time.Duration(pol.DelayMs) * time.Millisecond), nil
	case DelayFieldRelative:
		base, err := s.resolveFieldDate(triggerData[pol.DelayFromField])
		if err != nil {
			return time.Time{}, fmt.Errorf("resolve %s: %w", pol.DelayFromField, err)
		}
		return base.Add(time.Duration(pol.DelayOffsetMs) * time.Millisecond), nil
	default:
		return time.Time{}, fmt.Errorf("unknown delayType %q", pol.DelayType)
	}
}

// resolveFieldDate accepts a time.Time directly, or parses an ISO/natural-
// language date string via olebedev/when (spec §4.C11 "field_relative:
// resolve delayFromField (Date or ISO string)").
func (s *Service) resolveFieldDate(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t, nil
		}
		res, err := s.parser.Parse(val, s.now())
		if err != nil {
			return time.Time{}, err
		}
		if res == nil {
			return time.Time{}, fmt.Errorf("could not parse date from %q", val)
		}
		return res.Time, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported delayFromField value type %T", v)
	}
}

// ProcessTimer is the job handler invoked when a scheduled job fires
// (spec §4.C11 "Process"). It is idempotent: a second call on an
// already-fired or canceled schedule returns without action.
func (s *Service) ProcessTimer(ctx context.Context, scheduleID string) error {
	sched, err := s.store.Get(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sched.Status != StatusScheduled {
		return nil
	}

	fired, err := s.store.CompareAndSetStatus(ctx, scheduleID, StatusScheduled, StatusFired)
	if err != nil {
		if entityerr.CodeOf(err) == entityerr.CodeStaleState {
			// Another worker already claimed this fire (spec §8 invariant
			// 11: "a fired timer cannot fire twice").
			return nil
		}
		return err
	}

	state, err := s.instances.CurrentStateCode(ctx, fired.Entity, fired.EntityID, fired.TenantID)
	if err != nil {
		if entityerr.CodeOf(err) == entityerr.CodeNotFound {
			s.logger.WarnContext(ctx, "timer: instance no longer exists, skipping fire", "scheduleId", scheduleID)
			return nil
		}
		return err
	}
	if state != fired.StateSnapshot {
		s.logger.InfoContext(ctx, "timer: lifecycle state changed since scheduling, skipping fire",
			"scheduleId", scheduleID, "scheduledState", fired.StateSnapshot, "currentState", state)
		return nil
	}

	record, err := s.records.GetRecord(ctx, fired.Entity, fired.EntityID, fired.TenantID)
	if err != nil {
		if entityerr.CodeOf(err) == entityerr.CodeNotFound {
			return nil
		}
		return err
	}

	if len(fired.PolicySnapshot.Conditions) > 0 {
		matched, err := policy.EvalAll(fired.PolicySnapshot.Conditions, reqctx.System(fired.TenantID, "", nil), record)
		if err != nil || !matched {
			s.logger.InfoContext(ctx, "timer: conditions no longer match, skipping fire", "scheduleId", scheduleID, "error", err)
			return nil
		}
	}

	opCode := fired.PolicySnapshot.TargetOperationCode
	if opCode == "" {
		opCode = "AUTO_TRANSITION"
	}
	rc := reqctx.System(fired.TenantID, "", nil).WithTimerExecution()
	if err := s.transitioner.Transition(ctx, fired.Entity, fired.EntityID, opCode, rc, record, nil); err != nil {
		// Per spec §7 "C11 timer errors never affect the business
		// operation that scheduled them": the schedule is already marked
		// fired (guarded, non-retried); a failed auto-transition is
		// logged for operator visibility, not retried from here.
		s.logger.WarnContext(ctx, "timer: auto-transition failed", "scheduleId", scheduleID, "entity", fired.Entity, "entityId", fired.EntityID, "error", err)
	}
	return nil
}

// CancelTimers marks every scheduled timer for (entity, entityID) canceled
// and removes its queue job (spec §4.C11 "Cancel"). It implements
// lifecycle.TimerCanceller.
func (s *Service) CancelTimers(ctx context.Context, entity, entityID, reason string) error {
	scheds, err := s.store.ListScheduledForEntity(ctx, entity, entityID, "")
	if err != nil {
		return err
	}
	for _, sched := range scheds {
		updated, err := s.store.CompareAndSetStatus(ctx, sched.ID, StatusScheduled, StatusCanceled)
		if err != nil {
			if entityerr.CodeOf(err) == entityerr.CodeStaleState {
				continue // already fired; nothing to cancel
			}
			return err
		}
		s.logger.InfoContext(ctx, "timer: schedule canceled", "scheduleId", updated.ID, "entity", entity, "entityId", entityID, "reason", reason)
		if updated.JobID != "" {
			if err := s.queue.RemoveJob(ctx, updated.JobID); err != nil {
				s.logger.WarnContext(ctx, "timer: failed to remove queue job on cancel", "scheduleId", updated.ID, "jobId", updated.JobID, "error", err)
			}
		}
	}
	return nil
}

// RehydrateTimers re-enqueues every status=scheduled, still-future row for
// tenantID (spec §4.C11 "Rehydrate"), retrying the enqueue+persist pair
// with backoff since a transient queue/store failure here should not
// silently drop a timer that the business transaction already committed.
func (s *Service) RehydrateTimers(ctx context.Context, tenantID string) (int, error) {
	now := s.now()
	scheds, err := s.store.ListScheduledAfter(ctx, tenantID, now)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sched := range scheds {
		sched := sched
		op := func() error {
			jobID, err := s.queue.Add(ctx, QueueName, map[string]any{"scheduleId": sched.ID}, jobqueue.AddOptions{
				Delay: sched.FireAt.Sub(s.now()), Attempts: 1,
			})
			if err != nil {
				return err
			}
			return s.store.SetJobID(ctx, sched.ID, jobID)
		}
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		if err := backoff.Retry(op, bo); err != nil {
			s.logger.WarnContext(ctx, "timer: rehydrate failed for schedule", "scheduleId", sched.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

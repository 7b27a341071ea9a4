package dataservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/entityplatform/core/internal/audit"
	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/lifecycle"
	"github.com/entityplatform/core/internal/metrics"
	"github.com/entityplatform/core/internal/policy"
	"github.com/entityplatform/core/internal/reqctx"
	"github.com/entityplatform/core/internal/schema"
	"github.com/entityplatform/core/internal/sqlstore"
	"github.com/entityplatform/core/internal/tracing"
	"github.com/entityplatform/core/internal/validation"
	"go.opentelemetry.io/otel/attribute"
)

// queryer is the read-only surface the cascade-delete tree walk runs
// against; aliased locally so cascade.go's signature reads naturally
// against either s.db directly or a future transaction-scoped reader.
type queryer = sqlstore.Queryer

// dbHandle is the surface Service needs from its database: reads for
// SelectByID/Query outside a transaction, plus the transaction boundary
// every mutation runs through. *sqlstore.DB satisfies this; tests supply a
// lightweight fake so the orchestration logic in this package is testable
// without a live database connection, the same way every other engine in
// this module is tested against an in-process fake of its storage port.
type dbHandle interface {
	sqlstore.Queryer
	WithTx(ctx context.Context, fn func(tx sqlstore.Tx) error) error
}

// EntityLister returns every entity name a Service must consider when
// walking reference fields for cascade delete (spec §4.C13 "Cascade"),
// consuming the Schema Registry's published entity list (C2).
type EntityLister func() ([]string, error)

// RuleGraphLoader resolves the compiled validation rule graph for an
// entity (spec §4.C7), consuming the Schema Registry the same way
// IRLoader consumes the Compiled Model IR.
type RuleGraphLoader func(entity string) ([]validation.Rule, error)

// Service is the Generic Data Service (spec §4.C13): the single write/read
// path every entity's CRUD, query and transition request flows through,
// wiring the Policy Engine (C6), Validation Engine (C7), Lifecycle Manager
// (C9) and Audit Outbox (C12) around the compiled IR's table layout.
// Built as an orchestration layer — a single type that sequences several
// independent subsystems per request and never lets one subsystem's
// failure corrupt another's state.
type Service struct {
	ir        IRLoader
	entities  EntityLister
	persister Persister
	db        dbHandle

	policyAuthz *PolicyAuthorizerAdapter
	decisionLog policy.DecisionLog

	ruleGraphs RuleGraphLoader
	ruleCache  *validation.RuleGraphCache

	lifecycleMgr *lifecycle.Manager
	outbox       audit.Writer
	sequences    SequenceAllocator
	queryLimits  QueryLimits

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
	metric *metrics.Collectors
}

// Config collects Service's dependencies. Fields left nil degrade their
// feature rather than failing construction: Sequences nil disables
// numbering sequences, LifecycleMgr nil skips lifecycle instance creation,
// DecisionLog nil skips decision logging, Metrics nil records nothing.
type Config struct {
	IR          IRLoader
	Entities    EntityLister
	Persister   Persister
	DB          dbHandle
	PolicyAuthz *PolicyAuthorizerAdapter
	DecisionLog policy.DecisionLog
	RuleGraphs  RuleGraphLoader
	RuleCache   *validation.RuleGraphCache
	LifecycleMgr *lifecycle.Manager
	Outbox      audit.Writer
	Sequences   SequenceAllocator
	QueryLimits QueryLimits
	Logger      *slog.Logger
	Metrics     *metrics.Collectors
}

// NewService wires a Service from cfg, defaulting Now to time.Now, NewID
// to uuid.NewString and Logger to slog.Default.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := cfg.QueryLimits
	if limits == (QueryLimits{}) {
		limits = DefaultQueryLimits
	}
	return &Service{
		ir: cfg.IR, entities: cfg.Entities, persister: cfg.Persister, db: cfg.DB,
		policyAuthz: cfg.PolicyAuthz, decisionLog: cfg.DecisionLog,
		ruleGraphs: cfg.RuleGraphs, ruleCache: cfg.RuleCache,
		lifecycleMgr: cfg.LifecycleMgr, outbox: cfg.Outbox, sequences: cfg.Sequences,
		queryLimits: limits, now: time.Now, newID: uuid.NewString, logger: logger, metric: cfg.Metrics,
	}
}

// reservedFields are set by the Service itself and silently dropped from
// caller-supplied payloads so a request can never forge them.
var reservedFields = map[string]bool{
	"id": true, "tenant_id": true, "created_at": true, "created_by": true,
	"updated_at": true, "updated_by": true, "deleted_at": true, "deleted_by": true, "version": true,
}

func stripReserved(data Record) Record {
	out := make(Record, len(data))
	for k, v := range data {
		if reservedFields[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// toInt normalizes the numeric types a version column can come back as.
// A fake in-process persister round-trips a literal Go int, but
// SQLPersister.scanRow feeds raw database/sql scan results through
// Record, and go-sql-driver/mysql returns int64 for INTEGER columns
// scanned into interface{} — so this must accept either.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	default:
		return 0, false
	}
}

func (s *Service) authorize(ctx context.Context, rc reqctx.RequestContext, entity string, action schema.Action, record map[string]any) policy.Decision {
	decision := s.policyAuthz.Authorize(rc, action, entity, record)
	s.metric.ObservePolicyDecision(entity, string(decision.Effect))
	if s.decisionLog != nil {
		entry := policy.LogEntry{
			TenantID: rc.TenantID, OccurredAt: policy.Now(), Actor: rc.UserID,
			Resource: entity, Operation: action, Effect: decision.Effect,
			MatchedRuleID: decision.MatchedRuleID, Reason: decision.Reason, CorrelationID: rc.CorrelationID,
		}
		if err := s.decisionLog.Append(ctx, entry); err != nil {
			s.logger.WarnContext(ctx, "dataservice: decision log write failed", "error", err, "resource", entity)
		}
	}
	return decision
}

func enforceFieldWrite(allowed policy.FieldSet, data Record) error {
	for field := range data {
		if !allowed.Allows(field) {
			return entityerr.New(entityerr.CodeUnauthorized, "field %q is not writable for this caller", field).WithField(field)
		}
	}
	return nil
}

func filterReadFields(allowed policy.FieldSet, rec Record) Record {
	if allowed.IsAll() || rec == nil {
		return rec
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		if allowed.Allows(k) {
			out[k] = v
		}
	}
	return out
}

func validationFailure(result validation.Result) error {
	first := result.Errors[0]
	for _, e := range result.Errors {
		if e.Severity == validation.SeverityError {
			first = e
			break
		}
	}
	return entityerr.New(entityerr.CodeValidation, "%s", first.Message).WithField(first.FieldPath).WithRule(first.RuleID).WithDetails(result.Errors)
}

// rules resolves entity's compiled rule graph via the RuleGraphCache (C7's
// two-tier cache, spec §4.C7 "Caching"), falling back to the configured
// loader on a miss and populating the cache for the next call.
func (s *Service) rules(ctx context.Context, entity string, version int) ([]validation.Rule, error) {
	if s.ruleCache != nil {
		if cached, ok := s.ruleCache.Get(ctx, entity, version); ok {
			return cached, nil
		}
	}
	if s.ruleGraphs == nil {
		return nil, nil
	}
	loaded, err := s.ruleGraphs(entity)
	if err != nil {
		return nil, fmt.Errorf("dataservice: load rule graph for %s: %w", entity, err)
	}
	if s.ruleCache != nil {
		if err := s.ruleCache.Put(ctx, entity, version, loaded); err != nil {
			s.logger.WarnContext(ctx, "dataservice: rule graph cache put failed", "error", err, "entity", entity)
		}
	}
	return loaded, nil
}

// lookups builds the referential/unique Lookups validation rules need,
// scoped to tenantID, consuming the same Persister every other read goes
// through so "referential" and "unique" rules see committed data only.
func (s *Service) lookups(tenantID string) validation.Lookups {
	return validation.Lookups{
		ReferenceExists: func(ctx context.Context, tenantID, targetEntity, targetField string, value any) (bool, error) {
			model, err := s.ir(targetEntity)
			if err != nil {
				return false, err
			}
			_, total, err := s.persister.Query(ctx, s.db, model, tenantID, Query{
				Filters: []QueryFilter{{Field: targetField, Op: FilterEq, Value: value}}, PageSize: 1,
			})
			return total > 0, err
		},
		IsDuplicate: func(ctx context.Context, tenantID, entity, fieldPath string, value any, scope map[string]any, excludeID string) (bool, error) {
			model, err := s.ir(entity)
			if err != nil {
				return false, err
			}
			filters := []QueryFilter{{Field: fieldPath, Op: FilterEq, Value: value}}
			for k, v := range scope {
				filters = append(filters, QueryFilter{Field: k, Op: FilterEq, Value: v})
			}
			recs, _, err := s.persister.Query(ctx, s.db, model, tenantID, Query{Filters: filters, PageSize: 2})
			if err != nil {
				return false, err
			}
			for _, r := range recs {
				if id, _ := r["id"].(string); id != excludeID {
					return true, nil
				}
			}
			return false, nil
		},
	}
}

func (s *Service) enqueueAudit(ctx context.Context, tx sqlstore.Execer, tenantID, eventType string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	entry := audit.Entry{ID: s.newID(), TenantID: tenantID, EventType: eventType, Payload: payload, CreatedAt: s.now()}
	if enq, ok := s.outbox.(audit.TxEnqueuer); ok {
		return enq.EnqueueTx(ctx, tx, entry)
	}
	return s.outbox.Enqueue(ctx, entry)
}

// Create inserts a new row for entity (spec §4.C13 "Create"), running
// authorize, field-write enforcement, validation and (when configured)
// lifecycle instance creation and sequence assignment around the insert.
func (s *Service) Create(ctx context.Context, rc reqctx.RequestContext, entity string, data Record) (row Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "dataservice.Create", attribute.String("entity", entity), attribute.String("tenant_id", rc.TenantID))
	defer tracing.End(span, &err)

	model, err := s.ir(entity)
	if err != nil {
		return nil, err
	}
	data = stripReserved(data)

	decision := s.authorize(ctx, rc, entity, schema.ActionCreate, data)
	if !decision.Allowed() {
		return nil, entityerr.New(entityerr.CodeUnauthorized, "unauthorized").WithDetails(decision.Reason)
	}
	allowed := s.policyAuthz.AllowedFields(rc, schema.ActionCreate, entity, data)
	if err := enforceFieldWrite(allowed, data); err != nil {
		return nil, err
	}

	rules, err := s.rules(ctx, entity, model.Version)
	if err != nil {
		return nil, err
	}
	result, err := validation.Evaluate(ctx, validation.Input{
		Entity: entity, Rules: rules, Data: data, Trigger: validation.TriggerCreate,
		Phase: validation.PhaseBeforePersist, Ctx: rc, Lookups: s.lookups(rc.TenantID),
	})
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		return nil, validationFailure(result)
	}

	now := s.now()
	id := s.newID()
	row = make(Record, len(data)+9)
	for k, v := range data {
		row[k] = v
	}
	row["id"] = id
	row["tenant_id"] = rc.TenantID
	row["created_at"] = now
	row["created_by"] = rc.UserID
	row["updated_at"] = now
	row["updated_by"] = rc.UserID
	row["version"] = 1
	if model.Metadata.EffectiveDatingEnabled() {
		if _, ok := row["effective_from"]; !ok {
			row["effective_from"] = now
		}
	}
	if model.Metadata.SequenceEnabled() && s.sequences != nil {
		seq, seqErr := s.sequences.Next(ctx, rc.TenantID, entity)
		if seqErr != nil {
			return nil, seqErr
		}
		row["sequence_number"] = seq
	}

	err = s.db.WithTx(ctx, func(tx sqlstore.Tx) error {
		if err := s.persister.Insert(ctx, tx, model, row); err != nil {
			return err
		}
		return s.enqueueAudit(ctx, tx, rc.TenantID, "entity.created", map[string]any{"entity": entity, "id": id, "data": row})
	})
	if err != nil {
		return nil, err
	}

	if s.lifecycleMgr != nil {
		if _, lcErr := s.lifecycleMgr.CreateInstance(ctx, entity, id, rc, row); lcErr != nil {
			s.logger.WarnContext(ctx, "dataservice: lifecycle instance creation failed", "error", lcErr, "entity", entity, "id", id)
		}
	}
	return row, nil
}

// Get reads one row by id (spec §4.C13 "Read"), filtering the returned
// fields to the caller's allow set.
func (s *Service) Get(ctx context.Context, rc reqctx.RequestContext, entity, id string, includeDeleted bool) (row Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "dataservice.Get", attribute.String("entity", entity))
	defer tracing.End(span, &err)

	model, err := s.ir(entity)
	if err != nil {
		return nil, err
	}
	rec, found, err := s.persister.SelectByID(ctx, s.db, model, rc.TenantID, id, includeDeleted)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, entityerr.NotFound
	}
	decision := s.authorize(ctx, rc, entity, schema.ActionRead, rec)
	if !decision.Allowed() {
		return nil, entityerr.New(entityerr.CodeUnauthorized, "unauthorized").WithDetails(decision.Reason)
	}
	allowed := s.policyAuthz.AllowedFields(rc, schema.ActionRead, entity, rec)
	return filterReadFields(allowed, rec), nil
}

// Query runs a validated, paged read against entity (spec §4.C13 step 4).
func (s *Service) Query(ctx context.Context, rc reqctx.RequestContext, entity string, q Query) (res QueryResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "dataservice.Query", attribute.String("entity", entity))
	defer tracing.End(span, &err)

	model, err := s.ir(entity)
	if err != nil {
		return QueryResult{}, err
	}
	if err := ValidateQuery(q, model, s.queryLimits); err != nil {
		return QueryResult{}, err
	}
	decision := s.authorize(ctx, rc, entity, schema.ActionRead, nil)
	if !decision.Allowed() {
		return QueryResult{}, entityerr.New(entityerr.CodeUnauthorized, "unauthorized").WithDetails(decision.Reason)
	}
	allowed := s.policyAuthz.AllowedFields(rc, schema.ActionRead, entity, nil)

	recs, total, err := s.persister.Query(ctx, s.db, model, rc.TenantID, q)
	if err != nil {
		return QueryResult{}, err
	}
	filtered := make([]Record, len(recs))
	for i, r := range recs {
		filtered[i] = filterReadFields(allowed, r)
	}
	page, pageSize := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return QueryResult{Records: filtered, TotalCount: total, Page: page, PageSize: pageSize}, nil
}

// Update applies an optimistic-locked patch to entity/id (spec §4.C13
// "Update"), re-running field-write enforcement and validation against the
// existing record.
func (s *Service) Update(ctx context.Context, rc reqctx.RequestContext, entity, id string, expectedVersion int, patch Record) (row Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "dataservice.Update", attribute.String("entity", entity), attribute.String("id", id))
	defer tracing.End(span, &err)

	model, err := s.ir(entity)
	if err != nil {
		return nil, err
	}
	existing, found, err := s.persister.SelectByID(ctx, s.db, model, rc.TenantID, id, false)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, entityerr.NotFound
	}

	patch = stripReserved(patch)
	decision := s.authorize(ctx, rc, entity, schema.ActionUpdate, existing)
	if !decision.Allowed() {
		return nil, entityerr.New(entityerr.CodeUnauthorized, "unauthorized").WithDetails(decision.Reason)
	}
	allowed := s.policyAuthz.AllowedFields(rc, schema.ActionUpdate, entity, existing)
	if err := enforceFieldWrite(allowed, patch); err != nil {
		return nil, err
	}

	merged := make(Record, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	rules, err := s.rules(ctx, entity, model.Version)
	if err != nil {
		return nil, err
	}
	result, err := validation.Evaluate(ctx, validation.Input{
		Entity: entity, Rules: rules, Data: merged, ExistingRecord: existing, Trigger: validation.TriggerUpdate,
		Phase: validation.PhaseBeforePersist, Ctx: rc, Lookups: s.lookups(rc.TenantID),
	})
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		return nil, validationFailure(result)
	}

	now := s.now()
	patch["updated_at"] = now
	patch["updated_by"] = rc.UserID

	err = s.db.WithTx(ctx, func(tx sqlstore.Tx) error {
		if err := s.persister.Update(ctx, tx, model, rc.TenantID, id, expectedVersion, patch); err != nil {
			return err
		}
		return s.enqueueAudit(ctx, tx, rc.TenantID, "entity.updated", map[string]any{"entity": entity, "id": id, "patch": patch})
	})
	if err != nil {
		return nil, err
	}

	for k, v := range patch {
		merged[k] = v
	}
	merged["version"] = expectedVersion + 1
	return merged, nil
}

// Delete soft-deletes entity/id together with its computed cascade plan
// (spec §4.C13 "Delete"/"Cascade").
func (s *Service) Delete(ctx context.Context, rc reqctx.RequestContext, entity, id string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "dataservice.Delete", attribute.String("entity", entity), attribute.String("id", id))
	defer tracing.End(span, &err)

	model, err := s.ir(entity)
	if err != nil {
		return err
	}
	existing, found, err := s.persister.SelectByID(ctx, s.db, model, rc.TenantID, id, false)
	if err != nil {
		return err
	}
	if !found {
		return entityerr.NotFound
	}
	decision := s.authorize(ctx, rc, entity, schema.ActionDelete, existing)
	if !decision.Allowed() {
		return entityerr.New(entityerr.CodeUnauthorized, "unauthorized").WithDetails(decision.Reason)
	}
	return s.executeCascadeDelete(ctx, entity, id, rc.TenantID, rc.UserID)
}

// Transition runs a lifecycle operation on entity/id (spec §4.C9
// "Transition"), validating beforeTransition-phase rules against the
// current record before delegating the gated state machine to the
// Lifecycle Manager.
func (s *Service) Transition(ctx context.Context, rc reqctx.RequestContext, entity, id, operationCode string, payload Record) (result lifecycle.Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "dataservice.Transition", attribute.String("entity", entity), attribute.String("operation_code", operationCode))
	defer tracing.End(span, &err)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metric.ObserveTransition(entity, outcome)
	}()

	if s.lifecycleMgr == nil {
		return lifecycle.Result{}, entityerr.New(entityerr.CodeInternal, "no lifecycle manager configured for %s", entity)
	}
	model, err := s.ir(entity)
	if err != nil {
		return lifecycle.Result{}, err
	}
	row, found, err := s.persister.SelectByID(ctx, s.db, model, rc.TenantID, id, false)
	if err != nil {
		return lifecycle.Result{}, err
	}
	if !found {
		return lifecycle.Result{}, entityerr.NotFound
	}

	rules, err := s.rules(ctx, entity, model.Version)
	if err != nil {
		return lifecycle.Result{}, err
	}
	vr, err := validation.Evaluate(ctx, validation.Input{
		Entity: entity, Rules: rules, Data: payload, ExistingRecord: row, Trigger: validation.TriggerTransition,
		Phase: validation.PhaseBeforeTransition, Ctx: rc, Lookups: s.lookups(rc.TenantID),
	})
	if err != nil {
		return lifecycle.Result{}, err
	}
	if !vr.Valid() {
		return lifecycle.Result{}, validationFailure(vr)
	}

	result, err = s.lifecycleMgr.Transition(ctx, entity, id, operationCode, rc, row, payload)
	if err != nil {
		return lifecycle.Result{}, err
	}

	if auditErr := s.db.WithTx(ctx, func(tx sqlstore.Tx) error {
		return s.enqueueAudit(ctx, tx, rc.TenantID, "entity.transitioned", map[string]any{
			"entity": entity, "id": id, "operationCode": operationCode, "toState": result.NewStateCode, "eventId": result.EventID,
		})
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "dataservice: audit enqueue for transition failed", "error", auditErr, "entity", entity, "id", id)
	}
	return result, nil
}

// GetAvailableTransitions delegates to the Lifecycle Manager (spec §4.C9
// "getAvailableTransitions").
func (s *Service) GetAvailableTransitions(ctx context.Context, rc reqctx.RequestContext, entity, id string) ([]lifecycle.AvailableTransition, error) {
	if s.lifecycleMgr == nil {
		return nil, nil
	}
	model, err := s.ir(entity)
	if err != nil {
		return nil, err
	}
	row, found, err := s.persister.SelectByID(ctx, s.db, model, rc.TenantID, id, false)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, entityerr.NotFound
	}
	return s.lifecycleMgr.GetAvailableTransitions(ctx, entity, id, rc, row)
}

// ListDecisions exposes the Policy Engine's decision log for operator/audit
// tooling (SPEC_FULL "Decision log retention/query"), when the configured
// DecisionLog supports querying.
func (s *Service) ListDecisions(ctx context.Context, tenantID, resource string, since time.Time) ([]policy.LogEntry, error) {
	queryable, ok := s.decisionLog.(policy.QueryableDecisionLog)
	if !ok {
		return nil, entityerr.New(entityerr.CodeInternal, "configured decision log does not support querying")
	}
	return queryable.ListDecisions(ctx, tenantID, resource, since)
}

// ExecuteBulk runs ops against entity (spec §4.C13 "Bulk ops"): create and
// update operations share one transaction so a transaction-level (non
// validation) failure fails the whole batch, while per-item validation
// failures are recorded and skipped without aborting the others. Delete
// operations run through Delete's own cascade-scoped transaction per item,
// since a cascade tree's size is unbounded and cannot safely share a fixed
// batch transaction with sibling items.
func (s *Service) ExecuteBulk(ctx context.Context, rc reqctx.RequestContext, entity string, ops []BulkOperation) (BulkResult, error) {
	model, err := s.ir(entity)
	if err != nil {
		return BulkResult{}, err
	}

	result := BulkResult{Items: make([]BulkItemResult, len(ops))}
	var txCreatesUpdates []int
	for i, op := range ops {
		if op.Action == "delete" {
			continue
		}
		txCreatesUpdates = append(txCreatesUpdates, i)
	}

	if len(txCreatesUpdates) > 0 {
		txErr := s.db.WithTx(ctx, func(tx sqlstore.Tx) error {
			for _, i := range txCreatesUpdates {
				op := ops[i]
				switch op.Action {
				case "create":
					row, itemErr := s.createInTx(ctx, tx, rc, model, entity, op.Data)
					if itemErr != nil {
						if entityerr.CodeOf(itemErr) == entityerr.CodeValidation || entityerr.CodeOf(itemErr) == entityerr.CodeUnauthorized {
							result.Items[i] = BulkItemResult{Index: i, Success: false, Error: itemErr.Error()}
							continue
						}
						return itemErr
					}
					id, _ := row["id"].(string)
					result.Items[i] = BulkItemResult{Index: i, ID: id, Success: true}
				case "update":
					itemErr := s.updateInTx(ctx, tx, rc, model, entity, op.ID, op.Data)
					if itemErr != nil {
						if entityerr.CodeOf(itemErr) == entityerr.CodeValidation || entityerr.CodeOf(itemErr) == entityerr.CodeUnauthorized || entityerr.CodeOf(itemErr) == entityerr.CodeVersionConflict {
							result.Items[i] = BulkItemResult{Index: i, ID: op.ID, Success: false, Error: itemErr.Error()}
							continue
						}
						return itemErr
					}
					result.Items[i] = BulkItemResult{Index: i, ID: op.ID, Success: true}
				default:
					result.Items[i] = BulkItemResult{Index: i, Success: false, Error: fmt.Sprintf("unknown bulk action %q", op.Action)}
				}
			}
			return nil
		})
		if txErr != nil {
			return BulkResult{}, txErr
		}
	}

	for i, op := range ops {
		if op.Action != "delete" {
			continue
		}
		if err := s.Delete(ctx, rc, entity, op.ID); err != nil {
			result.Items[i] = BulkItemResult{Index: i, ID: op.ID, Success: false, Error: err.Error()}
			continue
		}
		result.Items[i] = BulkItemResult{Index: i, ID: op.ID, Success: true}
	}

	return result, nil
}

// createInTx is Create's body run against an already-open transaction, for
// ExecuteBulk's shared-transaction create path.
func (s *Service) createInTx(ctx context.Context, tx sqlstore.Tx, rc reqctx.RequestContext, model compiler.CompiledModel, entity string, data Record) (Record, error) {
	data = stripReserved(data)
	decision := s.authorize(ctx, rc, entity, schema.ActionCreate, data)
	if !decision.Allowed() {
		return nil, entityerr.New(entityerr.CodeUnauthorized, "unauthorized").WithDetails(decision.Reason)
	}
	allowed := s.policyAuthz.AllowedFields(rc, schema.ActionCreate, entity, data)
	if err := enforceFieldWrite(allowed, data); err != nil {
		return nil, err
	}
	rules, err := s.rules(ctx, entity, model.Version)
	if err != nil {
		return nil, err
	}
	result, err := validation.Evaluate(ctx, validation.Input{
		Entity: entity, Rules: rules, Data: data, Trigger: validation.TriggerCreate,
		Phase: validation.PhaseBeforePersist, Ctx: rc, Lookups: s.lookups(rc.TenantID),
	})
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		return nil, validationFailure(result)
	}

	now := s.now()
	id := s.newID()
	row := make(Record, len(data)+9)
	for k, v := range data {
		row[k] = v
	}
	row["id"] = id
	row["tenant_id"] = rc.TenantID
	row["created_at"] = now
	row["created_by"] = rc.UserID
	row["updated_at"] = now
	row["updated_by"] = rc.UserID
	row["version"] = 1
	if model.Metadata.EffectiveDatingEnabled() {
		if _, ok := row["effective_from"]; !ok {
			row["effective_from"] = now
		}
	}
	if model.Metadata.SequenceEnabled() && s.sequences != nil {
		seq, seqErr := s.sequences.Next(ctx, rc.TenantID, entity)
		if seqErr != nil {
			return nil, seqErr
		}
		row["sequence_number"] = seq
	}
	if err := s.persister.Insert(ctx, tx, model, row); err != nil {
		return nil, err
	}
	if err := s.enqueueAudit(ctx, tx, rc.TenantID, "entity.created", map[string]any{"entity": entity, "id": id, "data": row}); err != nil {
		return nil, err
	}
	return row, nil
}

// updateInTx is Update's body run against an already-open transaction, for
// ExecuteBulk's shared-transaction update path. Bulk update always expects
// the version currently on the row, since bulk requests carry no separate
// per-item expected-version field (SPEC_FULL "Bulk ops").
func (s *Service) updateInTx(ctx context.Context, tx sqlstore.Tx, rc reqctx.RequestContext, model compiler.CompiledModel, entity, id string, patch Record) error {
	existing, found, err := s.persister.SelectByID(ctx, tx, model, rc.TenantID, id, false)
	if err != nil {
		return err
	}
	if !found {
		return entityerr.NotFound
	}
	expectedVersion, ok := toInt(existing["version"])
	if !ok {
		return fmt.Errorf("dataservice: record %s has non-numeric version %v", id, existing["version"])
	}

	patch = stripReserved(patch)
	decision := s.authorize(ctx, rc, entity, schema.ActionUpdate, existing)
	if !decision.Allowed() {
		return entityerr.New(entityerr.CodeUnauthorized, "unauthorized").WithDetails(decision.Reason)
	}
	allowed := s.policyAuthz.AllowedFields(rc, schema.ActionUpdate, entity, existing)
	if err := enforceFieldWrite(allowed, patch); err != nil {
		return err
	}

	merged := make(Record, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	rules, err := s.rules(ctx, entity, model.Version)
	if err != nil {
		return err
	}
	result, err := validation.Evaluate(ctx, validation.Input{
		Entity: entity, Rules: rules, Data: merged, ExistingRecord: existing, Trigger: validation.TriggerUpdate,
		Phase: validation.PhaseBeforePersist, Ctx: rc, Lookups: s.lookups(rc.TenantID),
	})
	if err != nil {
		return err
	}
	if !result.Valid() {
		return validationFailure(result)
	}

	patch["updated_at"] = s.now()
	patch["updated_by"] = rc.UserID
	if err := s.persister.Update(ctx, tx, model, rc.TenantID, id, expectedVersion, patch); err != nil {
		return err
	}
	return s.enqueueAudit(ctx, tx, rc.TenantID, "entity.updated", map[string]any{"entity": entity, "id": id, "patch": patch})
}

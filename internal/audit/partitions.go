package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PartitionAdmin wraps the raw SQL helpers spec §6 names
// (`core.create_audit_partition_for_month`, `core.drop_audit_partition`,
// `core.check_audit_partition_indexes`). Kept as a narrow interface so
// PartitionManager never builds partition DDL itself, only orchestrates
// calls into it — table/column identifiers never reach this package as
// strings built from caller input.
type PartitionAdmin interface {
	CreatePartitionForMonth(ctx context.Context, month time.Time) error
	DropPartition(ctx context.Context, p Partition) error
	CheckPartitionIndexes(ctx context.Context, p Partition) (missing []string, err error)
	VacuumAnalyze(ctx context.Context, table string) error
	ExistingPartitions(ctx context.Context) ([]Partition, error)
}

// PartitionOptions configures the daily partition lifecycle run (spec
// §4.C12 "Partition lifecycle (daily)").
type PartitionOptions struct {
	LookaheadMonths int
	RetentionDays   int
	Table           string
}

func (o PartitionOptions) withDefaults() PartitionOptions {
	if o.LookaheadMonths <= 0 {
		o.LookaheadMonths = 3
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 400
	}
	if o.Table == "" {
		o.Table = "audit.audit_log"
	}
	return o
}

// PartitionManager runs the daily partition lifecycle task (spec §4.C12
// "Partition lifecycle (daily)"). Grounded on the same periodic-worker
// shape as Drainer and timer.Service.RehydrateTimers: a task invoked on a
// schedule. Index-check failures and index drift are logged; a failed
// create, list, drop or vacuum ends the run with an error.
type PartitionManager struct {
	admin  PartitionAdmin
	opts   PartitionOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewPartitionManager(admin PartitionAdmin, opts PartitionOptions, logger *slog.Logger) *PartitionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PartitionManager{admin: admin, opts: opts.withDefaults(), logger: logger, now: time.Now}
}

// Run executes the four-step daily lifecycle (spec §4.C12):
//  1. Pre-create partitions N months ahead.
//  2. Detect missing indexes per partition; log drift.
//  3. Drop partitions older than retentionDays.
//  4. VACUUM ANALYZE if any partitions were dropped.
func (m *PartitionManager) Run(ctx context.Context) error {
	now := m.now()

	for i := 0; i <= m.opts.LookaheadMonths; i++ {
		month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
		if err := m.admin.CreatePartitionForMonth(ctx, month); err != nil {
			return fmt.Errorf("audit: pre-create partition for %s: %w", month.Format("2006-01"), err)
		}
	}

	existing, err := m.admin.ExistingPartitions(ctx)
	if err != nil {
		return fmt.Errorf("audit: list existing partitions: %w", err)
	}
	for _, p := range existing {
		missing, err := m.admin.CheckPartitionIndexes(ctx, p)
		if err != nil {
			m.logger.WarnContext(ctx, "audit: index check failed", "partition", p.Name(), "error", err)
			continue
		}
		if len(missing) > 0 {
			m.logger.WarnContext(ctx, "audit: partition index drift detected", "partition", p.Name(), "missingIndexes", missing)
		}
	}

	cutoff := now.AddDate(0, 0, -m.opts.RetentionDays)
	dropped := 0
	for _, p := range existing {
		partitionStart := time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
		if partitionStart.Before(cutoff) {
			if err := m.admin.DropPartition(ctx, p); err != nil {
				return fmt.Errorf("audit: drop partition %s: %w", p.Name(), err)
			}
			m.logger.InfoContext(ctx, "audit: dropped retention-expired partition", "partition", p.Name())
			dropped++
		}
	}

	if dropped > 0 {
		if err := m.admin.VacuumAnalyze(ctx, m.opts.Table); err != nil {
			return fmt.Errorf("audit: vacuum analyze %s: %w", m.opts.Table, err)
		}
	}
	return nil
}

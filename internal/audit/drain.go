package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/entityplatform/core/internal/entityerr"
)

// LogWriter is the partitioned audit-log persistence surface the Drainer
// appends into (spec §4.C12 "Drain worker").
type LogWriter interface {
	Append(ctx context.Context, row LogRow) error
}

// DrainOptions configures one Drainer.
type DrainOptions struct {
	BatchSize     int
	LockDuration  time.Duration
	WorkerID      string
	MaxConcurrent int
}

func (o DrainOptions) withDefaults() DrainOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.WorkerID == "" {
		o.WorkerID = "drain-" + uuid.NewString()
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 8
	}
	return o
}

// Drainer periodically moves outbox rows into the durable audit log (spec
// §4.C12 "Drain worker"). Built on a dispatch-loop shape, generalized
// from a fire-and-forget in-memory fan-out to a persisted, retried,
// batch-at-a-time drain.
type Drainer struct {
	outbox Store
	log    LogWriter
	opts   DrainOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewDrainer constructs a Drainer.
func NewDrainer(outbox Store, log LogWriter, opts DrainOptions, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{outbox: outbox, log: log, opts: opts.withDefaults(), logger: logger, now: time.Now}
}

// DrainOnce picks one batch, persists each row's log entry concurrently,
// and marks outcomes: persisted on success; failed, with one more attempt
// counted, on failure; dead once attempts reach maxAttempts. A dead row
// stays in the outbox with StatusDead; DrainOnce does not add it to a
// DLQStore. It returns the number of rows persisted.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	lockedUntil := d.now().Add(d.opts.LockDuration)
	batch, err := d.outbox.Pick(ctx, d.opts.BatchSize, d.opts.WorkerID, lockedUntil)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.MaxConcurrent)

	persisted := make(chan string, len(batch))
	for _, entry := range batch {
		entry := entry
		g.Go(func() error {
			row := LogRow{
				ID: uuid.NewString(), TenantID: entry.TenantID, EventType: entry.EventType,
				Payload: entry.Payload, OccurredAt: d.now(), OutboxEntryID: entry.ID,
			}
			if err := d.log.Append(gctx, row); err != nil {
				d.handleFailure(ctx, entry, err)
				return nil // one row's failure must not abort the batch
			}
			persisted <- entry.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(persisted)

	var ids []string
	for id := range persisted {
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		if err := d.outbox.MarkPersisted(ctx, ids); err != nil {
			return 0, err
		}
	}
	if len(ids) == 0 && len(batch) > 0 {
		return 0, entityerr.New(entityerr.CodeInternal, "audit: all %d rows in batch failed to persist", len(batch))
	}
	return len(ids), nil
}

func (d *Drainer) handleFailure(ctx context.Context, entry Entry, cause error) {
	if err := d.outbox.MarkFailed(ctx, entry.ID, cause.Error()); err != nil {
		d.logger.WarnContext(ctx, "audit: failed to record outbox failure", "entryId", entry.ID, "error", err)
		return
	}
	if entry.Attempts+1 >= entry.MaxAttempts {
		if err := d.outbox.MarkDead(ctx, entry.ID); err != nil {
			d.logger.WarnContext(ctx, "audit: failed to mark exhausted outbox entry dead", "entryId", entry.ID, "error", err)
			return
		}
		d.logger.WarnContext(ctx, "audit: outbox entry marked dead after exhausting attempts", "entryId", entry.ID, "eventType", entry.EventType, "error", cause)
		return
	}
	d.logger.InfoContext(ctx, "audit: outbox entry persist failed, will retry", "entryId", entry.ID, "attempt", entry.Attempts+1, "error", cause)
}

// Run drains in a loop on interval until ctx is canceled, used by the
// background worker entrypoint (spec §5 "a periodic drain worker").
func (d *Drainer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				if entityerr.CodeOf(err) == entityerr.CodeInternal {
					d.logger.ErrorContext(ctx, "audit: drain batch failed", "error", err)
					continue
				}
				return err
			}
		}
	}
}

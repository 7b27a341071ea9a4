package audit

import (
	"context"
	"sync"
	"time"
)

// DLQStore is the dead-letter persistence surface (spec §4.C12 "DLQ for
// operator inspection"). Entries arrive only through Add: the Drainer
// marks exhausted rows dead in the outbox and does not add them here.
// Entries leave only by manual operator action (Requeue), never
// automatically.
type DLQStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, tenantID string, limit int) ([]DeadLetter, error)
	Remove(ctx context.Context, entryID string) error
}

// MemoryDLQ is an in-process DLQStore.
type MemoryDLQ struct {
	mu   sync.Mutex
	rows map[string]DeadLetter
}

func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{rows: make(map[string]DeadLetter)}
}

func (d *MemoryDLQ) Add(_ context.Context, dl DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dl.DeadAt.IsZero() {
		dl.DeadAt = time.Now()
	}
	d.rows[dl.Entry.ID] = dl
	return nil
}

func (d *MemoryDLQ) List(_ context.Context, tenantID string, limit int) ([]DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DeadLetter
	for _, dl := range d.rows {
		if tenantID != "" && dl.Entry.TenantID != tenantID {
			continue
		}
		out = append(out, dl)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *MemoryDLQ) Remove(_ context.Context, entryID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rows, entryID)
	return nil
}

// Requeue moves a dead-lettered entry back into the outbox for another
// drain attempt with a reset attempt counter, an explicit operator action
// (spec §4.C12 "operator inspection") rather than an automatic retry.
func Requeue(ctx context.Context, dlq DLQStore, outbox Store, entryID string) error {
	dls, err := dlq.List(ctx, "", 0)
	if err != nil {
		return err
	}
	for _, dl := range dls {
		if dl.Entry.ID != entryID {
			continue
		}
		entry := dl.Entry
		entry.Attempts = 0
		entry.Status = StatusPending
		entry.LastError = ""
		if err := outbox.Enqueue(ctx, entry); err != nil {
			return err
		}
		return dlq.Remove(ctx, entryID)
	}
	return nil
}

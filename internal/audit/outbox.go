package audit

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/entityplatform/core/internal/entityerr"
)

// DefaultMaxAttempts is used when a caller enqueues without specifying one.
const DefaultMaxAttempts = 5

// Writer is the write path every mutation on C9/C10/C13 calls inside its
// own business transaction (spec §4.C12 "Write path": "This guarantees:
// committed change ⇒ outbox row durable").
type Writer interface {
	Enqueue(ctx context.Context, entry Entry) error
}

// TxEnqueuer is the transaction-scoped write path: implementations insert
// the outbox row using the caller-supplied executor instead of their own
// pool connection, so the Generic Data Service (C13) can enqueue the
// outbox row on the same *sql.Tx as the business write it describes
// (spec §4.C12 "Write path": "inside the same transaction as the business
// change"). MemoryStore has no transaction concept: its EnqueueTx ignores
// the executor and calls Enqueue.
type TxEnqueuer interface {
	EnqueueTx(ctx context.Context, tx Execer, entry Entry) error
}

// Execer is the minimal write surface TxEnqueuer needs; satisfied by both
// *sql.Tx and sqlstore.DB, so tests can enqueue outside a transaction too.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the full outbox persistence contract the Drainer depends on.
type Store interface {
	Writer
	// Pick atomically selects up to batchSize pending/failed rows whose
	// lock has expired, locking them to lockedBy until lockedUntil (spec
	// §4.C12 "pick(batchSize, lockBy)").
	Pick(ctx context.Context, batchSize int, lockedBy string, lockedUntil time.Time) ([]Entry, error)
	MarkPersisted(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	MarkDead(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store, used by tests and as the reference
// implementation a SQL-backed store must match.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Entry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Entry), now: time.Now}
}

func (s *MemoryStore) Enqueue(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.MaxAttempts == 0 {
		entry.MaxAttempts = DefaultMaxAttempts
	}
	entry.Status = StatusPending
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.rows[entry.ID] = entry
	return nil
}

// EnqueueTx ignores tx: MemoryStore has no transaction isolation of its
// own, so it behaves identically to Enqueue.
func (s *MemoryStore) EnqueueTx(ctx context.Context, _ Execer, entry Entry) error {
	return s.Enqueue(ctx, entry)
}

func (s *MemoryStore) Pick(_ context.Context, batchSize int, lockedBy string, lockedUntil time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var candidates []Entry
	for _, e := range s.rows {
		if e.Status != StatusPending && e.Status != StatusFailed {
			continue
		}
		if !e.LockedUntil.IsZero() && e.LockedUntil.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}
	for _, e := range candidates {
		e.LockedBy = lockedBy
		e.LockedUntil = lockedUntil
		s.rows[e.ID] = e
	}
	return candidates, nil
}

func (s *MemoryStore) MarkPersisted(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		e, ok := s.rows[id]
		if !ok {
			continue
		}
		e.Status = StatusPersisted
		s.rows[id] = e
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return entityerr.New(entityerr.CodeNotFound, "outbox entry %s not found", id)
	}
	e.Attempts++
	e.Status = StatusFailed
	e.LastError = errMsg
	e.LockedBy = ""
	e.LockedUntil = time.Time{}
	s.rows[id] = e
	return nil
}

func (s *MemoryStore) MarkDead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return entityerr.New(entityerr.CodeNotFound, "outbox entry %s not found", id)
	}
	e.Status = StatusDead
	s.rows[id] = e
	return nil
}

// Get is a test/inspection helper, not part of Store.
func (s *MemoryStore) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	return e, ok
}

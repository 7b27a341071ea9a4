// Package ircache implements the Compiled-IR Cache (spec §4.C5): a
// two-level cache — an in-process LRU (L1) backed by a shared KV (L2) —
// keyed by (entityName, version, overlaySetHash) and content-addressed by
// the IR's inputHash.
package ircache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/entityplatform/core/internal/canon"
	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/kvcache"
)

// DefaultL1Size is the L1 entry count; spec §4.C5 requires at least 128.
const DefaultL1Size = 256

// DefaultL2TTL is the default shared-cache TTL (spec §4.C5 "default 1 hour").
const DefaultL2TTL = time.Hour

// Key identifies one cache slot.
type Key struct {
	EntityName      string
	Version         int
	OverlaySetHash  string
}

// String renders the L1/L2 key string.
func (k Key) String() string {
	suffix := k.OverlaySetHash
	if suffix == "" {
		suffix = "-"
	}
	return fmt.Sprintf("ir:%s:%d:%s", k.EntityName, k.Version, suffix)
}

// OverlaySetHash derives the overlay-hash suffix for a Key from an ordered
// overlay id list (spec §4.C5 "overlay hash suffix").
func OverlaySetHash(overlaySet []string) string {
	if len(overlaySet) == 0 {
		return ""
	}
	return canon.MustHash(overlaySet)
}

// Cache is the two-tier Compiled-IR Cache.
type Cache struct {
	l1     *lru.Cache[string, compiler.CompiledModel]
	l2     kvcache.KV
	l2TTL  time.Duration
	logger *slog.Logger
}

// New constructs a Cache. l2 may be nil to run L1-only (e.g. in tests).
func New(l2 kvcache.KV, logger *slog.Logger) (*Cache, error) {
	l1, err := lru.New[string, compiler.CompiledModel](DefaultL1Size)
	if err != nil {
		return nil, fmt.Errorf("ircache: new L1: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{l1: l1, l2: l2, l2TTL: DefaultL2TTL, logger: logger}, nil
}

// Get returns the cached IR for key. It checks L1 first, then L2
// (populating L1 on a hit). L2 read failures degrade to a miss rather than
// propagating (spec §4.C5 "L2 read failures degrade to recompile").
func (c *Cache) Get(ctx context.Context, key Key) (compiler.CompiledModel, bool) {
	k := key.String()
	if m, ok := c.l1.Get(k); ok {
		return m.Clone(), true
	}
	if c.l2 == nil {
		return compiler.CompiledModel{}, false
	}
	raw, ok, err := c.l2.Get(ctx, k)
	if err != nil {
		c.logger.WarnContext(ctx, "ircache: L2 read failed, degrading to miss", "key", k, "error", err)
		return compiler.CompiledModel{}, false
	}
	if !ok {
		return compiler.CompiledModel{}, false
	}
	var m compiler.CompiledModel
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		// Corrupt L2 entry: per spec §4.C4 "Cache corruption → delete entry
		// and recompile", drop it and report a miss.
		c.logger.WarnContext(ctx, "ircache: L2 entry corrupt, evicting", "key", k, "error", err)
		_ = c.l2.Del(ctx, k)
		return compiler.CompiledModel{}, false
	}
	c.l1.Add(k, m)
	return m.Clone(), true
}

// Put writes an IR into both tiers. Writing the same inputHash twice is a
// no-op at the same key (idempotent); writing a *different* inputHash at
// the same key indicates the caller built the key from a stale overlay
// hash and is treated as corruption, not overwritten silently, because
// spec §4.C5 guarantees "a write never replaces an entry at the same
// inputHash with different bytes" — only an explicit Invalidate may free
// the key for a new value.
func (c *Cache) Put(ctx context.Context, key Key, model compiler.CompiledModel) error {
	k := key.String()
	if existing, ok := c.l1.Get(k); ok {
		if existing.InputHash != model.InputHash {
			return fmt.Errorf("ircache: key %s already holds inputHash %s, refusing to overwrite with %s without Invalidate",
				k, existing.InputHash, model.InputHash)
		}
		return nil
	}
	if c.l2 != nil {
		if raw, ok, err := c.l2.Get(ctx, k); err == nil && ok {
			var stored compiler.CompiledModel
			if json.Unmarshal([]byte(raw), &stored) == nil && stored.InputHash != model.InputHash {
				return fmt.Errorf("ircache: key %s already holds inputHash %s in L2, refusing to overwrite with %s without Invalidate",
					k, stored.InputHash, model.InputHash)
			}
		}
	}

	c.l1.Add(k, model.Clone())
	if c.l2 == nil {
		return nil
	}
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("ircache: marshal for L2: %w", err)
	}
	if err := c.l2.SetEX(ctx, k, string(data), c.l2TTL); err != nil {
		// L2 is supplementary; a write failure there does not fail the
		// overall Put, matching the "degrade, never propagate" posture
		// spec §4.C5 takes on the read side.
		c.logger.WarnContext(ctx, "ircache: L2 write failed", "key", k, "error", err)
	}
	return nil
}

// Invalidate removes key from both tiers (spec §4.C5 "Invalidation is
// explicit ... and cascades L1→L2").
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	k := key.String()
	c.l1.Remove(k)
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Del(ctx, k); err != nil {
		return fmt.Errorf("ircache: invalidate L2: %w", err)
	}
	return nil
}

// InvalidateEntity removes every cached version/overlay combination for an
// entity, used when a new schema version is published for it.
func (c *Cache) InvalidateEntity(ctx context.Context, entityName string) error {
	c.l1.Purge() // L1 has no pattern-scan; a full purge is cheap and correct.
	if c.l2 == nil {
		return nil
	}
	keys, err := c.l2.Keys(ctx, fmt.Sprintf("ir:%s:*", entityName))
	if err != nil {
		return fmt.Errorf("ircache: list L2 keys for %s: %w", entityName, err)
	}
	for _, k := range keys {
		if err := c.l2.Del(ctx, k); err != nil {
			return fmt.Errorf("ircache: invalidate L2 key %s: %w", k, err)
		}
	}
	return nil
}

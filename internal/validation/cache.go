package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/entityplatform/core/internal/kvcache"
)

// graphKey identifies one entity's compiled rule graph (spec §4.C7
// "Compiled rule graph cached L1+L2 keyed by (entity, version)").
type graphKey struct {
	Entity  string
	Version int
}

func (k graphKey) String() string {
	return fmt.Sprintf("valrules:%s:%d", k.Entity, k.Version)
}

// cacheDefaultTTL mirrors the ircache L2 default; the rule graph changes at
// the same cadence as the Compiled Model IR it is derived from.
const cacheDefaultTTL = time.Hour

// RuleGraphCache is a two-tier cache for compiled per-entity rule graphs,
// structured like internal/ircache.Cache (L1 LRU + L2 KV) since both caches
// share the same (entity, version) content-addressing shape.
type RuleGraphCache struct {
	l1     *lru.Cache[string, []Rule]
	l2     kvcache.KV
	logger *slog.Logger
}

// NewRuleGraphCache constructs a cache with at least 128 L1 entries (spec
// §4.C5 sizing carried over to C7's graph cache). l2 may be nil to run
// L1-only.
func NewRuleGraphCache(size int, l2 kvcache.KV, logger *slog.Logger) (*RuleGraphCache, error) {
	if size < 128 {
		size = 128
	}
	l1, err := lru.New[string, []Rule](size)
	if err != nil {
		return nil, fmt.Errorf("validation: new rule graph L1: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleGraphCache{l1: l1, l2: l2, logger: logger}, nil
}

// Get returns the cached rule graph for (entity, version), degrading any
// L2 failure to a miss.
func (c *RuleGraphCache) Get(ctx context.Context, entity string, version int) ([]Rule, bool) {
	key := graphKey{entity, version}.String()
	if rules, ok := c.l1.Get(key); ok {
		return rules, true
	}
	if c.l2 == nil {
		return nil, false
	}
	raw, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "validation: rule graph L2 read failed, degrading to miss", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		c.logger.WarnContext(ctx, "validation: rule graph L2 entry corrupt, evicting", "key", key, "error", err)
		_ = c.l2.Del(ctx, key)
		return nil, false
	}
	c.l1.Add(key, rules)
	return rules, true
}

// Put writes the rule graph into both tiers.
func (c *RuleGraphCache) Put(ctx context.Context, entity string, version int, rules []Rule) error {
	key := graphKey{entity, version}.String()
	c.l1.Add(key, rules)
	if c.l2 == nil {
		return nil
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("validation: marshal rule graph for L2: %w", err)
	}
	if err := c.l2.SetEX(ctx, key, string(data), cacheDefaultTTL); err != nil {
		c.logger.WarnContext(ctx, "validation: rule graph L2 write failed", "key", key, "error", err)
	}
	return nil
}

// Invalidate drops (entity, version) from both tiers, e.g. on republish.
func (c *RuleGraphCache) Invalidate(ctx context.Context, entity string, version int) error {
	key := graphKey{entity, version}.String()
	c.l1.Remove(key)
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Del(ctx, key); err != nil {
		return fmt.Errorf("validation: invalidate rule graph L2: %w", err)
	}
	return nil
}

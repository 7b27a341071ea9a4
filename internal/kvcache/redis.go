package kvcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/entityplatform/core/internal/resilience"
)

// Redis is the production KV capability implementation, backing the C5 L2
// cache and the C11 delayed-job queue's scheduling index.
type Redis struct {
	client  *redis.Client
	breaker *resilience.Breaker
}

// RedisOptions mirrors the subset of redis.Options this module depends on.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis constructs a Redis-backed KV, wrapped with a circuit breaker
// per SPEC_FULL's AMBIENT STACK resilience section so a flapping Redis
// degrades calls instead of stalling every L2 lookup.
func NewRedis(opts RedisOptions) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		breaker: resilience.New("kvcache", resilience.Settings{}),
	}
}

// Client exposes the underlying *redis.Client for internal/jobqueue, which
// needs sorted-set primitives beyond the KV interface.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		val string
		ok  bool
	}
	res, err := resilience.Do(r.breaker, ctx, func(ctx context.Context) (result, error) {
		val, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{val: val, ok: true}, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("kvcache: redis get %q: %w", key, err)
	}
	return res.val, res.ok, nil
}

func (r *Redis) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	err := resilience.DoVoid(r.breaker, ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("kvcache: redis setex %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	err := resilience.DoVoid(r.breaker, ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("kvcache: redis del %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := resilience.Do(r.breaker, ctx, func(ctx context.Context) ([]string, error) {
		return r.client.Keys(ctx, pattern).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("kvcache: redis keys %q: %w", pattern, err)
	}
	return keys, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	err := resilience.DoVoid(r.breaker, ctx, func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("kvcache: redis ping: %w", err)
	}
	return nil
}

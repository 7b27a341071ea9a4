package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/entityplatform/core/internal/resilience"
)

// Redis is the production Queue implementation: a per-queue sorted set
// keyed by ready-unix-time indexes job ids into a hash of JSON payloads.
// The payload uses a request/response envelope shape; the ready-time
// sorted set is the standard Redis delayed-queue pattern.
type Redis struct {
	client  *redis.Client
	prefix  string
	breaker *resilience.Breaker
}

// NewRedis constructs a Redis-backed Queue sharing client with the
// internal/kvcache L2 cache connection, wrapped with a circuit breaker
// per SPEC_FULL's AMBIENT STACK resilience section.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "jobqueue"
	}
	return &Redis{client: client, prefix: prefix, breaker: resilience.New("jobqueue", resilience.Settings{})}
}

func (r *Redis) readyKey(queueName string) string { return fmt.Sprintf("%s:%s:ready", r.prefix, queueName) }
func (r *Redis) dataKey(queueName string) string  { return fmt.Sprintf("%s:%s:data", r.prefix, queueName) }

func (r *Redis) Add(ctx context.Context, queueName string, payload map[string]any, opts AddOptions) (string, error) {
	id := uuid.NewString()
	job := Job{ID: id, Queue: queueName, Payload: payload, Attempts: opts.Attempts}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("jobqueue: marshal job: %w", err)
	}
	r.registerQueue(ctx, queueName)
	readyAt := time.Now().Add(opts.Delay)
	err = resilience.DoVoid(r.breaker, ctx, func(ctx context.Context) error {
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.dataKey(queueName), id, data)
		pipe.ZAdd(ctx, r.readyKey(queueName), redis.Z{Score: float64(readyAt.Unix()), Member: id})
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("jobqueue: add to %s: %w", queueName, err)
	}
	return id, nil
}

// RemoveJob removes a job from every queue's ready index and data hash.
// The queue name isn't tracked by id alone, so this scans the small,
// bounded set of registered queue names the caller configured (spec §6
// "removeJob(id)" carries no queue argument).
func (r *Redis) RemoveJob(ctx context.Context, id string) error {
	queues, err := r.client.SMembers(ctx, r.prefix+":queues").Result()
	if err != nil {
		return fmt.Errorf("jobqueue: list queues: %w", err)
	}
	for _, q := range queues {
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, r.readyKey(q), id)
		pipe.HDel(ctx, r.dataKey(q), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("jobqueue: remove job %s from %s: %w", id, q, err)
		}
	}
	return nil
}

func (r *Redis) registerQueue(ctx context.Context, queueName string) {
	r.client.SAdd(ctx, r.prefix+":queues", queueName)
}

func (r *Redis) PopReady(ctx context.Context, queueName string, limit int) ([]Job, error) {
	now := float64(time.Now().Unix())
	ids, err := r.client.ZRangeByScore(ctx, r.readyKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Offset: 0, Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("jobqueue: pop ready from %s: %w", queueName, err)
	}
	var out []Job
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.readyKey(queueName), id).Result()
		if err != nil || removed == 0 {
			// Another worker claimed it first; at-least-once, not
			// exactly-once, so skip rather than double-claim.
			continue
		}
		raw, err := r.client.HGet(ctx, r.dataKey(queueName), id).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		r.client.HDel(ctx, r.dataKey(queueName), id)
		out = append(out, job)
	}
	return out, nil
}

func (r *Redis) Repeat(ctx context.Context, queueName string, interval time.Duration, payload map[string]any) error {
	r.registerQueue(ctx, queueName)
	_, err := r.Add(ctx, queueName, payload, AddOptions{Delay: interval, Attempts: 1})
	return err
}

// Package jobqueue implements the delayed job queue capability (spec §6
// "Delayed job queue (consumed)"): add(payload, {delay, attempts}) returns
// {id}; removeJob(id); periodic repeat for drain and partition-lifecycle.
// Uses a request/response envelope style for job payloads, backed by the
// same redis/go-redis/v9 connection internal/kvcache uses for the L2
// cache, via a sorted-set ready-time index.
package jobqueue

import (
	"context"
	"time"
)

// Job is one unit of work popped off a queue for processing.
type Job struct {
	ID       string
	Queue    string
	Payload  map[string]any
	Attempts int
}

// AddOptions configures a scheduled job (spec §6 "{delay, attempts}").
type AddOptions struct {
	Delay    time.Duration
	Attempts int
}

// Queue is the delayed job queue capability (spec §6).
type Queue interface {
	// Add enqueues payload onto queueName, ready after opts.Delay, and
	// returns the job id.
	Add(ctx context.Context, queueName string, payload map[string]any, opts AddOptions) (string, error)
	// RemoveJob cancels a not-yet-popped job by id. Removing an unknown or
	// already-popped job is not an error (spec §4.C11 "Cancel").
	RemoveJob(ctx context.Context, id string) error
	// PopReady claims up to limit jobs from queueName whose ready time has
	// passed, removing them from the ready index so a worker loop can
	// process them at-least-once.
	PopReady(ctx context.Context, queueName string, limit int) ([]Job, error)
	// Repeat adds one job to queueName, ready after interval. Neither
	// implementation re-adds the job after PopReady returns it, so each
	// call yields a single occurrence.
	Repeat(ctx context.Context, queueName string, interval time.Duration, payload map[string]any) error
}

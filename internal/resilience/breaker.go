// Package resilience wraps calls to the external capabilities named in
// spec §6 (SQL, KV cache, job queue) with a circuit breaker, so a
// misbehaving dependency trips open instead of stalling every request
// that touches it. Grounded on sony/gobreaker appearing in both the
// teacher's go.mod (indirect) and jordigilh-kubernaut's direct use
// wrapping its own external calls; this module promotes it to a direct,
// actively-used dependency per SPEC_FULL's AMBIENT STACK.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned (wrapping gobreaker's own sentinel) when a
// call is rejected because the breaker for that capability is open.
var ErrBreakerOpen = gobreaker.ErrOpenState

// Breaker wraps one external capability (sqlstore, kvcache, jobqueue)
// with a named circuit breaker. The zero value is not usable; construct
// with New.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// Settings configures a Breaker. Zero values fall back to the defaults
// below, tuned for a request-serving capability rather than a batch job.
type Settings struct {
	// MaxRequests is the number of requests allowed through while
	// half-open before the breaker decides to close again.
	MaxRequests uint32
	// Interval is how often the closed-state failure counts reset to
	// zero. Zero disables the periodic reset (counts only clear on a
	// state transition).
	Interval time.Duration
	// Timeout is how long the breaker stays open before moving to
	// half-open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker open once this many calls in
	// a row have failed.
	ConsecutiveFailures uint32
}

func (s Settings) withDefaults() Settings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	return s
}

// New constructs a named Breaker for one external capability, e.g.
// "sqlstore", "kvcache", "jobqueue".
func New(name string, settings Settings) *Breaker {
	s := settings.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("resilience: breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
	return &Breaker{name: name, cb: cb}
}

// Name returns the capability name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Do runs fn through the breaker. A deadline already present on ctx is
// respected by fn itself (spec §5 "All I/O operations accept a deadline
// from the request context"); the breaker adds failure-rate protection
// on top, it does not impose its own timeout.
func Do[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	result, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, err
		}
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

// DoVoid is Do for capability calls with no return value beyond error.
func DoVoid(b *Breaker, ctx context.Context, fn func(context.Context) error) error {
	_, err := Do[struct{}](b, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

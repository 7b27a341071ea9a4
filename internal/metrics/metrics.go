// Package metrics exposes Prometheus collectors for the engines named in
// SPEC_FULL's AMBIENT STACK: outbox depth, timer fire latency, compile
// cache hit rate, policy decisions and lifecycle transitions. Grounded in
// jordigilh-kubernaut's one-collector-struct-per-subsystem convention
// (its pkg/metrics, pkg/infrastructure/metrics, pkg/datastorage/metrics
// packages each bundle a subsystem's counters/histograms behind a single
// registrar), adapted here to one struct for the whole module since the
// entity platform core is a single binary, not kubernaut's multi-service
// layout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric this module emits. Construct once per
// process with New and pass the *Collectors down to the engines that
// need it; a nil *Collectors is valid everywhere it's accepted and simply
// records nothing, so tests and CLI one-shots never need a registry.
type Collectors struct {
	CompileTotal         *prometheus.CounterVec
	CompileCacheHits     *prometheus.CounterVec
	CompileCacheMisses   *prometheus.CounterVec
	PolicyDecisions      *prometheus.CounterVec
	LifecycleTransitions *prometheus.CounterVec
	ApprovalDecisions    *prometheus.CounterVec
	OutboxPendingDepth   prometheus.Gauge
	OutboxDeadLetters    prometheus.Counter
	TimerFireLatency     prometheus.Histogram
	DrainBatchDuration   prometheus.Histogram
}

// New constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test packages.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		CompileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityplatform",
			Subsystem: "compiler",
			Name:      "compile_total",
			Help:      "Schema compilations, labeled by entity and outcome.",
		}, []string{"entity", "outcome"}),
		CompileCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityplatform",
			Subsystem: "ircache",
			Name:      "hits_total",
			Help:      "Compiled-IR cache hits by tier (l1/l2).",
		}, []string{"tier"}),
		CompileCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityplatform",
			Subsystem: "ircache",
			Name:      "misses_total",
			Help:      "Compiled-IR cache misses by tier (l1/l2).",
		}, []string{"tier"}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityplatform",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy decisions by resource and effect (allow/deny).",
		}, []string{"resource", "effect"}),
		LifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityplatform",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by entity and outcome (ok/error).",
		}, []string{"entity", "outcome"}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "entityplatform",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval task decisions by outcome (approve/reject).",
		}, []string{"outcome"}),
		OutboxPendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "entityplatform",
			Subsystem: "audit",
			Name:      "outbox_pending_depth",
			Help:      "Outbox rows currently pending or failed, awaiting drain.",
		}),
		OutboxDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entityplatform",
			Subsystem: "audit",
			Name:      "outbox_dead_letters_total",
			Help:      "Outbox rows marked dead after exhausting maxAttempts.",
		}),
		TimerFireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "entityplatform",
			Subsystem: "timer",
			Name:      "fire_latency_seconds",
			Help:      "Delay between a timer's fireAt and ProcessTimer actually running.",
			Buckets:   prometheus.DefBuckets,
		}),
		DrainBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "entityplatform",
			Subsystem: "audit",
			Name:      "drain_batch_duration_seconds",
			Help:      "Wall-clock duration of one DrainOnce batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		c.CompileTotal, c.CompileCacheHits, c.CompileCacheMisses,
		c.PolicyDecisions, c.LifecycleTransitions, c.ApprovalDecisions,
		c.OutboxPendingDepth, c.OutboxDeadLetters, c.TimerFireLatency, c.DrainBatchDuration,
	)
	return c
}

// ObserveCompile records the outcome of one C4 compile call.
func (c *Collectors) ObserveCompile(entity string, ok bool) {
	if c == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	c.CompileTotal.WithLabelValues(entity, outcome).Inc()
}

// ObserveCacheHit records an L1 or L2 Compiled-IR Cache hit.
func (c *Collectors) ObserveCacheHit(tier string) {
	if c == nil {
		return
	}
	c.CompileCacheHits.WithLabelValues(tier).Inc()
}

// ObserveCacheMiss records an L1 or L2 Compiled-IR Cache miss.
func (c *Collectors) ObserveCacheMiss(tier string) {
	if c == nil {
		return
	}
	c.CompileCacheMisses.WithLabelValues(tier).Inc()
}

// ObservePolicyDecision records one C6 Authorize outcome.
func (c *Collectors) ObservePolicyDecision(resource, effect string) {
	if c == nil {
		return
	}
	c.PolicyDecisions.WithLabelValues(resource, effect).Inc()
}

// ObserveTransition records one C9 transition attempt's outcome.
func (c *Collectors) ObserveTransition(entity, outcome string) {
	if c == nil {
		return
	}
	c.LifecycleTransitions.WithLabelValues(entity, outcome).Inc()
}

// ObserveApprovalDecision records one C10 task decision.
func (c *Collectors) ObserveApprovalDecision(outcome string) {
	if c == nil {
		return
	}
	c.ApprovalDecisions.WithLabelValues(outcome).Inc()
}

// SetOutboxPendingDepth reports the current C12 outbox backlog size.
func (c *Collectors) SetOutboxPendingDepth(n int) {
	if c == nil {
		return
	}
	c.OutboxPendingDepth.Set(float64(n))
}

// IncDeadLetters records outbox rows marked dead.
func (c *Collectors) IncDeadLetters(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.OutboxDeadLetters.Add(float64(n))
}

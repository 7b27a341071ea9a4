package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	return testutil.ToFloat64(vec.WithLabelValues(labels...))
}

func TestNilCollectorsAreNoOps(t *testing.T) {
	var c *Collectors
	c.ObserveCompile("Invoice", true)
	c.ObservePolicyDecision("Invoice", "allow")
	c.ObserveTransition("Invoice", "ok")
	c.ObserveApprovalDecision("approve")
	c.SetOutboxPendingDepth(3)
	c.IncDeadLetters(1)
}

func TestObserveCompile(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.ObserveCompile("Invoice", true)
	c.ObserveCompile("Invoice", false)
	require.Equal(t, 1.0, counterValue(t, c.CompileTotal, "Invoice", "ok"))
	require.Equal(t, 1.0, counterValue(t, c.CompileTotal, "Invoice", "error"))
}

func TestObservePolicyDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.ObservePolicyDecision("Invoice", "deny")
	c.ObservePolicyDecision("Invoice", "deny")
	require.Equal(t, 2.0, counterValue(t, c.PolicyDecisions, "Invoice", "deny"))
}

func TestOutboxDepthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.SetOutboxPendingDepth(7)
	require.Equal(t, 7.0, testutil.ToFloat64(c.OutboxPendingDepth))
}

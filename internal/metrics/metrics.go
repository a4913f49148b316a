// Package metrics exposes Prometheus instrumentation for the consensus
// engine. All registration goes through a caller-supplied
// prometheus.Registerer so embedding applications keep full control of
// their own /metrics endpoint; a nil Registerer yields a fully
// functional no-op.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/histogram the core emits.
type Metrics struct {
	PhaseAttempts *prometheus.CounterVec
	PutOutcomes   *prometheus.CounterVec
	GetOutcomes   *prometheus.CounterVec
	ReadRepairs   prometheus.Counter
	GetLatency    prometheus.Histogram
}

// New creates and registers the metric set against reg. A nil reg is
// accepted and produces unregistered (but otherwise functional)
// collectors, which is convenient for tests and for callers that do not
// care about metrics at all.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvpaxos",
			Name:      "phase_attempts_total",
			Help:      "Per-replica Promise/Accept/Learn attempts, labeled by phase and result.",
		}, []string{"phase", "result"}),
		PutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvpaxos",
			Name:      "put_outcomes_total",
			Help:      "Put() outcomes by kind.",
		}, []string{"outcome"}),
		GetOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvpaxos",
			Name:      "get_outcomes_total",
			Help:      "Get() outcomes by kind.",
		}, []string{"outcome"}),
		ReadRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvpaxos",
			Name:      "read_repairs_total",
			Help:      "Replicas repaired during Get() read-repair.",
		}),
		GetLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kvpaxos",
			Name:      "get_latency_seconds",
			Help:      "End-to-end latency of Get(), including read-repair.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.PhaseAttempts, m.PutOutcomes, m.GetOutcomes, m.ReadRepairs, m.GetLatency} {
			_ = reg.Register(c)
		}
	}
	return m
}

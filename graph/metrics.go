package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for graph execution.
//
// Exposed series (namespace "synapse"):
//
//	inflight_runs            gauge      runs currently executing
//	node_latency_ms          histogram  per-node execution time, by graph/node/status
//	run_latency_ms           histogram  whole-run time, by graph/status
//	runs_total               counter    completed runs, by graph/status
//
// All methods are safe for concurrent use; a nil *Metrics receiver is inert
// so callers never need to guard instrumentation sites.
type Metrics struct {
	inflightRuns prometheus.Gauge
	nodeLatency  *prometheus.HistogramVec
	runLatency   *prometheus.HistogramVec
	runs         *prometheus.CounterVec
}

// NewMetrics registers the engine's metrics with the given registry.
// A nil registry uses the default global registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "synapse",
			Name:      "inflight_runs",
			Help:      "Number of graph runs currently executing",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "synapse",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"graph_id", "node_id", "status"}),
		runLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "synapse",
			Name:      "run_latency_ms",
			Help:      "Graph run duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		}, []string{"graph_id", "status"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Name:      "runs_total",
			Help:      "Completed graph runs by outcome",
		}, []string{"graph_id", "status"}),
	}
}

// RunStarted marks a run in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.inflightRuns.Inc()
}

// RunFinished marks a run no longer in flight.
func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.inflightRuns.Dec()
}

// RecordNodeLatency records one node execution.
func (m *Metrics) RecordNodeLatency(graphID, nodeID string, elapsed time.Duration, status string) {
	if m == nil {
		return
	}
	m.nodeLatency.WithLabelValues(graphID, nodeID, status).Observe(float64(elapsed.Milliseconds()))
}

// RecordRun records one completed run.
func (m *Metrics) RecordRun(graphID string, elapsed time.Duration, status string) {
	if m == nil {
		return
	}
	m.runLatency.WithLabelValues(graphID, status).Observe(float64(elapsed.Milliseconds()))
	m.runs.WithLabelValues(graphID, status).Inc()
}

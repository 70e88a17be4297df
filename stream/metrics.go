package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks streaming volume. All methods are safe on a nil receiver.
type Metrics struct {
	chunksIn  prometheus.Counter
	chunksOut prometheus.Counter
	bytesOut  prometheus.Counter
	durations prometheus.Histogram
}

// NewMetrics registers the stream metrics with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		chunksIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "chunks_received_total",
			Help:      "Raw LM chunks received by the pipeline.",
		}),
		chunksOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "chunks_yielded_total",
			Help:      "Batched chunks delivered to the shared cache.",
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "content_bytes_total",
			Help:      "Content bytes delivered to the shared cache.",
		}),
		durations: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "synapse",
			Subsystem: "stream",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time from pipeline creation to close.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ChunkReceived() {
	if m == nil {
		return
	}
	m.chunksIn.Inc()
}

func (m *Metrics) ChunkYielded(bytes int) {
	if m == nil {
		return
	}
	m.chunksOut.Inc()
	m.bytesOut.Add(float64(bytes))
}

func (m *Metrics) PipelineClosed(seconds float64) {
	if m == nil {
		return
	}
	m.durations.Observe(seconds)
}

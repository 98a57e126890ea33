// Package metrics defines the Prometheus collectors exported while a stack is
// being decomposed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "geotsdecomp"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChunksProcessed prometheus.Counter
	ChunkDuration   prometheus.Histogram
	BytesRead       *prometheus.CounterVec
	BytesWritten    *prometheus.CounterVec
	PixelsSolved    prometheus.Counter
	SolveFailures   prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_processed_total",
			Help:      "Spatial chunks decomposed and written.",
		}),
		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Wall time spent on one spatial chunk.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		BytesRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stack_read_bytes_total",
			Help:      "Uncompressed bytes read from stack datasets.",
		}, []string{"dataset"}),
		BytesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stack_written_bytes_total",
			Help:      "Uncompressed bytes written to stack datasets.",
		}, []string{"dataset"}),
		PixelsSolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_solved_total",
			Help:      "Pixels whose parameters were estimated on this rank.",
		}),
		SolveFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixel_solve_failures_total",
			Help:      "Pixels left without a solution.",
		}),
	}
}

// ObserveRead records n bytes read from dataset.
func (m *Metrics) ObserveRead(dataset string, n int) {
	if m == nil {
		return
	}
	m.BytesRead.WithLabelValues(dataset).Add(float64(n))
}

// ObserveWrite records n bytes written to dataset.
func (m *Metrics) ObserveWrite(dataset string, n int) {
	if m == nil {
		return
	}
	m.BytesWritten.WithLabelValues(dataset).Add(float64(n))
}

// ObserveChunk records a completed chunk.
func (m *Metrics) ObserveChunk(seconds float64) {
	if m == nil {
		return
	}
	m.ChunksProcessed.Inc()
	m.ChunkDuration.Observe(seconds)
}

// ObserveSolve records solved and failed pixel counts.
func (m *Metrics) ObserveSolve(solved, failed int) {
	if m == nil {
		return
	}
	m.PixelsSolved.Add(float64(solved))
	m.SolveFailures.Add(float64(failed))
}

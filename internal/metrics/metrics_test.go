package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObservations(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRead("igram", 64)
	m.ObserveRead("igram", 36)
	m.ObserveWrite("recon", 12)
	m.ObserveChunk(0.5)
	m.ObserveSolve(10, 2)

	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesRead.WithLabelValues("igram")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.BytesWritten.WithLabelValues("recon")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksProcessed))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.PixelsSolved))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SolveFailures))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRead("igram", 1)
		m.ObserveWrite("igram", 1)
		m.ObserveChunk(1)
		m.ObserveSolve(1, 1)
	})
}

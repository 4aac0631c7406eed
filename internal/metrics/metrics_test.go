package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ChunkRecorded("ACCEPTED")
	m.ChunkRecorded("ACCEPTED")
	m.ChunkRecorded("DUPLICATE")
	m.Assembled(true)
	m.Delivered("content.validation.queue", "ack")
	m.Expired()
	m.ObserveStage("validate", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.chunkOutcomes.WithLabelValues("ACCEPTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunkOutcomes.WithLabelValues("DUPLICATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assemblies.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.expirations))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "content_pipeline_chunks_total")
	assert.Contains(t, rec.Body.String(), "content_pipeline_stage_duration_seconds")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ChunkRecorded("ACCEPTED")
		m.Assembled(false)
		m.Transitioned("UPLOADED")
		m.Delivered("q", "ack")
		m.Expired()
		m.DeadLettered()
		m.ObserveStage("store", time.Now())
	})
}

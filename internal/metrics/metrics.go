// Package metrics holds the Prometheus collectors for the pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "content_pipeline"

// Metrics groups every collector the pipeline exports
type Metrics struct {
	chunkOutcomes *prometheus.CounterVec
	assemblies    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	expirations   prometheus.Counter
	deadLetters   prometheus.Counter
	stageDuration *prometheus.HistogramVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		chunkOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks recorded, by outcome.",
		}, []string{"outcome"}),
		assemblies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assemblies_total",
			Help:      "Assembly attempts, by result.",
		}, []string{"result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Accepted status transitions, by target status.",
		}, []string{"status"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Bus deliveries handled, by queue and disposition.",
		}, []string{"queue", "disposition"}),
		expirations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembly_timeouts_total",
			Help:      "Incomplete uploads expired by the sweeper.",
		}),
		deadLetters: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages recorded from the dead-letter queue.",
		}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

func (m *Metrics) ChunkRecorded(outcome string) {
	if m == nil {
		return
	}
	m.chunkOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Assembled(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.assemblies.WithLabelValues(result).Inc()
}

func (m *Metrics) Transitioned(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Delivered(queue, disposition string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, disposition).Inc()
}

func (m *Metrics) Expired() {
	if m == nil {
		return
	}
	m.expirations.Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

// ObserveStage records the time since start for stage
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Handler serves the collectors gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

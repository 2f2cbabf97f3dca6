// Package metrics provides Prometheus metrics for the patient-flow board.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ReadingsAppended     *prometheus.CounterVec
	EventsAppended       *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter
	PhaseTransitions     *prometheus.CounterVec
	CacheWrites          *prometheus.CounterVec
	CacheFlushDuration   *prometheus.HistogramVec
	IngestMessages       *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ReadingsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edflow_readings_appended_total",
			Help: "Vital readings appended, by computed band",
		}, []string{"band"}),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edflow_events_appended_total",
			Help: "Clinical events appended, by kind",
		}, []string{"kind"}),
		DuplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edflow_events_duplicate_total",
			Help: "Clinical events discarded as duplicate submissions",
		}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edflow_phase_transitions_total",
			Help: "Projected phase changes, by new phase",
		}, []string{"phase"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edflow_cache_writes_total",
			Help: "Durable cache writes, by store and result",
		}, []string{"store", "result"}),
		CacheFlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edflow_cache_flush_duration_seconds",
			Help:    "Durable cache flush duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"store"}),
		IngestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edflow_ingest_messages_total",
			Help: "Bus messages applied to the board, by topic and result",
		}, []string{"topic", "result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edflow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ReadingsAppended,
		m.EventsAppended,
		m.DuplicatesSuppressed,
		m.PhaseTransitions,
		m.CacheWrites,
		m.CacheFlushDuration,
		m.IngestMessages,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) ObserveReading(band string) {
	if m == nil {
		return
	}
	m.ReadingsAppended.WithLabelValues(band).Inc()
}

func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesSuppressed.Inc()
}

func (m *Metrics) ObservePhase(phase string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(phase).Inc()
}

// ObserveCacheWrite records one flush attempt for store.
func (m *Metrics) ObserveCacheWrite(store string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(store, result(err)).Inc()
	m.CacheFlushDuration.WithLabelValues(store).Observe(took.Seconds())
}

func (m *Metrics) ObserveIngest(topic string, err error) {
	if m == nil {
		return
	}
	m.IngestMessages.WithLabelValues(topic, result(err)).Inc()
}

// SetBreakerState records a breaker state as 0 closed, 1 open, 2 half-open.
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics gathered by g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

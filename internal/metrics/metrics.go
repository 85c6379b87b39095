package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the order lifecycle service.
type Metrics struct {
	registry *prometheus.Registry

	sagaStarted     *prometheus.CounterVec
	sagaCompleted   *prometheus.CounterVec
	sagaCompensated *prometheus.CounterVec
	sagaStepFailed  *prometheus.CounterVec
	sagaDuration    *prometheus.HistogramVec

	outboxPublished *prometheus.CounterVec
	outboxFailed    *prometheus.CounterVec
	outboxDead      prometheus.Counter
	outboxPending   prometheus.Gauge

	eventsProcessed *prometheus.CounterVec
	eventsDuplicate *prometheus.CounterVec
	handleLatency   prometheus.Histogram
}

// New creates a metrics registry and registers lifecycle metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of started sagas.",
	}, []string{"saga_type"})

	sagaCompleted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_completed_total",
		Help: "Total number of sagas that reached COMPLETED.",
	}, []string{"saga_type"})

	sagaCompensated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensated_total",
		Help: "Total number of sagas that reached COMPENSATED.",
	}, []string{"saga_type"})

	sagaStepFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_failed_total",
		Help: "Total number of failed saga steps.",
	}, []string{"saga_type", "step"})

	sagaDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Wall time from saga start to terminal status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"saga_type"})

	outboxPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Total number of outbox events published to the bus.",
	}, []string{"event_type"})

	outboxFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failed_total",
		Help: "Total number of failed outbox publish attempts.",
	}, []string{"event_type"})

	outboxDead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_dead_total",
		Help: "Total number of outbox events marked permanently failed.",
	})

	outboxPending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending",
		Help: "Current number of unpublished outbox events.",
	})

	eventsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Total number of inbound events whose side effect was applied.",
	}, []string{"event_type"})

	eventsDuplicate := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_duplicate_total",
		Help: "Total number of inbound events skipped as duplicates.",
	}, []string{"event_type", "source"})

	handleLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "event_handle_latency_seconds",
		Help:    "Latency for idempotent event handling in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	registry.MustRegister(
		sagaStarted, sagaCompleted, sagaCompensated, sagaStepFailed, sagaDuration,
		outboxPublished, outboxFailed, outboxDead, outboxPending,
		eventsProcessed, eventsDuplicate, handleLatency,
	)

	return &Metrics{
		registry:        registry,
		sagaStarted:     sagaStarted,
		sagaCompleted:   sagaCompleted,
		sagaCompensated: sagaCompensated,
		sagaStepFailed:  sagaStepFailed,
		sagaDuration:    sagaDuration,
		outboxPublished: outboxPublished,
		outboxFailed:    outboxFailed,
		outboxDead:      outboxDead,
		outboxPending:   outboxPending,
		eventsProcessed: eventsProcessed,
		eventsDuplicate: eventsDuplicate,
		handleLatency:   handleLatency,
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSagaStarted(sagaType string) {
	m.sagaStarted.WithLabelValues(sagaType).Inc()
}

func (m *Metrics) IncSagaCompleted(sagaType string) {
	m.sagaCompleted.WithLabelValues(sagaType).Inc()
}

func (m *Metrics) IncSagaCompensated(sagaType string) {
	m.sagaCompensated.WithLabelValues(sagaType).Inc()
}

func (m *Metrics) IncSagaStepFailed(sagaType, step string) {
	m.sagaStepFailed.WithLabelValues(sagaType, step).Inc()
}

func (m *Metrics) ObserveSagaDuration(sagaType string, d time.Duration) {
	m.sagaDuration.WithLabelValues(sagaType).Observe(d.Seconds())
}

func (m *Metrics) IncOutboxPublished(eventType string) {
	m.outboxPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncOutboxFailed(eventType string) {
	m.outboxFailed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncOutboxDead() {
	m.outboxDead.Inc()
}

func (m *Metrics) SetOutboxPending(n float64) {
	m.outboxPending.Set(n)
}

func (m *Metrics) IncEventsProcessed(eventType string) {
	m.eventsProcessed.WithLabelValues(eventType).Inc()
}

// IncEventsDuplicate source 标识去重来源：cache 或 ledger
func (m *Metrics) IncEventsDuplicate(eventType, source string) {
	m.eventsDuplicate.WithLabelValues(eventType, source).Inc()
}

func (m *Metrics) ObserveHandleLatency(d time.Duration) {
	m.handleLatency.Observe(d.Seconds())
}

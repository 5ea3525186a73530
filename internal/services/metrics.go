package services

import (
	"time"

	"courier/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Submissions      *prometheus.CounterVec
	QueueFailures    prometheus.Counter
	TaskDuration     prometheus.Histogram
	ExecutorAttempts *prometheus.CounterVec
	ExecutorLatency  prometheus.Histogram
	EvalOutcomes     *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	Envelopes        *prometheus.CounterVec
	Connections      prometheus.Gauge
}

// NewMetrics registers the metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_submissions_total",
			Help: "Total number of submitted requests by result",
		}, []string{"result"}), // accepted, duplicate, queue_failed

		QueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_queue_failures_total",
			Help: "Total number of submissions rejected because the queue was unavailable",
		}),

		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_task_duration_seconds",
			Help:    "End-to-end eval loop duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),

		ExecutorAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_executor_attempts_total",
			Help: "Total number of executor calls by result",
		}, []string{"result"}),

		// up to 2 minutes for LLM responses
		ExecutorLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_executor_duration_seconds",
			Help:    "Executor call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		EvalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_eval_outcomes_total",
			Help: "Total number of eval loop outcomes",
		}, []string{"outcome"}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Total number of results marked delivered by path",
		}, []string{"path"}), // push, poll, ack, fetch, replay

		Envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_relay_envelopes_total",
			Help: "Total number of relay envelopes by channel, direction and type",
		}, []string{"channel", "direction", "type"}),

		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courier_connections_active",
			Help: "Number of live client connections on this instance",
		}),
	}
}

// RecordSubmission records a submit result
func (m *Metrics) RecordSubmission(result string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(result).Inc()
	if result == "queue_failed" {
		m.QueueFailures.Inc()
	}
}

// ObserveAttempt records one executor call
func (m *Metrics) ObserveAttempt(success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.ExecutorAttempts.WithLabelValues(result).Inc()
	m.ExecutorLatency.Observe(d.Seconds())
}

// ObserveOutcome records the terminal outcome of an eval loop run
func (m *Metrics) ObserveOutcome(outcome models.EvalOutcome, d time.Duration) {
	if m == nil {
		return
	}
	m.EvalOutcomes.WithLabelValues(string(outcome)).Inc()
	m.TaskDuration.Observe(d.Seconds())
}

// RecordDelivery records results marked delivered
func (m *Metrics) RecordDelivery(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Deliveries.WithLabelValues(path).Add(float64(n))
}

// ObserveEnvelope records a relay envelope
func (m *Metrics) ObserveEnvelope(channel, direction string, t models.EnvelopeType) {
	if m == nil {
		return
	}
	m.Envelopes.WithLabelValues(channel, direction, string(t)).Inc()
}

// RecordConnect records a new client connection
func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// RecordDisconnect records a client disconnection
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

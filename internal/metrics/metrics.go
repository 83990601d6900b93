// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ocds_cache"

// Outcomes shared by the counters below.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
	OutcomeStarted = "started"
	OutcomeRetry   = "retry"
	OutcomeFatal   = "fatal"
)

// Metrics groups every collector of the service. A nil *Metrics is valid and records nothing,
// so components can be built without a registry (tests, CLI one-shots).
type Metrics struct {
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	ingestPages      *prometheus.CounterVec
	ingestRows       *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	background       *prometheus.CounterVec
	reads            *prometheus.CounterVec
	cacheAge         prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Requests sent to the upstream OCDS API by operation and outcome.",
		}, []string{"op", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of upstream OCDS API requests.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),
		ingestPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_pages_total",
			Help:      "Upstream pages processed by the reconciler by mode and outcome.",
		}, []string{"mode", "outcome"}),
		ingestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_total",
			Help:      "Release rows handled by the reconciler by mode and result.",
		}, []string{"mode", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_state_transitions_total",
			Help:      "Reconciler state machine transitions by mode and entered state.",
		}, []string{"mode", "state"}),
		background: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Fire-and-forget refresh tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Read requests by kind (list/detail) and the source that served them.",
		}, []string{"kind", "source"}),
		cacheAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_age_seconds",
			Help:      "Seconds since the most recent cache write, as seen by the last list read.",
		}),
	}
	reg.MustRegister(
		m.upstreamRequests,
		m.upstreamDuration,
		m.ingestPages,
		m.ingestRows,
		m.transitions,
		m.background,
		m.reads,
		m.cacheAge,
	)
	return m
}

func (m *Metrics) ObserveUpstream(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(op, outcome).Inc()
	m.upstreamDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) IncPage(mode, outcome string) {
	if m == nil {
		return
	}
	m.ingestPages.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) AddRows(mode, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestRows.WithLabelValues(mode, result).Add(float64(n))
}

func (m *Metrics) IncTransition(mode, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(mode, state).Inc()
}

func (m *Metrics) IncBackground(kind, outcome string) {
	if m == nil {
		return
	}
	m.background.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) IncRead(kind, source string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) SetCacheAge(age time.Duration) {
	if m == nil {
		return
	}
	m.cacheAge.Set(age.Seconds())
}

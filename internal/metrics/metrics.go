// Package metrics exposes Prometheus collectors and the in-memory
// request statistics backing the admin surface.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Circuit state gauge values.
const (
	CircuitClosed   = 0
	CircuitOpen     = 1
	CircuitHalfOpen = 2
)

// Metrics holds Prometheus metrics for the gateway resilience core.
type Metrics struct {
	SagaOutcomes      *prometheus.CounterVec
	SagaDuration      prometheus.Histogram
	StepFailures      *prometheus.CounterVec
	CompensationRuns  *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	CircuitRejections *prometheus.CounterVec
	EventsAppended    prometheus.Counter
	EventsPruned      prometheus.Counter
	PendingEvents     prometheus.Gauge
	FlushErrors       prometheus.Counter
	gatherer          prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_outcomes_total",
			Help: "Terminal saga outcomes by status.",
		}, []string{"saga", "status"}),
		SagaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga duration from start to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_failures_total",
			Help: "Failed saga steps by step name.",
		}, []string{"step"}),
		CompensationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compensation_runs_total",
			Help: "Compensation executions by result.",
		}, []string{"result"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Circuit breaker state per service key (0=closed,1=open,2=half-open).",
		}, []string{"service"}),
		CircuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_rejections_total",
			Help: "Fast-failed calls per service key.",
		}, []string{"service"}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_appended_total",
			Help: "Total events appended to the event store.",
		}),
		EventsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_pruned_total",
			Help: "Total events removed by retention sweeps.",
		}),
		PendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "events_pending_flush",
			Help: "Events buffered and awaiting sink flush.",
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_flush_errors_total",
			Help: "Failed sink flush attempts.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagaOutcomes,
		m.SagaDuration,
		m.StepFailures,
		m.CompensationRuns,
		m.CircuitState,
		m.CircuitRejections,
		m.EventsAppended,
		m.EventsPruned,
		m.PendingEvents,
		m.FlushErrors,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RequestStat aggregates calls to one named operation.
type RequestStat struct {
	Count        int64         `json:"count"`
	Errors       int64         `json:"errors"`
	TotalLatency time.Duration `json:"totalLatency"`
	MaxLatency   time.Duration `json:"maxLatency"`
}

// RequestRecorder keeps per-operation request statistics for the
// admin surface. It is safe for concurrent use.
type RequestRecorder struct {
	mu    sync.Mutex
	stats map[string]*RequestStat
}

func NewRequestRecorder() *RequestRecorder {
	return &RequestRecorder{stats: make(map[string]*RequestStat)}
}

// Observe records one call of the named operation.
func (r *RequestRecorder) Observe(name string, latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[name]
	if !ok {
		s = &RequestStat{}
		r.stats[name] = s
	}
	s.Count++
	if failed {
		s.Errors++
	}
	s.TotalLatency += latency
	if latency > s.MaxLatency {
		s.MaxLatency = latency
	}
}

// Snapshot returns a copy of all request statistics.
func (r *RequestRecorder) Snapshot() map[string]RequestStat {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]RequestStat, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}

// Reset discards all recorded statistics.
func (r *RequestRecorder) Reset() {
	r.mu.Lock()
	r.stats = make(map[string]*RequestStat)
	r.mu.Unlock()
}

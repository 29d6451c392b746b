// Package metrics provides Prometheus metrics for the cohort services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-medindex/internal/domain/medstate"
)

// Metrics holds all application metrics
type Metrics struct {
	BuildsTotal           *prometheus.CounterVec
	BuildDuration         *prometheus.HistogramVec
	CohortRows            prometheus.Counter
	IssuesTotal           *prometheus.CounterVec
	PatientsExcluded      prometheus.Counter
	RunsInFlight          prometheus.Gauge
	CacheLookups          *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	registry prometheus.Gatherer
}

// New creates metrics registered on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates metrics registered on reg and exposed from gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_builds_total",
			Help: "Cohort builds by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		BuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_build_duration_seconds",
			Help:    "Cohort build duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"strategy"}),
		CohortRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cohort_rows_total",
			Help: "Total cohort rows produced",
		}),
		IssuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_issues_total",
			Help: "Data-quality issues by kind",
		}, []string{"kind"}),
		PatientsExcluded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cohort_patients_excluded_total",
			Help: "Patients excluded because none of their prescription rows decoded",
		}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_runs_in_flight",
			Help: "Cohort runs currently building",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_cache_lookups_total",
			Help: "Cohort result cache lookups by result",
		}, []string{"result"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		registry: gatherer,
	}

	reg.MustRegister(
		m.BuildsTotal,
		m.BuildDuration,
		m.CohortRows,
		m.IssuesTotal,
		m.PatientsExcluded,
		m.RunsInFlight,
		m.CacheLookups,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveBuild records one finished build. res is nil when the build failed.
// A nil Metrics records nothing.
func (m *Metrics) ObserveBuild(strategy string, started time.Time, res *medstate.Result, err error) {
	if m == nil {
		return
	}
	m.BuildDuration.WithLabelValues(strategy).Observe(time.Since(started).Seconds())
	if err != nil {
		m.BuildsTotal.WithLabelValues(strategy, "failed").Inc()
		return
	}
	m.BuildsTotal.WithLabelValues(strategy, "completed").Inc()
	if res == nil || res.Report == nil {
		return
	}
	m.CohortRows.Add(float64(res.Report.Rows))
	m.PatientsExcluded.Add(float64(len(res.Report.Excluded)))
	for kind, n := range res.Report.CountsByKind() {
		m.IssuesTotal.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// CacheHit records a cache lookup result.
func (m *Metrics) CacheHit(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted and RunFinished track runs in flight.
func (m *Metrics) RunStarted() {
	if m != nil {
		m.RunsInFlight.Inc()
	}
}

func (m *Metrics) RunFinished() {
	if m != nil {
		m.RunsInFlight.Dec()
	}
}

// BreakerState records a circuit breaker transition. code is 0 closed, 1 open, 2 half-open.
func (m *Metrics) BreakerState(name string, code float64) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(code)
	}
}

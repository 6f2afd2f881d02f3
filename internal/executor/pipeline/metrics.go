package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "runner"

// Metrics collects pipeline metrics. A nil *Metrics records nothing.
type Metrics struct {
	executionsTotal *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	cleanupFailures prometheus.Counter
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "executions_total",
				Help:      "Total number of executions by language and outcome",
			},
			[]string{"language", "outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of install, compile and run stages in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "executions_in_flight",
				Help:      "Executions currently holding an admission slot",
			},
		),
		cleanupFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "workspace_cleanup_failures_total",
				Help:      "Workspaces that could not be removed",
			},
		),
	}
}

func (m *Metrics) recordExecution(language, outcome string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(language, outcome).Inc()
}

func (m *Metrics) observeStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) admitted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) released() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) cleanupFailed() {
	if m == nil {
		return
	}
	m.cleanupFailures.Inc()
}

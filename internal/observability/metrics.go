package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionFailures *prometheus.CounterVec
	Assignments        *prometheus.CounterVec
	Escalations        prometheus.Counter
	EscalationScans    prometheus.Counter
	ScanDuration       prometheus.Histogram
	ReadySetSize       prometheus.Gauge
	ConflictRejects    prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Committed task status transitions by source and target.",
		}, []string{"from", "to"}),
		TransitionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transition_failures_total",
			Help:      "Rejected task transitions by reason.",
		}, []string{"reason"}),
		Assignments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_assignments_total",
			Help:      "Assignment policy outcomes.",
		}, []string{"outcome"}),
		Escalations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_escalations_total",
			Help:      "Tasks escalated by the scanner or by hand.",
		}),
		EscalationScans: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_scans_total",
			Help:      "Escalation scan passes completed.",
		}),
		ScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_scan_duration_ms",
			Help:      "Escalation scan pass duration in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		ReadySetSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_set_size",
			Help:      "Size of the most recently computed ready set.",
		}),
		ConflictRejects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrent_modification_total",
			Help:      "Writes rejected by the optimistic concurrency check.",
		}),
	}
}

func (m *Metrics) ObserveScanDuration(d time.Duration) {
	m.ScanDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

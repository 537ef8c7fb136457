package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	PhaseTransitions *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	GateVerdicts     *prometheus.CounterVec
	Approvals        *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
	TasksSuspended   prometheus.Gauge
	CostTotal        prometheus.Counter
	TokensTotal      prometheus.Counter
}

// NewMetrics returns the process-wide pipeline metrics, registering them on
// first use.
//
// Metrics:
//   - phasegate_phase_transitions_total{phase,outcome}
//   - phasegate_phase_duration_seconds{phase}
//   - phasegate_gate_verdicts_total{phase,action}
//   - phasegate_approvals_total{event}
//   - phasegate_tasks_finished_total{status}
//   - phasegate_tasks_suspended
//   - phasegate_cost_total
//   - phasegate_tokens_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PhaseTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "phasegate",
					Name:      "phase_transitions_total",
					Help:      "Total number of phase transitions by outcome",
				},
				[]string{"phase", "outcome"}, // advanced, retried, suspended, failed
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "phasegate",
					Name:      "phase_duration_seconds",
					Help:      "Wall time of one phase execution in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
				},
				[]string{"phase"},
			),
			GateVerdicts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "phasegate",
					Name:      "gate_verdicts_total",
					Help:      "Total number of quality gate verdicts",
				},
				[]string{"phase", "action"},
			),
			Approvals: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "phasegate",
					Name:      "approvals_total",
					Help:      "Approval requests and decisions",
				},
				[]string{"event"}, // requested, approved, rejected, deferred, expired
			),
			TasksFinished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "phasegate",
					Name:      "tasks_finished_total",
					Help:      "Total number of tasks reaching a terminal state",
				},
				[]string{"status"},
			),
			TasksSuspended: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "phasegate",
					Name:      "tasks_suspended",
					Help:      "Tasks currently waiting on an approval decision",
				},
			),
			CostTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "phasegate",
					Name:      "cost_total",
					Help:      "Total executor cost of completed tasks",
				},
			),
			TokensTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "phasegate",
					Name:      "tokens_total",
					Help:      "Total executor tokens of completed tasks",
				},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) transition(phase, outcome string) {
	m.PhaseTransitions.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) verdict(phase, action string) {
	m.GateVerdicts.WithLabelValues(phase, action).Inc()
}

func (m *Metrics) approval(event string) {
	m.Approvals.WithLabelValues(event).Inc()
}

func (m *Metrics) finished(status Status) {
	m.TasksFinished.WithLabelValues(string(status)).Inc()
}

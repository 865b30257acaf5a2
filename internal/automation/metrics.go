package automation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine-level counters and gauges. All fields are safe for
// concurrent use. A nil *Metrics disables collection.
type Metrics struct {
	triggerResults   *prometheus.CounterVec
	prepareResults   *prometheus.CounterVec
	executionResults *prometheus.CounterVec
	pendingDepth     prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics. Pass
// prometheus.DefaultRegisterer for the process-wide registry or a private
// registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		triggerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engage",
			Subsystem: "automation",
			Name:      "trigger_results_total",
			Help:      "Fired triggers by execution type.",
		}, []string{"type"}),
		prepareResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engage",
			Subsystem: "automation",
			Name:      "prepare_results_total",
			Help:      "Prepare pipeline outcomes by kind.",
		}, []string{"kind"}),
		executionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engage",
			Subsystem: "automation",
			Name:      "execution_results_total",
			Help:      "Execution outcomes by result.",
		}, []string{"result"}),
		pendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "engage",
			Subsystem: "automation",
			Name:      "pending_executions",
			Help:      "Prepared schedules waiting in the execution queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.triggerResults, m.prepareResults, m.executionResults, m.pendingDepth)
	}
	return m
}

func (m *Metrics) observeTrigger(execType TriggerExecutionType) {
	if m == nil {
		return
	}
	m.triggerResults.WithLabelValues(string(execType)).Inc()
}

func (m *Metrics) observePrepare(kind PrepareResultKind) {
	if m == nil {
		return
	}
	m.prepareResults.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeExecution(result ExecuteResult) {
	if m == nil {
		return
	}
	m.executionResults.WithLabelValues(string(result)).Inc()
}

func (m *Metrics) setPendingDepth(n int) {
	if m == nil {
		return
	}
	m.pendingDepth.Set(float64(n))
}

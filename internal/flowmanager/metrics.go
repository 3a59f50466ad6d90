package flowmanager

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the flow counters. A nil *Metrics records nothing.
type Metrics struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	steps    *prometheus.CounterVec
}

// NewMetrics creates the flow counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vimar_flows_started_total",
			Help: "Setup flows started, by source.",
		}, []string{"source"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vimar_flows_finished_total",
			Help: "Setup flows finished, by result.",
		}, []string{"result"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vimar_flow_steps_total",
			Help: "Setup flow steps run, by step id.",
		}, []string{"step"}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.finished, m.steps)
	}
	return m
}

func (m *Metrics) flowStarted(source string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(source).Inc()
}

func (m *Metrics) flowFinished(result string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(result).Inc()
}

func (m *Metrics) stepRun(step string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step).Inc()
}

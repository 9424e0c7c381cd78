package queue

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts processed tasks by type and outcome.
type Metrics struct {
	Processed *prometheus.CounterVec
}

// NewMetrics registers the queue collectors on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_processed_total",
				Help:      "Total tasks processed grouped by type and status",
			},
			[]string{"type", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Processed)
	}
	return m
}

func (m *Metrics) observe(taskType, status string) {
	if m == nil || m.Processed == nil {
		return
	}
	m.Processed.WithLabelValues(taskType, status).Inc()
}

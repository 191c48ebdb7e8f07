package tasks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Enqueued *prometheus.CounterVec
	Runs     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_tasks_enqueued_total",
			Help: "Tasks enqueued by name",
		}, []string{"name"}),
		Runs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accredit_task_run_duration_seconds",
			Help:    "Task handler duration by name and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"name", "outcome"}),
	}
}

func (m *Metrics) IncEnqueued(name string) {
	if m != nil {
		m.Enqueued.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) ObserveRun(name, outcome string, d time.Duration) {
	if m != nil {
		m.Runs.WithLabelValues(name, outcome).Observe(d.Seconds())
	}
}

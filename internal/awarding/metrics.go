package awarding

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"accredit/internal/awarding/models"
)

type Metrics struct {
	Deliveries *prometheus.CounterVec
	Retries    *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_credential_deliveries_total",
			Help: "Credential deliveries by kind and outcome",
		}, []string{"kind", "outcome"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_credential_delivery_retries_total",
			Help: "Scheduled delivery retries by kind and class",
		}, []string{"kind", "class"}),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accredit_credential_delivery_duration_seconds",
			Help:    "Latency of calls to the credentials service",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

func (m *Metrics) IncDelivery(kind models.Kind, outcome models.Outcome) {
	if m != nil {
		m.Deliveries.WithLabelValues(string(kind), string(outcome)).Inc()
	}
}

func (m *Metrics) IncRetry(kind models.Kind, class Class) {
	if m != nil {
		m.Retries.WithLabelValues(string(kind), string(class)).Inc()
	}
}

func (m *Metrics) ObserveCall(kind models.Kind, d time.Duration) {
	if m != nil {
		m.Latency.WithLabelValues(string(kind)).Observe(d.Seconds())
	}
}

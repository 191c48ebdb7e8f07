package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the HTTP-level Prometheus metrics shared by every router.
type Metrics struct {
	RequestLatency *prometheus.HistogramVec
	EventsIngested *prometheus.CounterVec
}

// New registers the metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accredit_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status class",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "status"}),
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_events_ingested_total",
			Help: "Inbound grade and verification events by source and outcome",
		}, []string{"source", "type", "outcome"}),
	}
}

func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	if m != nil {
		m.RequestLatency.WithLabelValues(route, status).Observe(d.Seconds())
	}
}

func (m *Metrics) IncEventIngested(source, eventType, outcome string) {
	if m != nil {
		m.EventsIngested.WithLabelValues(source, eventType, outcome).Inc()
	}
}

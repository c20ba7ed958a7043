package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Deliveries     *prometheus.CounterVec
	HandleDuration prometheus.Histogram
	CommitFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signupflow_consumer_deliveries_total",
			Help: "Consumed messages by final outcome",
		}, []string{"topic", "outcome"}),
		HandleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signupflow_consumer_handle_duration_seconds",
			Help:    "Time spent in the message handler",
			Buckets: prometheus.DefBuckets,
		}),
		CommitFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "signupflow_consumer_commit_failures_total",
			Help: "Offset commits that failed after a decision was taken",
		}),
	}
}

func (m *Metrics) observe(topic string, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(topic, string(outcome)).Inc()
	m.HandleDuration.Observe(seconds)
}

func (m *Metrics) commitFailed() {
	if m == nil {
		return
	}
	m.CommitFailures.Inc()
}

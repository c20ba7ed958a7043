package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Processed *prometheus.CounterVec
	Lag       prometheus.Histogram
	Batches   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signupflow_outbox_entries_total",
			Help: "Outbox entries handled by the relay, by result",
		}, []string{"result"}),
		Lag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signupflow_outbox_publish_lag_seconds",
			Help:    "Time from enqueue to a successful publish",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 60, 300},
		}),
		Batches: f.NewCounter(prometheus.CounterOpts{
			Name: "signupflow_outbox_batches_total",
			Help: "Non-empty batches leased by the relay",
		}),
	}
}

func (m *Metrics) processed(result string) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(result).Inc()
}

func (m *Metrics) observeLag(seconds float64) {
	if m == nil {
		return
	}
	m.Lag.Observe(seconds)
}

func (m *Metrics) batch() {
	if m == nil {
		return
	}
	m.Batches.Inc()
}

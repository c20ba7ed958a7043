package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the verification lifecycle. A nil *Metrics is a no-op so
// tests can skip wiring it.
type Metrics struct {
	Created       prometheus.Counter
	Resent        prometheus.Counter
	Verified      prometheus.Counter
	Failures      *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Created: f.NewCounter(prometheus.CounterOpts{
			Name: "signupflow_verification_created_total",
			Help: "Verification records created",
		}),
		Resent: f.NewCounter(prometheus.CounterOpts{
			Name: "signupflow_verification_resent_total",
			Help: "Verification codes reissued by resend",
		}),
		Verified: f.NewCounter(prometheus.CounterOpts{
			Name: "signupflow_verification_completed_total",
			Help: "Emails verified",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signupflow_verification_failures_total",
			Help: "Lifecycle operations that returned an error, by operation and error code",
		}, []string{"operation", "code"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signupflow_verification_notifications_total",
			Help: "Notifier calls by email type and result",
		}, []string{"email_type", "delivered"}),
	}
}

func (m *Metrics) IncrementCreated() {
	if m != nil {
		m.Created.Inc()
	}
}

func (m *Metrics) IncrementResent() {
	if m != nil {
		m.Resent.Inc()
	}
}

func (m *Metrics) IncrementVerified() {
	if m != nil {
		m.Verified.Inc()
	}
}

func (m *Metrics) IncrementFailure(operation, code string) {
	if m != nil {
		m.Failures.WithLabelValues(operation, code).Inc()
	}
}

func (m *Metrics) ObserveNotification(emailType string, delivered bool) {
	if m != nil {
		m.Notifications.WithLabelValues(emailType, strconv.FormatBool(delivered)).Inc()
	}
}

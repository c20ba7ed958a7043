// Package publisher emits domain events onto their exchange topic. Publish
// returns only after the broker acknowledged the write, so a nil error means
// the event is durable.
package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"signupflow/internal/platform/kafka"
	"signupflow/internal/platform/kafka/producer"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/events"
)

// Sender writes one message.
type Sender interface {
	Send(ctx context.Context, msg producer.Message) error
}

type Metrics struct {
	Published *prometheus.CounterVec
	Latency   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "signupflow_events_published_total",
			Help: "Events handed to the broker, by event name and result",
		}, []string{"event_name", "result"}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signupflow_events_publish_duration_seconds",
			Help:    "Time until the broker acknowledged a publish",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

type Publisher struct {
	sender  Sender
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

func New(sender Sender, opts ...Option) *Publisher {
	p := &Publisher{sender: sender, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Message renders evt as the record it is published as. The outbox stores
// this form so the relay can publish without knowing event types.
func Message(evt events.Event) (producer.Message, error) {
	payload, err := events.Encode(evt)
	if err != nil {
		return producer.Message{}, err
	}
	meta := evt.Meta()
	return producer.Message{
		Topic: evt.Exchange(),
		Key:   evt.Key(),
		Value: payload,
		Headers: map[string]string{
			kafka.HeaderRoutingKey:   evt.RoutingKey(),
			kafka.HeaderEventName:    meta.EventName,
			kafka.HeaderEventVersion: meta.EventVersion,
			kafka.HeaderEventID:      meta.ID.String(),
		},
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, evt events.Event) error {
	msg, err := Message(evt)
	if err != nil {
		p.observe(evt.Name(), "invalid", 0)
		return err
	}

	start := time.Now()
	if err := p.sender.Send(ctx, msg); err != nil {
		p.observe(evt.Name(), "error", time.Since(start))
		return dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "publish "+evt.Name())
	}
	p.observe(evt.Name(), "ok", time.Since(start))

	p.logger.DebugContext(ctx, "event published",
		"event_name", evt.Name(),
		"event_id", evt.Meta().ID.String(),
		"topic", msg.Topic,
		"routing_key", evt.RoutingKey(),
	)
	return nil
}

func (p *Publisher) observe(name, result string, d time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.Published.WithLabelValues(name, result).Inc()
	if result != "invalid" {
		p.metrics.Latency.Observe(d.Seconds())
	}
}

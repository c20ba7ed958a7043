// Package consumer runs a consumer-group loop with queue semantics on top of
// Kafka: one record in flight, manual acknowledgement by offset commit, and
// negative acknowledgement by re-producing the record with a bumped
// delivery-count header (or to a dead-letter topic once the bound is hit).
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"signupflow/internal/platform/kafka"
)

const prefetch = 1

// Outcome is the decision taken for one delivery.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeDropped      Outcome = "dropped"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Attempt is one journal entry describing how a delivery was handled.
type Attempt struct {
	Topic         string
	Partition     int32
	Offset        int64
	Key           string
	RoutingKey    string
	EventID       string
	DeliveryCount int
	Outcome       Outcome
	Error         string
	HandledAt     time.Time
	Duration      time.Duration
}

// AttemptRecorder persists delivery attempts for operators.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// Client is the slice of *kgo.Client the consumer needs. The client must be
// built with a consumer group, DisableAutoCommit and BlockRebalanceOnPoll.
type Client interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	AllowRebalance()
}

// Config controls redelivery.
type Config struct {
	// MaxDeliveries bounds how many times a message is handed to the handler
	// before it is dead-lettered. Zero means requeue forever.
	MaxDeliveries int
	// DeadLetterTopic receives messages that exhausted MaxDeliveries.
	DeadLetterTopic string
	// HandlerTimeout bounds a single Handle call. Zero means no bound.
	HandlerTimeout time.Duration
}

type Consumer struct {
	client   Client
	handler  Handler
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	recorder AttemptRecorder
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Consumer)

func WithMetrics(m *Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

func WithAttemptRecorder(r AttemptRecorder) Option {
	return func(c *Consumer) { c.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// GroupOpts returns the franz-go options that give a client the queue
// semantics this consumer relies on.
func GroupOpts(group string, topics ...string) []kgo.Opt {
	return []kgo.Opt{
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
}

func New(client Client, handler Handler, cfg Config, logger *slog.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		client:  client,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("signupflow/kafka/consumer"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls one record at a time until ctx is cancelled. It returns nil on
// cancellation and an error only when a decision could not be made durable;
// the undecided record stays uncommitted and is redelivered after restart.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		fetches := c.client.PollRecords(ctx, prefetch)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			c.client.AllowRebalance()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.WarnContext(ctx, "fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})

		for _, rec := range records {
			if err := c.process(ctx, rec); err != nil {
				c.client.AllowRebalance()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) process(ctx context.Context, rec *kgo.Record) error {
	msg := newMessage(rec)
	start := c.now()

	ctx, span := c.tracer.Start(ctx, "consume "+msg.RoutingKey, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int64("messaging.kafka.partition", int64(msg.Partition)),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
		attribute.Int("messaging.delivery_count", msg.DeliveryCount),
	)
	defer span.End()

	handleErr := c.handle(ctx, msg)
	if ctx.Err() != nil {
		// Cancelled mid-flight: leave the record uncommitted.
		return ctx.Err()
	}

	outcome, err := c.decide(ctx, rec, msg, handleErr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision not durable")
		return err
	}

	if err := c.client.CommitRecords(ctx, rec); err != nil {
		// The next successful commit covers this offset; until then a restart
		// redelivers it and the handler absorbs the duplicate.
		c.metrics.commitFailed()
		c.logger.WarnContext(ctx, "offset commit failed",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}

	elapsed := c.now().Sub(start)
	c.metrics.observe(msg.Topic, outcome, elapsed.Seconds())
	span.SetAttributes(attribute.String("messaging.outcome", string(outcome)))
	if handleErr != nil {
		span.RecordError(handleErr)
	}
	c.record(ctx, msg, outcome, handleErr, start, elapsed)
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *Message) error {
	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
	}
	return c.handler.Handle(ctx, msg)
}

// decide turns the handler result into an outcome and performs any produce
// the outcome needs before the caller commits.
func (c *Consumer) decide(ctx context.Context, rec *kgo.Record, msg *Message, handleErr error) (Outcome, error) {
	attrs := []any{
		"topic", msg.Topic,
		"routing_key", msg.RoutingKey,
		"key", string(msg.Key),
		"delivery_count", msg.DeliveryCount,
	}

	switch {
	case handleErr == nil:
		return OutcomeAcked, nil

	case errors.Is(handleErr, ErrNoRoute):
		c.logger.DebugContext(ctx, "unbound routing key, skipping message", attrs...)
		return OutcomeSkipped, nil

	case IsPermanent(handleErr):
		c.logger.WarnContext(ctx, "dropping message that cannot succeed on retry",
			append(attrs, "error", handleErr)...)
		return OutcomeDropped, nil

	case c.cfg.MaxDeliveries > 0 && msg.DeliveryCount >= c.cfg.MaxDeliveries:
		if err := c.republish(ctx, rec, c.cfg.DeadLetterTopic, msg.DeliveryCount, handleErr); err != nil {
			return "", fmt.Errorf("dead-letter message: %w", err)
		}
		c.logger.ErrorContext(ctx, "message exhausted deliveries, dead-lettered",
			append(attrs, "dead_letter_topic", c.cfg.DeadLetterTopic, "error", handleErr)...)
		return OutcomeDeadLettered, nil

	default:
		if err := c.republish(ctx, rec, rec.Topic, msg.DeliveryCount+1, handleErr); err != nil {
			return "", fmt.Errorf("requeue message: %w", err)
		}
		c.logger.WarnContext(ctx, "handler failed, message requeued",
			append(attrs, "error", handleErr)...)
		return OutcomeRequeued, nil
	}
}

func (c *Consumer) republish(ctx context.Context, rec *kgo.Record, topic string, deliveryCount int, cause error) error {
	if topic == "" {
		return errors.New("no destination topic configured")
	}
	out := &kgo.Record{
		Topic:   topic,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: append([]kgo.RecordHeader(nil), rec.Headers...),
	}
	kafka.SetHeader(out, kafka.HeaderDeliveryCount, strconv.Itoa(deliveryCount))
	kafka.SetHeader(out, kafka.HeaderLastError, truncate(cause.Error(), 512))
	if topic != rec.Topic {
		kafka.SetHeader(out, kafka.HeaderOriginalTopic, rec.Topic)
	}
	return c.client.ProduceSync(ctx, out).FirstErr()
}

func (c *Consumer) record(ctx context.Context, msg *Message, outcome Outcome, handleErr error, start time.Time, elapsed time.Duration) {
	if c.recorder == nil {
		return
	}
	attempt := Attempt{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		RoutingKey:    msg.RoutingKey,
		EventID:       msg.Headers[kafka.HeaderEventID],
		DeliveryCount: msg.DeliveryCount,
		Outcome:       outcome,
		HandledAt:     start,
		Duration:      elapsed,
	}
	if handleErr != nil {
		attempt.Error = truncate(handleErr.Error(), 1024)
	}
	if err := c.recorder.RecordAttempt(ctx, attempt); err != nil {
		c.logger.WarnContext(ctx, "failed to record delivery attempt",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"signupflow/internal/platform/kafka/producer"
	"signupflow/pkg/platform/sentinel"
)

const (
	defaultPollInterval  = time.Second
	defaultBatchSize     = 50
	defaultLeaseTTL      = 30 * time.Second
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = time.Second
	defaultRetryMaxDelay = 5 * time.Minute
	maxErrorLength       = 1024
)

// Sender writes one record to the broker.
type Sender interface {
	Send(ctx context.Context, msg producer.Message) error
}

// Config controls the relay loop. Zero values take defaults.
type Config struct {
	Owner         string
	PollInterval  time.Duration
	BatchSize     int
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) normalized() Config {
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("relay-%s-%d", host, os.Getpid())
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = max(defaultRetryMaxDelay, c.RetryBackoff)
	}
	return c
}

// Relay moves entries from the store to the broker.
type Relay struct {
	store   Store
	sender  Sender
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

type Option func(*Relay)

func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func NewRelay(store Store, sender Sender, cfg Config, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:  store,
		sender: sender,
		cfg:    cfg.normalized(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains due entries every PollInterval until ctx is cancelled. A full
// batch is followed immediately by another one.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "outbox relay started",
		"owner", r.cfg.Owner,
		"poll_interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
	)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "outbox relay stopped")
			return nil
		case <-timer.C:
		}

		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "outbox relay batch failed", "error", err)
		}
		next := r.cfg.PollInterval
		if err == nil && n == r.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// RunOnce leases one batch and publishes it in order. It returns the number
// of entries leased.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.store.Lease(ctx, r.cfg.Owner, r.cfg.BatchSize, r.now(), r.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease outbox entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	r.metrics.batch()

	for i := range entries {
		if ctx.Err() != nil {
			// Unprocessed leases expire and are picked up again.
			return len(entries), ctx.Err()
		}
		r.publish(ctx, &entries[i])
	}
	return len(entries), nil
}

func (r *Relay) publish(ctx context.Context, e *Entry) {
	attrs := []any{
		"outbox_id", e.ID.String(),
		"event_id", e.EventID,
		"event_name", e.EventName,
		"attempt", e.Attempts + 1,
	}

	sendErr := r.sender.Send(ctx, e.Message)
	now := r.now()

	var markErr error
	switch {
	case sendErr == nil:
		markErr = r.store.MarkPublished(ctx, e.ID, r.cfg.Owner, now)
		if markErr == nil {
			r.metrics.processed("published")
			r.metrics.observeLag(now.Sub(e.CreatedAt).Seconds())
			r.logger.DebugContext(ctx, "outbox entry published", attrs...)
		}

	case e.Attempts+1 >= r.cfg.MaxAttempts:
		markErr = r.store.MarkDead(ctx, e.ID, r.cfg.Owner, truncate(sendErr.Error()), now)
		if markErr == nil {
			r.metrics.processed("dead")
			r.logger.ErrorContext(ctx, "outbox entry exhausted attempts",
				append(attrs, "error", sendErr)...)
		}

	default:
		next := now.Add(r.backoff(e.Attempts))
		markErr = r.store.MarkRetry(ctx, e.ID, r.cfg.Owner, next, truncate(sendErr.Error()))
		if markErr == nil {
			r.metrics.processed("retry")
			r.logger.WarnContext(ctx, "outbox publish failed, will retry",
				append(attrs, "next_attempt_at", next, "error", sendErr)...)
		}
	}

	switch {
	case markErr == nil:
	case errors.Is(markErr, sentinel.ErrNotFound):
		// Lease expired and another relay took the entry; it may publish again.
		r.logger.WarnContext(ctx, "outbox lease lost", attrs...)
	default:
		r.logger.ErrorContext(ctx, "failed to record outbox result", append(attrs, "error", markErr)...)
	}
}

// backoff doubles RetryBackoff per prior attempt, capped at RetryMaxDelay.
func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.RetryBackoff
	for range attempts {
		d *= 2
		if d >= r.cfg.RetryMaxDelay {
			return r.cfg.RetryMaxDelay
		}
	}
	return d
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}

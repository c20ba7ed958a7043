package notifier

import (
	"context"
	"errors"
	"log/slog"

	"signupflow/pkg/platform/circuit"
)

// ErrCircuitOpen is returned without calling the mailer while the breaker is
// open.
var ErrCircuitOpen = errors.New("notifier circuit open")

// BreakerMailer stops calling a failing mailer until a probe succeeds.
type BreakerMailer struct {
	next    Mailer
	breaker *circuit.Breaker
	logger  *slog.Logger
}

func NewBreakerMailer(next Mailer, breaker *circuit.Breaker, logger *slog.Logger) *BreakerMailer {
	return &BreakerMailer{next: next, breaker: breaker, logger: logger}
}

func (m *BreakerMailer) Send(ctx context.Context, msg Email) error {
	if !m.breaker.Allow() {
		return ErrCircuitOpen
	}

	err := m.next.Send(ctx, msg)
	if err != nil {
		if _, change := m.breaker.RecordFailure(); change.Opened {
			m.logger.WarnContext(ctx, "notifier circuit opened",
				"breaker", m.breaker.Name(),
				"error", err,
			)
		}
		return err
	}

	if _, change := m.breaker.RecordSuccess(); change.Closed {
		m.logger.InfoContext(ctx, "notifier circuit closed", "breaker", m.breaker.Name())
	}
	return nil
}

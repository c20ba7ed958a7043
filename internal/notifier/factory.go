package notifier

import (
	"fmt"
	"log/slog"

	"signupflow/internal/platform/config"
	"signupflow/pkg/platform/circuit"
)

// FromConfig builds the configured mailer behind a circuit breaker.
func FromConfig(cfg config.Notifier, logger *slog.Logger) (*Notifier, error) {
	var mailer Mailer
	switch cfg.Driver {
	case config.NotifierLog:
		mailer = NewLogMailer(logger)
	case config.NotifierResend:
		mailer = NewResendMailer(cfg.ResendAPIKey, cfg.From)
	case config.NotifierSMTP:
		mailer = NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.From)
	default:
		return nil, fmt.Errorf("unknown notifier driver %q", cfg.Driver)
	}

	breaker := circuit.New("notifier-"+cfg.Driver,
		circuit.WithFailureThreshold(cfg.BreakerFailures),
		circuit.WithSuccessThreshold(cfg.BreakerSuccesses),
		circuit.WithCooldown(cfg.BreakerCooldown),
	)
	return New(NewBreakerMailer(mailer, breaker, logger)), nil
}

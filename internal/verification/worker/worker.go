// Package worker turns user events delivered on the verification queue into
// lifecycle calls and classifies the outcome for the consumer loop.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"signupflow/internal/platform/kafka/consumer"
	"signupflow/internal/verification/models"
	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/email"
	"signupflow/pkg/events"
	"signupflow/pkg/requestcontext"
)

// Lifecycle is the part of the verification service the queue drives.
type Lifecycle interface {
	CreateOrIgnore(ctx context.Context, userID id.UserID, email, username string) (*models.Verification, error)
}

type Worker struct {
	lifecycle Lifecycle
	logger    *slog.Logger
}

func New(lifecycle Lifecycle, logger *slog.Logger) *Worker {
	return &Worker{lifecycle: lifecycle, logger: logger}
}

// Router returns the queue bindings served by this worker.
func (w *Worker) Router() *consumer.Router {
	r := consumer.NewRouter()
	r.Bind(events.RoutingKeyUserCreated, consumer.HandlerFunc(w.HandleUserCreated))
	return r
}

// HandleUserCreated starts verification for a newly registered user.
// Malformed payloads and business-rule failures are permanent; store and
// notifier failures are returned as-is so the message is requeued.
func (w *Worker) HandleUserCreated(ctx context.Context, msg *consumer.Message) error {
	evt, err := events.Decode[events.UserCreated](msg.Value)
	if err != nil {
		return consumer.Permanent(err)
	}
	ctx = requestcontext.WithRequestID(ctx, evt.ID.String())

	addr := email.Normalize(evt.Email)
	if !email.Valid(addr) {
		return consumer.Permanent(dErrors.New(dErrors.CodeMalformedMessage,
			fmt.Sprintf("user %s has an invalid email address", evt.UserID)))
	}

	v, err := w.lifecycle.CreateOrIgnore(ctx, evt.UserID, addr, evt.Username)
	if err != nil {
		return classify(err)
	}

	w.logger.InfoContext(ctx, "user created event handled",
		"event_id", evt.ID.String(),
		"user_id", evt.UserID.String(),
		"verification_id", v.ID.String(),
		"delivery_count", msg.DeliveryCount,
	)
	return nil
}

// classify marks errors that redelivery cannot change as permanent.
func classify(err error) error {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeStoreUnavailable, dErrors.CodeNotifierFailure, dErrors.CodeTimeout, dErrors.CodeInternal:
		return err
	default:
		return consumer.Permanent(err)
	}
}

// Package outbox carries events written in the same transaction as the state
// change behind them to the broker. Entries are leased by a relay, published,
// and marked; failed publishes are retried with backoff until they are dead.
package outbox

import (
	"context"
	"time"

	"signupflow/internal/events/publisher"
	"signupflow/internal/platform/kafka/producer"
	id "signupflow/pkg/domain"
	"signupflow/pkg/events"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusPublished Status = "published"
	StatusDead      Status = "dead"
)

// Entry is one event waiting to be published. Message holds the record
// exactly as it will be produced.
type Entry struct {
	ID             id.OutboxID
	EventID        string
	EventName      string
	Message        producer.Message
	Status         Status
	Attempts       int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

// NewEntry renders evt into a pending entry due at now.
func NewEntry(evt events.Event, now time.Time) (Entry, error) {
	msg, err := publisher.Message(evt)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:            id.NewOutboxID(),
		EventID:       evt.Meta().ID.String(),
		EventName:     evt.Name(),
		Message:       msg,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// Store persists entries. Enqueue joins the caller's transaction when one is
// carried in ctx. Mark* calls succeed only while owner still holds the lease
// and return sentinel.ErrNotFound otherwise.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) error
	Lease(ctx context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]Entry, error)
	MarkPublished(ctx context.Context, entryID id.OutboxID, owner string, at time.Time) error
	MarkRetry(ctx context.Context, entryID id.OutboxID, owner string, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, entryID id.OutboxID, owner string, lastErr string, at time.Time) error
}

// Due reports whether the entry can be leased at now: pending and due, or
// leased by someone whose lease ran out.
func (e *Entry) Due(now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return !now.Before(e.NextAttemptAt)
	case StatusLeased:
		return e.LeaseExpiresAt != nil && !now.Before(*e.LeaseExpiresAt)
	default:
		return false
	}
}

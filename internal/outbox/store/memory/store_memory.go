// Package memory is an in-process outbox store for single-node development.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"signupflow/internal/outbox"
	id "signupflow/pkg/domain"
	"signupflow/pkg/platform/sentinel"
)

type Store struct {
	mu      sync.Mutex
	entries map[id.OutboxID]*outbox.Entry
	order   []id.OutboxID
}

func New() *Store {
	return &Store{entries: make(map[id.OutboxID]*outbox.Entry)}
}

func (s *Store) Enqueue(ctx context.Context, entry outbox.Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue outbox entry: %w: %w", sentinel.ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return fmt.Errorf("outbox entry %s: %w", entry.ID, sentinel.ErrConflict)
	}
	e := clone(entry)
	s.entries[entry.ID] = &e
	s.order = append(s.order, entry.ID)
	return nil
}

// Lease hands out due entries oldest-due first.
func (s *Store) Lease(ctx context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]outbox.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("lease outbox entries: %w: %w", sentinel.ErrUnavailable, err)
	}
	if owner == "" || limit <= 0 || ttl <= 0 {
		return nil, fmt.Errorf("lease outbox entries: owner, limit and ttl are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*outbox.Entry
	for _, entryID := range s.order {
		if e := s.entries[entryID]; e.Due(now) {
			due = append(due, e)
		}
	}
	slices.SortStableFunc(due, func(a, b *outbox.Entry) int {
		return a.NextAttemptAt.Compare(b.NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(ttl)
	leased := make([]outbox.Entry, 0, len(due))
	for _, e := range due {
		e.Status = outbox.StatusLeased
		e.LeaseOwner = owner
		e.LeaseExpiresAt = &until
		leased = append(leased, clone(*e))
	}
	return leased, nil
}

func (s *Store) MarkPublished(_ context.Context, entryID id.OutboxID, owner string, at time.Time) error {
	return s.mark(entryID, owner, func(e *outbox.Entry) {
		e.Status = outbox.StatusPublished
		e.ProcessedAt = &at
		e.LastError = ""
	})
}

func (s *Store) MarkRetry(_ context.Context, entryID id.OutboxID, owner string, next time.Time, lastErr string) error {
	return s.mark(entryID, owner, func(e *outbox.Entry) {
		e.Status = outbox.StatusPending
		e.Attempts++
		e.NextAttemptAt = next
		e.LastError = lastErr
	})
}

func (s *Store) MarkDead(_ context.Context, entryID id.OutboxID, owner string, lastErr string, at time.Time) error {
	return s.mark(entryID, owner, func(e *outbox.Entry) {
		e.Status = outbox.StatusDead
		e.Attempts++
		e.LastError = lastErr
		e.ProcessedAt = &at
	})
}

func (s *Store) mark(entryID id.OutboxID, owner string, fn func(e *outbox.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok || e.Status != outbox.StatusLeased || e.LeaseOwner != owner {
		return fmt.Errorf("outbox entry %s leased by %q: %w", entryID, owner, sentinel.ErrNotFound)
	}
	fn(e)
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	return nil
}

// Get returns a copy of one entry.
func (s *Store) Get(_ context.Context, entryID id.OutboxID) (outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return outbox.Entry{}, fmt.Errorf("outbox entry %s: %w", entryID, sentinel.ErrNotFound)
	}
	return clone(*e), nil
}

// List returns copies of all entries in enqueue order.
func (s *Store) List(_ context.Context) []outbox.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Entry, 0, len(s.order))
	for _, entryID := range s.order {
		out = append(out, clone(*s.entries[entryID]))
	}
	return out
}

func clone(e outbox.Entry) outbox.Entry {
	e.Message.Headers = maps.Clone(e.Message.Headers)
	e.Message.Value = slices.Clone(e.Message.Value)
	if e.LeaseExpiresAt != nil {
		t := *e.LeaseExpiresAt
		e.LeaseExpiresAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		e.ProcessedAt = &t
	}
	return e
}

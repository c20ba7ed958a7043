// Package ratelimit throttles unauthenticated endpoints per client with an
// in-process sliding window.
package ratelimit

import (
	"sync"
	"time"
)

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the oldest hit leaves the
// window, at least one.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(r.ResetAt.Sub(now).Round(time.Second) / time.Second)
	return max(secs, 1)
}

// Store keeps one sliding window per key. It is not shared across
// replicas.
type Store struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewStore(limit int, window time.Duration) *Store {
	return &Store{
		windows: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records a hit for key when it fits in the window.
func (s *Store) Allow(key string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	hits := prune(s.windows[key], now.Add(-s.window))
	if len(hits) >= s.limit {
		s.windows[key] = hits
		return Result{Limit: s.limit, ResetAt: hits[0].Add(s.window)}
	}

	hits = append(hits, now)
	s.windows[key] = hits
	return Result{
		Allowed:   true,
		Limit:     s.limit,
		Remaining: s.limit - len(hits),
		ResetAt:   hits[0].Add(s.window),
	}
}

// Sweep drops windows with no hits left, bounding memory for one-off
// clients.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.window)
	removed := 0
	for key, hits := range s.windows {
		if len(prune(hits, cutoff)) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// Package memory is an in-process verification store. Mutations for one user
// serialize on one of a fixed set of sharded mutexes, so unrelated users do
// not contend on a global lock.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"signupflow/internal/verification/models"
	id "signupflow/pkg/domain"
	"signupflow/pkg/platform/sentinel"
)

const numShards = 128

type Store struct {
	shards [numShards]sync.Mutex

	mu     sync.RWMutex
	byUser map[id.UserID]*models.Verification
	byCode map[string]id.UserID
	byID   map[id.VerificationID]id.UserID
}

func New() *Store {
	return &Store{
		byUser: make(map[id.UserID]*models.Verification),
		byCode: make(map[string]id.UserID),
		byID:   make(map[id.VerificationID]id.UserID),
	}
}

func (s *Store) shardFor(userID id.UserID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(userID[:])
	return &s.shards[h.Sum32()%numShards]
}

func (s *Store) Create(ctx context.Context, v *models.Verification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("create verification: %w: %w", sentinel.ErrUnavailable, err)
	}
	shard := s.shardFor(v.UserID)
	shard.Lock()
	defer shard.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUser[v.UserID]; exists {
		return fmt.Errorf("verification for user %s: %w", v.UserID, sentinel.ErrConflict)
	}
	return s.put(v.Clone())
}

func (s *Store) FindByUserID(_ context.Context, userID id.UserID) (*models.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byUser[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return v.Clone(), nil
}

func (s *Store) FindByCode(_ context.Context, code string) (*models.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byCode[code]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byUser[userID].Clone(), nil
}

func (s *Store) FindByID(_ context.Context, verificationID id.VerificationID) (*models.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byID[verificationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.byUser[userID].Clone(), nil
}

func (s *Store) Update(ctx context.Context, v *models.Verification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update verification: %w: %w", sentinel.ErrUnavailable, err)
	}
	shard := s.shardFor(v.UserID)
	shard.Lock()
	defer shard.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUser[v.UserID]; !ok {
		return sentinel.ErrNotFound
	}
	return s.put(v.Clone())
}

func (s *Store) Execute(ctx context.Context, userID id.UserID, fn func(v *models.Verification) error) (*models.Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execute: %w: %w", sentinel.ErrUnavailable, err)
	}
	shard := s.shardFor(userID)
	shard.Lock()
	defer shard.Unlock()

	// Re-check after waiting for the shard.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execute: %w: %w", sentinel.ErrUnavailable, err)
	}

	s.mu.RLock()
	current, ok := s.byUser[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(working.Clone()); err != nil {
		return nil, err
	}
	return working, nil
}

// put replaces the record and its secondary indexes, refusing a code held by
// another user's record. Caller holds s.mu.
func (s *Store) put(v *models.Verification) error {
	if owner, ok := s.byCode[v.Code]; ok && owner != v.UserID {
		return fmt.Errorf("code for user %s: %w: %w", v.UserID, models.ErrCodeTaken, sentinel.ErrConflict)
	}
	if prev, ok := s.byUser[v.UserID]; ok && prev.Code != v.Code {
		delete(s.byCode, prev.Code)
	}
	s.byUser[v.UserID] = v
	s.byCode[v.Code] = v.UserID
	s.byID[v.ID] = v.UserID
	return nil
}

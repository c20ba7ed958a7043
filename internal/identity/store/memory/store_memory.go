// Package memory is an in-process user store. Usernames match exactly and
// emails are stored normalized.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signupflow/internal/identity/models"
	id "signupflow/pkg/domain"
	"signupflow/pkg/platform/sentinel"
)

type InMemoryUserStore struct {
	mu         sync.RWMutex
	users      map[id.UserID]*models.User
	byUsername map[string]id.UserID
	byEmail    map[string]id.UserID
}

func New() *InMemoryUserStore {
	return &InMemoryUserStore{
		users:      make(map[id.UserID]*models.User),
		byUsername: make(map[string]id.UserID),
		byEmail:    make(map[string]id.UserID),
	}
}

// Create rejects a user whose username or email is already taken.
func (s *InMemoryUserStore) Create(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("create user: %w: %w", sentinel.ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byUsername[user.Username]; taken {
		return fmt.Errorf("username %q: %w", user.Username, sentinel.ErrConflict)
	}
	if _, taken := s.byEmail[user.Email]; taken {
		return fmt.Errorf("email: %w", sentinel.ErrConflict)
	}
	if _, taken := s.users[user.ID]; taken {
		return fmt.Errorf("user %s: %w", user.ID, sentinel.ErrConflict)
	}
	s.users[user.ID] = user.Clone()
	s.byUsername[user.Username] = user.ID
	s.byEmail[user.Email] = user.ID
	return nil
}

func (s *InMemoryUserStore) FindByID(_ context.Context, userID id.UserID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[userID]; ok {
		return user.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	userID, ok := s.byUsername[username]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.FindByID(ctx, userID)
}

func (s *InMemoryUserStore) FindByEmail(ctx context.Context, address string) (*models.User, error) {
	s.mu.RLock()
	userID, ok := s.byEmail[address]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.FindByID(ctx, userID)
}

func (s *InMemoryUserStore) UpdateLastLogin(_ context.Context, userID id.UserID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return sentinel.ErrNotFound
	}
	user.LastLoginAt = &at
	return nil
}

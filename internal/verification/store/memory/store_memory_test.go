package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"signupflow/internal/verification/models"
	id "signupflow/pkg/domain"
	"signupflow/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = New()
	s.ctx = context.Background()
}

func newRecord(code string) *models.Verification {
	return models.NewVerification(id.NewUserID(), "alice@x.com", "alice", code, time.Now())
}

func (s *InMemoryStoreSuite) TestCreateAndFind() {
	rec := newRecord("123456")
	s.Require().NoError(s.store.Create(s.ctx, rec))

	s.Run("by user", func() {
		got, err := s.store.FindByUserID(s.ctx, rec.UserID)
		s.Require().NoError(err)
		s.Equal(rec.ID, got.ID)
		s.Equal("123456", got.Code)
	})

	s.Run("by code", func() {
		got, err := s.store.FindByCode(s.ctx, "123456")
		s.Require().NoError(err)
		s.Equal(rec.UserID, got.UserID)
	})

	s.Run("by id", func() {
		got, err := s.store.FindByID(s.ctx, rec.ID)
		s.Require().NoError(err)
		s.Equal(rec.UserID, got.UserID)
	})

	s.Run("missing", func() {
		_, err := s.store.FindByUserID(s.ctx, id.NewUserID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.store.FindByCode(s.ctx, "000000")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestCreateConflict() {
	rec := newRecord("123456")
	s.Require().NoError(s.store.Create(s.ctx, rec))

	dup := models.NewVerification(rec.UserID, "alice@x.com", "alice", "654321", time.Now())
	err := s.store.Create(s.ctx, dup)
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	got, err := s.store.FindByUserID(s.ctx, rec.UserID)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID, "first record survives")
}

func (s *InMemoryStoreSuite) TestReturnedRecordsAreCopies() {
	rec := newRecord("123456")
	s.Require().NoError(s.store.Create(s.ctx, rec))
	rec.Attempts = 4

	got, err := s.store.FindByUserID(s.ctx, rec.UserID)
	s.Require().NoError(err)
	s.Zero(got.Attempts)
	got.Attempts = 3

	again, _ := s.store.FindByUserID(s.ctx, rec.UserID)
	s.Zero(again.Attempts)
}

func (s *InMemoryStoreSuite) TestUpdateReindexesCode() {
	rec := newRecord("111111")
	s.Require().NoError(s.store.Create(s.ctx, rec))

	rec.Code = "222222"
	s.Require().NoError(s.store.Update(s.ctx, rec))

	_, err := s.store.FindByCode(s.ctx, "111111")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
	got, err := s.store.FindByCode(s.ctx, "222222")
	s.Require().NoError(err)
	s.Equal(rec.UserID, got.UserID)

	s.Require().ErrorIs(s.store.Update(s.ctx, newRecord("333333")), sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestExecute() {
	rec := newRecord("123456")
	s.Require().NoError(s.store.Create(s.ctx, rec))

	s.Run("error aborts without persisting", func() {
		_, err := s.store.Execute(s.ctx, rec.UserID, func(v *models.Verification) error {
			v.Attempts = 5
			return sentinel.ErrInvalidState
		})
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
		got, _ := s.store.FindByUserID(s.ctx, rec.UserID)
		s.Zero(got.Attempts)
	})

	s.Run("missing user", func() {
		_, err := s.store.Execute(s.ctx, id.NewUserID(), func(*models.Verification) error { return nil })
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("cancelled context", func() {
		ctx, cancel := context.WithCancel(s.ctx)
		cancel()
		_, err := s.store.Execute(ctx, rec.UserID, func(*models.Verification) error { return nil })
		s.Require().ErrorIs(err, sentinel.ErrUnavailable)
	})
}

func (s *InMemoryStoreSuite) TestExecute_ConcurrentIncrementsAreNotLost() {
	rec := newRecord("123456")
	s.Require().NoError(s.store.Create(s.ctx, rec))

	const goroutines = 100
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Execute(s.ctx, rec.UserID, func(v *models.Verification) error {
				v.Attempts++
				return nil
			})
			s.NoError(err)
		}()
	}
	wg.Wait()

	got, err := s.store.FindByUserID(s.ctx, rec.UserID)
	s.Require().NoError(err)
	s.Equal(goroutines, got.Attempts)
}

func (s *InMemoryStoreSuite) TestConcurrentCreateHasOneWinner() {
	userID := id.NewUserID()
	const goroutines = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Create(s.ctx, models.NewVerification(userID, "alice@x.com", "alice", "1", time.Now()))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				conflicts++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, wins)
	s.Equal(goroutines-1, conflicts)
}

func (s *InMemoryStoreSuite) TestCodeHeldByAnotherUserIsRefused() {
	alice := newRecord("123456")
	s.Require().NoError(s.store.Create(s.ctx, alice))

	s.Run("create", func() {
		err := s.store.Create(s.ctx, newRecord("123456"))
		s.Require().ErrorIs(err, models.ErrCodeTaken)
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("execute leaves both records untouched", func() {
		bob := newRecord("654321")
		s.Require().NoError(s.store.Create(s.ctx, bob))

		_, err := s.store.Execute(s.ctx, bob.UserID, func(v *models.Verification) error {
			v.Code = "123456"
			v.Attempts++
			return nil
		})
		s.Require().ErrorIs(err, models.ErrCodeTaken)

		got, err := s.store.FindByCode(s.ctx, "123456")
		s.Require().NoError(err)
		s.Equal(alice.UserID, got.UserID)
		got, err = s.store.FindByCode(s.ctx, "654321")
		s.Require().NoError(err)
		s.Equal(bob.UserID, got.UserID)
		s.Zero(got.Attempts)
	})

	s.Run("same user may keep its code", func() {
		_, err := s.store.Execute(s.ctx, alice.UserID, func(v *models.Verification) error {
			v.Attempts++
			return nil
		})
		s.Require().NoError(err)
	})
}

// Package redis stores verification records in Redis as JSON documents with
// secondary index keys for code and verification ID lookups. Execute uses
// WATCH/MULTI optimistic locking and retries on conflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"signupflow/internal/verification/models"
	id "signupflow/pkg/domain"
	"signupflow/pkg/platform/sentinel"
)

const (
	userKeyPrefix = "verification:user:"
	codeKeyPrefix = "verification:code:"
	idKeyPrefix   = "verification:id:"

	defaultMaxRetries = 10
)

// ErrTooMuchContention is returned when Execute keeps losing WATCH races.
var ErrTooMuchContention = errors.New("verification store: too much contention")

type Store struct {
	client     *redis.Client
	maxRetries int
}

type Option func(*Store)

// WithMaxRetries bounds optimistic-lock retries in Execute.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// record is the stored JSON shape. Times are unix nanoseconds.
type record struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	Username         string `json:"username"`
	Code             string `json:"code"`
	CreatedAt        int64  `json:"created_at"`
	ExpiresAt        int64  `json:"expires_at"`
	Verified         bool   `json:"verified"`
	VerifiedAt       *int64 `json:"verified_at,omitempty"`
	Attempts         int    `json:"attempts"`
	NotifiedAt       *int64 `json:"notified_at,omitempty"`
	NotifyLeaseUntil *int64 `json:"notify_lease_until,omitempty"`
}

func userKey(userID id.UserID) string { return userKeyPrefix + userID.String() }
func codeKey(code string) string { return codeKeyPrefix + code }
func idKey(v id.VerificationID) string { return idKeyPrefix + v.String() }

// Create writes the record and claims its code index key. The user and code
// keys are both watched, so a racing writer on either aborts the transaction
// and the next round reports the conflict.
func (s *Store) Create(ctx context.Context, v *models.Verification) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	key := userKey(v.UserID)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("verification for user %s: %w", v.UserID, sentinel.ErrConflict)
		}
		if err := s.checkCodeFree(ctx, tx, v.Code, v.UserID); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, codeKey(v.Code), v.UserID.String(), 0)
			pipe.Set(ctx, idKey(v.ID), v.UserID.String(), 0)
			return nil
		})
		return err
	}

	for range s.maxRetries {
		err := s.client.Watch(ctx, txf, key, codeKey(v.Code))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTooMuchContention
}

func (s *Store) FindByUserID(ctx context.Context, userID id.UserID) (*models.Verification, error) {
	return s.load(ctx, s.client, userID)
}

func (s *Store) FindByCode(ctx context.Context, code string) (*models.Verification, error) {
	userID, err := s.resolve(ctx, codeKey(code))
	if err != nil {
		return nil, err
	}
	v, err := s.load(ctx, s.client, userID)
	if err != nil {
		return nil, err
	}
	if v.Code != code {
		// Stale index entry left by a concurrent resend.
		return nil, sentinel.ErrNotFound
	}
	return v, nil
}

func (s *Store) FindByID(ctx context.Context, verificationID id.VerificationID) (*models.Verification, error) {
	userID, err := s.resolve(ctx, idKey(verificationID))
	if err != nil {
		return nil, err
	}
	return s.load(ctx, s.client, userID)
}

func (s *Store) Update(ctx context.Context, v *models.Verification) error {
	_, err := s.Execute(ctx, v.UserID, func(current *models.Verification) error {
		*current = *v.Clone()
		return nil
	})
	return err
}

func (s *Store) Execute(ctx context.Context, userID id.UserID, fn func(v *models.Verification) error) (*models.Verification, error) {
	key := userKey(userID)
	var result *models.Verification

	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		working := current.Clone()
		if err := fn(working); err != nil {
			return err
		}
		if current.Code != working.Code {
			if err := tx.Watch(ctx, codeKey(working.Code)).Err(); err != nil {
				return err
			}
			if err := s.checkCodeFree(ctx, tx, working.Code, userID); err != nil {
				return err
			}
		}
		data, err := marshal(working)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if current.Code != working.Code {
				pipe.Del(ctx, codeKey(current.Code))
				pipe.Set(ctx, codeKey(working.Code), userID.String(), 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = working
		return nil
	}

	for range s.maxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, ErrTooMuchContention
}

// checkCodeFree fails with models.ErrCodeTaken when the code index key points
// at another user. The key must already be watched by tx.
func (s *Store) checkCodeFree(ctx context.Context, tx *redis.Tx, code string, userID id.UserID) error {
	owner, err := tx.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != userID.String() {
		return fmt.Errorf("code for user %s: %w: %w", userID, models.ErrCodeTaken, sentinel.ErrConflict)
	}
	return nil
}

func (s *Store) resolve(ctx context.Context, key string) (id.UserID, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return id.UserID{}, sentinel.ErrNotFound
	}
	if err != nil {
		return id.UserID{}, err
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return id.UserID{}, fmt.Errorf("corrupt index %s: %w", key, err)
	}
	return id.UserID(u), nil
}

func (s *Store) load(ctx context.Context, c redis.Cmdable, userID id.UserID) (*models.Verification, error) {
	data, err := c.Get(ctx, userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshal(data)
}

func marshal(v *models.Verification) ([]byte, error) {
	r := record{
		ID:               v.ID.String(),
		UserID:           v.UserID.String(),
		Email:            v.Email,
		Username:         v.Username,
		Code:             v.Code,
		CreatedAt:        v.CreatedAt.UnixNano(),
		ExpiresAt:        v.ExpiresAt.UnixNano(),
		Verified:         v.Verified,
		VerifiedAt:       toNanos(v.VerifiedAt),
		Attempts:         v.Attempts,
		NotifiedAt:       toNanos(v.NotifiedAt),
		NotifyLeaseUntil: toNanos(v.NotifyLeaseUntil),
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal verification: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte) (*models.Verification, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal verification: %w", err)
	}
	vid, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("unmarshal verification id: %w", err)
	}
	uid, err := uuid.Parse(r.UserID)
	if err != nil {
		return nil, fmt.Errorf("unmarshal verification user id: %w", err)
	}
	return &models.Verification{
		ID:               id.VerificationID(vid),
		UserID:           id.UserID(uid),
		Email:            r.Email,
		Username:         r.Username,
		Code:             r.Code,
		CreatedAt:        time.Unix(0, r.CreatedAt).UTC(),
		ExpiresAt:        time.Unix(0, r.ExpiresAt).UTC(),
		Verified:         r.Verified,
		VerifiedAt:       fromNanos(r.VerifiedAt),
		Attempts:         r.Attempts,
		NotifiedAt:       fromNanos(r.NotifiedAt),
		NotifyLeaseUntil: fromNanos(r.NotifyLeaseUntil),
	}, nil
}

func toNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanos(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}

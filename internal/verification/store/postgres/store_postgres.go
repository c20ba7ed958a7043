// Package postgres persists verification records in PostgreSQL through a
// pgx pool. Execute locks the user's row with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"signupflow/internal/verification/models"
	id "signupflow/pkg/domain"
	"signupflow/pkg/platform/sentinel"
)

//go:embed schema.sql
var Schema string

const (
	uniqueViolation = "23505"
	codeConstraint  = "uq_email_verifications_code"
)

const columns = `id, user_id, email, username, code, created_at, expires_at,
	verified, verified_at, attempts, notified_at, notify_lease_until`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the table and indexes if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply verification schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, v *models.Verification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_verifications (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		args(v)...,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == codeConstraint {
				return fmt.Errorf("code for user %s: %w: %w", v.UserID, models.ErrCodeTaken, sentinel.ErrConflict)
			}
			return fmt.Errorf("verification for user %s: %w", v.UserID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

func (s *Store) FindByUserID(ctx context.Context, userID id.UserID) (*models.Verification, error) {
	return s.findOne(ctx, s.pool, `SELECT `+columns+` FROM email_verifications WHERE user_id = $1`, uuid.UUID(userID))
}

func (s *Store) FindByCode(ctx context.Context, code string) (*models.Verification, error) {
	return s.findOne(ctx, s.pool, `SELECT `+columns+` FROM email_verifications WHERE code = $1`, code)
}

func (s *Store) FindByID(ctx context.Context, verificationID id.VerificationID) (*models.Verification, error) {
	return s.findOne(ctx, s.pool, `SELECT `+columns+` FROM email_verifications WHERE id = $1`, uuid.UUID(verificationID))
}

func (s *Store) Update(ctx context.Context, v *models.Verification) error {
	return update(ctx, s.pool, v)
}

func (s *Store) Execute(ctx context.Context, userID id.UserID, fn func(v *models.Verification) error) (*models.Verification, error) {
	var result *models.Verification
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.findOne(ctx, tx,
			`SELECT `+columns+` FROM email_verifications WHERE user_id = $1 FOR UPDATE`, uuid.UUID(userID))
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		if err := update(ctx, tx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) findOne(ctx context.Context, q querier, query string, arg any) (*models.Verification, error) {
	var (
		v                models.Verification
		vid, uid         uuid.UUID
		verifiedAt       *time.Time
		notifiedAt       *time.Time
		notifyLeaseUntil *time.Time
	)
	err := q.QueryRow(ctx, query, arg).Scan(
		&vid, &uid, &v.Email, &v.Username, &v.Code, &v.CreatedAt, &v.ExpiresAt,
		&v.Verified, &verifiedAt, &v.Attempts, &notifiedAt, &notifyLeaseUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query verification: %w", err)
	}
	v.ID = id.VerificationID(vid)
	v.UserID = id.UserID(uid)
	v.VerifiedAt = verifiedAt
	v.NotifiedAt = notifiedAt
	v.NotifyLeaseUntil = notifyLeaseUntil
	return &v, nil
}

func update(ctx context.Context, q querier, v *models.Verification) error {
	tag, err := q.Exec(ctx, `
		UPDATE email_verifications SET
			email = $3, username = $4, code = $5, created_at = $6, expires_at = $7,
			verified = $8, verified_at = $9, attempts = $10,
			notified_at = $11, notify_lease_until = $12
		WHERE id = $1 AND user_id = $2`,
		args(v)...,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == codeConstraint {
			return fmt.Errorf("code for user %s: %w: %w", v.UserID, models.ErrCodeTaken, sentinel.ErrConflict)
		}
		return fmt.Errorf("update verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func args(v *models.Verification) []any {
	return []any{
		uuid.UUID(v.ID), uuid.UUID(v.UserID), v.Email, v.Username, v.Code,
		v.CreatedAt, v.ExpiresAt, v.Verified, v.VerifiedAt, v.Attempts,
		v.NotifiedAt, v.NotifyLeaseUntil,
	}
}

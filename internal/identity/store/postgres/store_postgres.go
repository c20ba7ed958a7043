// Package postgres stores users through database/sql on lib/pq. Writes join
// the transaction carried in ctx.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"signupflow/internal/identity/models"
	id "signupflow/pkg/domain"
	"signupflow/pkg/platform/sentinel"
	"signupflow/pkg/platform/tx"
)

//go:embed schema.sql
var Schema string

const uniqueViolation = "23505"

type PostgresUserStore struct {
	db *sql.DB
}

func New(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) Create(ctx context.Context, user *models.User) error {
	_, err := tx.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, created_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.UUID(user.ID), user.Username, user.Email, user.PasswordHash, user.CreatedAt, user.IsActive,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("user %s: %w", pqErr.Constraint, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) FindByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	return s.findOne(ctx, "id", uuid.UUID(userID))
}

func (s *PostgresUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findOne(ctx, "username", username)
}

func (s *PostgresUserStore) FindByEmail(ctx context.Context, address string) (*models.User, error) {
	return s.findOne(ctx, "email", address)
}

func (s *PostgresUserStore) UpdateLastLogin(ctx context.Context, userID id.UserID, at time.Time) error {
	res, err := tx.Pick(ctx, s.db).ExecContext(ctx,
		`UPDATE users SET last_login_at = $1 WHERE id = $2`, at, uuid.UUID(userID))
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update last login rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// findOne is only called with fixed column names.
func (s *PostgresUserStore) findOne(ctx context.Context, column string, value any) (*models.User, error) {
	var (
		u         models.User
		rawID     uuid.UUID
		lastLogin sql.NullTime
	)
	err := tx.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at, last_login_at, is_active
		FROM users WHERE `+column+` = $1`, value,
	).Scan(&rawID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt, &lastLogin, &u.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find user by %s: %w", column, err)
	}
	u.ID = id.UserID(rawID)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

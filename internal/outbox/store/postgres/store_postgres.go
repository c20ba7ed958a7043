// Package postgres stores outbox entries in the same database as the state
// they describe. Enqueue joins the transaction carried in ctx, so the entry
// commits or rolls back together with the caller's writes.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"signupflow/internal/outbox"
	id "signupflow/pkg/domain"
	"signupflow/pkg/platform/sentinel"
	"signupflow/pkg/platform/tx"
)

//go:embed schema.sql
var Schema string

const columns = `id, event_id, event_name, topic, record_key, payload, headers, status,
	attempts, next_attempt_at, lease_owner, lease_expires_at, last_error, created_at, processed_at`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Enqueue(ctx context.Context, e outbox.Entry) error {
	headers, err := json.Marshal(e.Message.Headers)
	if err != nil {
		return fmt.Errorf("marshal outbox headers: %w", err)
	}
	_, err = tx.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO outbox (id, event_id, event_name, topic, record_key, payload, headers,
			status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.UUID(e.ID), e.EventID, e.EventName, e.Message.Topic, e.Message.Key,
		e.Message.Value, headers, string(e.Status), e.Attempts, e.NextAttemptAt, e.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("outbox entry %s: %w", e.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// Lease claims due rows with SKIP LOCKED so concurrent relays never block on
// or double-claim the same entry.
func (s *Store) Lease(ctx context.Context, owner string, limit int, now time.Time, ttl time.Duration) ([]outbox.Entry, error) {
	if owner == "" || limit <= 0 || ttl <= 0 {
		return nil, errors.New("lease outbox entries: owner, limit and ttl are required")
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox
		SET status = $1, lease_owner = $2, lease_expires_at = $3
		WHERE id IN (
			SELECT id FROM outbox
			WHERE (status = $4 AND next_attempt_at <= $5)
			   OR (status = $1 AND lease_expires_at <= $5)
			ORDER BY next_attempt_at, created_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+columns,
		string(outbox.StatusLeased), owner, now.Add(ttl),
		string(outbox.StatusPending), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease outbox entries: %w", err)
	}
	defer rows.Close()

	var leased []outbox.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		leased = append(leased, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leased entries: %w", err)
	}
	slices.SortStableFunc(leased, func(a, b outbox.Entry) int {
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return leased, nil
}

func (s *Store) MarkPublished(ctx context.Context, entryID id.OutboxID, owner string, at time.Time) error {
	return s.mark(ctx, "mark outbox published", `
		UPDATE outbox
		SET status = $1, lease_owner = '', lease_expires_at = NULL, last_error = '', processed_at = $2
		WHERE id = $3 AND status = $4 AND lease_owner = $5`,
		string(outbox.StatusPublished), at, uuid.UUID(entryID), string(outbox.StatusLeased), owner,
	)
}

func (s *Store) MarkRetry(ctx context.Context, entryID id.OutboxID, owner string, next time.Time, lastErr string) error {
	return s.mark(ctx, "mark outbox retry", `
		UPDATE outbox
		SET status = $1, attempts = attempts + 1, next_attempt_at = $2,
			lease_owner = '', lease_expires_at = NULL, last_error = $3
		WHERE id = $4 AND status = $5 AND lease_owner = $6`,
		string(outbox.StatusPending), next, lastErr, uuid.UUID(entryID), string(outbox.StatusLeased), owner,
	)
}

func (s *Store) MarkDead(ctx context.Context, entryID id.OutboxID, owner string, lastErr string, at time.Time) error {
	return s.mark(ctx, "mark outbox dead", `
		UPDATE outbox
		SET status = $1, attempts = attempts + 1, lease_owner = '', lease_expires_at = NULL,
			last_error = $2, processed_at = $3
		WHERE id = $4 AND status = $5 AND lease_owner = $6`,
		string(outbox.StatusDead), lastErr, at, uuid.UUID(entryID), string(outbox.StatusLeased), owner,
	)
}

func (s *Store) mark(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	return nil
}

// Get loads one entry by ID.
func (s *Store) Get(ctx context.Context, entryID id.OutboxID) (outbox.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM outbox WHERE id = $1`, uuid.UUID(entryID))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, fmt.Errorf("outbox entry %s: %w", entryID, sentinel.ErrNotFound)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (outbox.Entry, error) {
	var (
		e           outbox.Entry
		rawID       uuid.UUID
		status      string
		headers     []byte
		leaseUntil  sql.NullTime
		processedAt sql.NullTime
	)
	err := row.Scan(&rawID, &e.EventID, &e.EventName, &e.Message.Topic, &e.Message.Key,
		&e.Message.Value, &headers, &status, &e.Attempts, &e.NextAttemptAt, &e.LeaseOwner,
		&leaseUntil, &e.LastError, &e.CreatedAt, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan outbox entry: %w", err)
	}
	if err := json.Unmarshal(headers, &e.Message.Headers); err != nil {
		return e, fmt.Errorf("decode outbox headers: %w", err)
	}
	e.ID = id.OutboxID(rawID)
	e.Status = outbox.Status(status)
	if leaseUntil.Valid {
		t := leaseUntil.Time
		e.LeaseExpiresAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return e, nil
}

// Package attempts journals queue delivery attempts in a local SQLite file so
// operators can see what each consumer did with each message.
package attempts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"signupflow/internal/platform/kafka/consumer"
)

const schema = `
CREATE TABLE IF NOT EXISTS delivery_attempts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	topic          TEXT    NOT NULL,
	record_part    INTEGER NOT NULL,
	record_offset  INTEGER NOT NULL,
	record_key     TEXT    NOT NULL DEFAULT '',
	routing_key    TEXT    NOT NULL DEFAULT '',
	event_id       TEXT    NOT NULL DEFAULT '',
	delivery_count INTEGER NOT NULL,
	outcome        TEXT    NOT NULL,
	last_error     TEXT    NOT NULL DEFAULT '',
	handled_at     INTEGER NOT NULL,
	duration_us    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_handled_at ON delivery_attempts (handled_at);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_event_id ON delivery_attempts (event_id);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path. ":memory:" is accepted for
// tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("attempt journal path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply attempt schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordAttempt implements consumer.AttemptRecorder.
func (s *Store) RecordAttempt(ctx context.Context, a consumer.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.Outcome == "" {
		return errors.New("outcome is required")
	}
	if a.HandledAt.IsZero() {
		a.HandledAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_attempts (
	topic, record_part, record_offset, record_key, routing_key, event_id,
	delivery_count, outcome, last_error, handled_at, duration_us
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		a.Topic, a.Partition, a.Offset, a.Key, a.RoutingKey, a.EventID,
		a.DeliveryCount, string(a.Outcome), a.Error,
		a.HandledAt.UTC().UnixMilli(), a.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// List returns the newest attempts first.
func (s *Store) List(ctx context.Context, limit int) ([]consumer.Attempt, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT topic, record_part, record_offset, record_key, routing_key, event_id,
	delivery_count, outcome, last_error, handled_at, duration_us
FROM delivery_attempts
ORDER BY handled_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := make([]consumer.Attempt, 0, limit)
	for rows.Next() {
		var (
			a          consumer.Attempt
			outcome    string
			handledAt  int64
			durationUS int64
		)
		if err := rows.Scan(&a.Topic, &a.Partition, &a.Offset, &a.Key, &a.RoutingKey, &a.EventID,
			&a.DeliveryCount, &outcome, &a.Error, &handledAt, &durationUS); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = consumer.Outcome(outcome)
		a.HandledAt = time.UnixMilli(handledAt).UTC()
		a.Duration = time.Duration(durationUS) * time.Microsecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

package chat

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// PostgresStore is the durable Store implementation. Positions are assigned
// by an in-process counter held under a mutex rather than a sequence: a
// sequence would leave gaps when an insert fails, and the counter only
// advances after the row is committed. The hub is the sole writer in the live
// system, so the mutex is uncontended there; it exists to keep Append safe
// under any caller.
type PostgresStore struct {
	db *sql.DB

	mu      sync.Mutex
	lastPos int64
}

// NewPostgresStore seeds the position counter from the messages table and
// returns a ready store. The schema is managed by the migrations directory.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	var last int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM messages`).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("chat: seed position counter: %w", err)
	}
	return &PostgresStore{db: db, lastPos: last}, nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.lastPos + 1

	const query = `
		INSERT INTO messages (position, sender_id, sender_name, body, attachment_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		next,
		msg.SenderID,
		msg.SenderName,
		msg.Text,
		nullIfEmpty(msg.AttachmentRef),
		msg.CreatedAt,
	)
	if err != nil {
		// Counter not advanced: the next append reuses this position.
		return 0, fmt.Errorf("chat: append: %w", err)
	}

	s.lastPos = next
	return next, nil
}

// ReadBefore implements Store. It runs outside the append path and may be
// called concurrently from history handlers.
func (s *PostgresStore) ReadBefore(ctx context.Context, beforePosition int64, limit int) ([]Message, error) {
	limit = ClampLimit(limit)

	const query = `
		SELECT position, sender_id, sender_name, body, attachment_ref, created_at
		FROM messages
		WHERE ($1 <= 0 OR position < $1)
		ORDER BY position DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, beforePosition, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: read range: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg Message
			ref sql.NullString
		)
		if err := rows.Scan(&msg.Position, &msg.SenderID, &msg.SenderName, &msg.Text, &ref, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		msg.AttachmentRef = ref.String
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: read range: %w", err)
	}
	return out, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package chat

import "context"

const (
	// DefaultPageSize is used when a history request does not name a limit.
	DefaultPageSize = 50

	// MaxPageSize caps a single history page regardless of what the client
	// asks for, so one request cannot load an unbounded slice of the log.
	MaxPageSize = 200
)

// Store is the durable message log. Append is effectively serialized by the
// implementation: positions come out strictly increasing with no gaps, and a
// failed append never burns a position. ReadBefore is safe to call
// concurrently with appends and returns a consistent snapshot.
type Store interface {
	// Append persists the message and returns its assigned position.
	// msg.Position is ignored on input.
	Append(ctx context.Context, msg Message) (int64, error)

	// ReadBefore returns up to limit messages with positions strictly below
	// beforePosition, newest first. beforePosition <= 0 means "from the
	// latest". Fewer than limit messages are returned only at the start of
	// history.
	ReadBefore(ctx context.Context, beforePosition int64, limit int) ([]Message, error)
}

// ClampLimit normalizes a client-supplied page size into [1, MaxPageSize].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

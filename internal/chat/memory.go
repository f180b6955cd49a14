package chat

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used for development runs without a
// database and for tests. The slice index is position-1, which keeps the
// no-gaps invariant by construction.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
}

// NewMemoryStore creates an empty in-memory message log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, msg Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg.Position = int64(len(s.messages)) + 1
	s.messages = append(s.messages, msg)
	return msg.Position, nil
}

// ReadBefore implements Store.
func (s *MemoryStore) ReadBefore(ctx context.Context, beforePosition int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	end := int64(len(s.messages)) // exclusive index of the first excluded message
	if beforePosition > 0 && beforePosition-1 < end {
		end = beforePosition - 1
	}
	if end <= 0 {
		return []Message{}, nil
	}

	start := end - int64(limit)
	if start < 0 {
		start = 0
	}

	// Newest first.
	out := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, s.messages[i])
	}
	return out, nil
}

// Len returns the number of appended messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

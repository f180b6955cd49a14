// Package chat defines the persisted message model and the durable,
// time-ordered message log. The log supports exactly two operations: a
// serialized append that assigns the next sequence position, and a
// cursor-based backward range read for history pagination.
package chat

import (
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max body size on the wire
	MaxTextChars    = 2000 // max character count
)

// Message is one persisted chat message. Immutable once appended: the store
// assigns Position, the hub assigns CreatedAt and the sender fields from the
// connection's verified identity. AttachmentRef is an opaque string produced
// by the upload service; the chat core never interprets or validates it.
type Message struct {
	Position      int64     `json:"position"`
	SenderID      string    `json:"sender_id"`
	SenderName    string    `json:"sender_name"`
	Text          string    `json:"text"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ValidateContent checks that a message is sendable. An empty body is only
// allowed when an attachment reference is present (a bare file share).
func ValidateContent(text string, attachmentRef string) error {
	if len(text) == 0 && attachmentRef == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

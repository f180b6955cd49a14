// Package protocol defines the WebSocket message types and structures used
// between chat clients and the server. All messages are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypeHistory = "history"
	TypePing    = "ping"
)

// Server -> Client message types. TypeBroadcast shares the "message" wire
// name with the client send type; direction disambiguates.
const (
	TypeWelcome       = "welcome"
	TypeBroadcast     = "message"
	TypeSystem        = "system"
	TypePresence      = "presence"
	TypeHistoryResult = "history"
	TypeError         = "error"
	TypePong          = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError       = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
	CodeNotJoined        = "not_joined"
	CodeInvalidMessage   = "invalid_message"
	CodeStoreUnavailable = "store_unavailable"
	CodeRateLimited      = "rate_limited"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg registers the connection as present in the room. The identity is
// implied by the already-admitted connection; any name embedded here by the
// client is ignored.
type JoinMsg struct {
	Type string `json:"type"`
}

// SendMsg carries a chat message. AttachmentRef is the opaque path string
// returned by the upload service, if any.
type SendMsg struct {
	Type          string `json:"type"`
	Text          string `json:"text"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

// HistoryMsg requests a page of messages strictly before BeforePosition
// (0 means "from the latest").
type HistoryMsg struct {
	Type           string `json:"type"`
	BeforePosition int64  `json:"before_position"`
	Limit          int    `json:"limit"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WelcomeMsg is sent once after admission, before any broadcast.
type WelcomeMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Name         string `json:"name"`
}

// BroadcastMsg is a persisted chat message fanned out to every live
// connection, carrying the position the store assigned.
type BroadcastMsg struct {
	Type          string `json:"type"`
	From          string `json:"from"`
	FromID        string `json:"from_id"`
	Text          string `json:"text"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	Position      int64  `json:"position"`
	Ts            int64  `json:"ts"`
}

// SystemMsg is an ephemeral join/leave announcement. It is broadcast but
// never written to the message log.
type SystemMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// PresenceUser is one identity in a presence snapshot.
type PresenceUser struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Connections int    `json:"connections"`
}

// PresenceMsg is the full presence snapshot broadcast after every join or
// leave.
type PresenceMsg struct {
	Type  string         `json:"type"`
	Users []PresenceUser `json:"users"`
}

// HistoryMessage is one persisted message in a history response.
type HistoryMessage struct {
	From          string `json:"from"`
	FromID        string `json:"from_id"`
	Text          string `json:"text"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	Position      int64  `json:"position"`
	Ts            int64  `json:"ts"`
}

// HistoryResultMsg answers a HistoryMsg with one page, newest first.
type HistoryResultMsg struct {
	Type     string           `json:"type"`
	Messages []HistoryMessage `json:"messages"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

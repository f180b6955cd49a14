package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid message (send) frame
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"message","text":"hi there","attachment_ref":"/uploads/cat.png"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.Text != "hi there" {
		t.Errorf("expected text %q, got %q", "hi there", sm.Text)
	}
	if sm.AttachmentRef != "/uploads/cat.png" {
		t.Errorf("expected attachment_ref %q, got %q", "/uploads/cat.png", sm.AttachmentRef)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing join and history frames
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"join"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}
	if _, ok := msg.(JoinMsg); !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
}

func TestParseClientMessage_History(t *testing.T) {
	input := []byte(`{"type":"history","before_position":42,"limit":10}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeHistory {
		t.Fatalf("expected type %q, got %q", TypeHistory, msgType)
	}

	hm, ok := msg.(HistoryMsg)
	if !ok {
		t.Fatalf("expected HistoryMsg, got %T", msg)
	}
	if hm.BeforePosition != 42 {
		t.Errorf("expected before_position 42, got %d", hm.BeforePosition)
	}
	if hm.Limit != 10 {
		t.Errorf("expected limit 10, got %d", hm.Limit)
	}
}

// ---------------------------------------------------------------------------
// Test: Building a broadcast server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Broadcast(t *testing.T) {
	payload := BroadcastMsg{
		From:     "alice",
		FromID:   "u-1",
		Text:     "hi",
		Position: 7,
		Ts:       1700000000,
	}

	data, err := NewServerMessage(TypeBroadcast, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeBroadcast {
		t.Errorf("expected type %q, got %v", TypeBroadcast, result["type"])
	}
	if result["from"] != "alice" {
		t.Errorf("expected from %q, got %v", "alice", result["from"])
	}
	if pos, ok := result["position"].(float64); !ok || int64(pos) != 7 {
		t.Errorf("expected position 7, got %v", result["position"])
	}
	if _, present := result["attachment_ref"]; present {
		t.Error("empty attachment_ref should be omitted from the wire")
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"teleport","data":"x"}`))
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"presence"}`))
	if err == nil {
		t.Fatal("expected error for server-only message type")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"text":"hello"}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

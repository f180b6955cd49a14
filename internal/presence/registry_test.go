package presence

import (
	"testing"

	"github.com/parlor/chat-server/internal/auth"
)

var (
	alice = auth.Identity{ID: "u-1", Name: "alice"}
	bob   = auth.Identity{ID: "u-2", Name: "bob"}
)

func TestJoinAndList(t *testing.T) {
	r := NewRegistry()

	if !r.Join("c-1", alice) {
		t.Fatal("first Join should change the registry")
	}
	if !r.Join("c-2", bob) {
		t.Fatal("second Join should change the registry")
	}

	entries := r.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Sorted by name: alice, bob.
	if entries[0].Identity.Name != "alice" || entries[1].Identity.Name != "bob" {
		t.Errorf("unexpected order: %q, %q", entries[0].Identity.Name, entries[1].Identity.Name)
	}
}

func TestJoinIdempotentPerConnection(t *testing.T) {
	r := NewRegistry()

	r.Join("c-1", alice)
	if r.Join("c-1", alice) {
		t.Fatal("repeated Join for the same connection must be a no-op")
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", r.Count())
	}
	entries := r.List()
	if len(entries) != 1 || entries[0].Connections != 1 {
		t.Fatalf("expected alice with 1 connection, got %+v", entries)
	}
}

func TestMultipleDevicesSameIdentity(t *testing.T) {
	r := NewRegistry()

	r.Join("c-1", alice)
	r.Join("c-2", alice)
	r.Join("c-3", bob)

	entries := r.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 distinct identities, got %d", len(entries))
	}
	if entries[0].Identity.ID != "u-1" || entries[0].Connections != 2 {
		t.Errorf("expected alice with 2 connections, got %+v", entries[0])
	}
	if entries[1].Identity.ID != "u-2" || entries[1].Connections != 1 {
		t.Errorf("expected bob with 1 connection, got %+v", entries[1])
	}
}

func TestLeave(t *testing.T) {
	r := NewRegistry()
	r.Join("c-1", alice)

	ident, ok := r.Leave("c-1")
	if !ok {
		t.Fatal("Leave should report the entry existed")
	}
	if ident.ID != "u-1" {
		t.Errorf("expected identity u-1, got %q", ident.ID)
	}
	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d entries", r.Count())
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Join("c-1", alice)

	if _, ok := r.Leave("c-1"); !ok {
		t.Fatal("first Leave should change the registry")
	}
	if _, ok := r.Leave("c-1"); ok {
		t.Fatal("second Leave must be a no-op")
	}
}

func TestLeaveUnknownConnection(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Leave("never-joined"); ok {
		t.Fatal("Leave on an unknown connection must be a no-op")
	}
}

func TestJoinedAndIdentity(t *testing.T) {
	r := NewRegistry()
	r.Join("c-1", alice)

	if !r.Joined("c-1") {
		t.Error("expected c-1 to be joined")
	}
	if r.Joined("c-2") {
		t.Error("expected c-2 to not be joined")
	}
	ident, ok := r.Identity("c-1")
	if !ok || ident.Name != "alice" {
		t.Errorf("expected alice for c-1, got %+v ok=%v", ident, ok)
	}
}

// Package presence tracks which verified identities are currently connected.
// The registry is a plain map with no internal locking: it is owned by the
// broadcast hub's single event loop, which is the only goroutine that touches
// it. Everything the rest of the system learns about presence comes out of
// snapshots the hub hands over.
package presence

import (
	"sort"

	"github.com/parlor/chat-server/internal/auth"
)

// Entry is one identity in a presence snapshot together with how many of its
// connections (devices) are live.
type Entry struct {
	Identity    auth.Identity
	Connections int
}

// Registry maps live connection IDs to their verified identities. At most one
// entry per connection ID; an identity may appear behind several connections.
type Registry struct {
	conns map[string]auth.Identity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]auth.Identity)}
}

// Join records the connection. It is idempotent per connection ID and reports
// whether the registry changed.
func (r *Registry) Join(connID string, ident auth.Identity) bool {
	if _, ok := r.conns[connID]; ok {
		return false
	}
	r.conns[connID] = ident
	return true
}

// Leave removes the connection and returns its identity. An unknown
// connection ID is a no-op, not an error: disconnects race with everything.
func (r *Registry) Leave(connID string) (auth.Identity, bool) {
	ident, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	return ident, ok
}

// Joined reports whether the connection has a presence entry.
func (r *Registry) Joined(connID string) bool {
	_, ok := r.conns[connID]
	return ok
}

// Identity returns the verified identity registered for the connection.
func (r *Registry) Identity(connID string) (auth.Identity, bool) {
	ident, ok := r.conns[connID]
	return ident, ok
}

// List returns the distinct identities currently present with their
// connection counts, sorted by display name for stable snapshots.
func (r *Registry) List() []Entry {
	byID := make(map[string]*Entry, len(r.conns))
	for _, ident := range r.conns {
		if e, ok := byID[ident.ID]; ok {
			e.Connections++
			continue
		}
		byID[ident.ID] = &Entry{Identity: ident, Connections: 1}
	}

	out := make([]Entry, 0, len(byID))
	for _, e := range byID {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.Name != out[j].Identity.Name {
			return out[i].Identity.Name < out[j].Identity.Name
		}
		return out[i].Identity.ID < out[j].Identity.ID
	})
	return out
}

// Count returns the number of live connection entries.
func (r *Registry) Count() int {
	return len(r.conns)
}

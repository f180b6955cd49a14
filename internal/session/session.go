// Package session mirrors live connection state into Redis. Each WebSocket
// connection gets a short-TTL hash keyed by connection ID, refreshed by the
// heartbeat, so operators and sidecar tooling can see who is online on which
// server instance without asking the hub.
package session

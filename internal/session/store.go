package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlor/chat-server/internal/auth"
)

const (
	// Prefix is the Redis key prefix for all connection mirror hashes.
	Prefix = "presence:"

	// TTL is the time-to-live for mirror keys. The heartbeat refreshes it
	// every interval, so a key that expires means the server instance died
	// without cleaning up.
	TTL = 2 * time.Minute
)

// Entry is the mirrored state of one live connection.
type Entry struct {
	ConnID      string `redis:"conn_id"`
	UserID      string `redis:"user_id"`
	Name        string `redis:"name"`
	Server      string `redis:"server"`       // which server instance owns the connection
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastSeen    int64  `redis:"last_seen"`    // unix timestamp
}

// Store writes connection mirror entries to Redis. All operations are best
// effort from the caller's point of view; the in-process registry remains
// the source of truth for presence.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a mirror store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create writes a mirror entry for a freshly admitted connection.
func (s *Store) Create(ctx context.Context, connID string, ident auth.Identity) error {
	key := Prefix + connID
	now := time.Now().Unix()

	entry := map[string]interface{}{
		"conn_id":      connID,
		"user_id":      ident.ID,
		"name":         ident.Name,
		"server":       s.serverName,
		"connected_at": now,
		"last_seen":    now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, entry)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a mirror entry. Returns nil if not found or expired.
func (s *Store) Get(ctx context.Context, connID string) (*Entry, error) {
	key := Prefix + connID
	var entry Entry
	if err := s.client.HGetAll(ctx, key).Scan(&entry); err != nil {
		return nil, err
	}
	if entry.ConnID == "" {
		return nil, nil // not found
	}
	return &entry, nil
}

// Refresh bumps last_seen and extends the TTL. Called from the heartbeat
// for every connection that answered its ping.
func (s *Store) Refresh(ctx context.Context, connID string) error {
	key := Prefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a mirror entry when the connection closes.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := Prefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

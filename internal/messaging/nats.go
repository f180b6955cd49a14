// Package messaging publishes chat room events to NATS. The server itself
// never consumes these subjects; they exist as a firehose for external
// consumers such as archivers, analytics pipelines, and moderation tooling.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/parlor/chat-server/internal/auth"
	"github.com/parlor/chat-server/internal/chat"
)

// NATS subjects for the event firehose.
const (
	SubjectMessage  = "chat.events.message"
	SubjectPresence = "chat.events.presence"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Publisher wraps a NATS connection and emits room events. Publish failures
// are logged and dropped; the firehose is advisory and must never affect the
// chat path.
type Publisher struct {
	conn *nats.Conn
}

// presenceEvent is the wire form of a presence change on the firehose.
type presenceEvent struct {
	Event  string `json:"event"` // "joined" or "left"
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Online int    `json:"online"`
	Ts     int64  `json:"ts"`
}

// NewPublisher connects to NATS with the given config and returns a ready
// publisher. It returns an error if the initial connection fails.
func NewPublisher(config Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats: disconnected: %v", err)
			} else {
				log.Printf("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("nats: connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("nats: connected to %s", nc.ConnectedUrl())

	return &Publisher{conn: nc}, nil
}

// PublishMessage emits a broadcast message to the firehose.
func (p *Publisher) PublishMessage(msg chat.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("nats: marshal message pos=%d: %v", msg.Position, err)
		return
	}
	if err := p.conn.Publish(SubjectMessage, data); err != nil {
		log.Printf("nats: publish %s: %v", SubjectMessage, err)
	}
}

// PublishPresence emits a presence change (join or leave) to the firehose.
func (p *Publisher) PublishPresence(event string, ident auth.Identity, online int) {
	data, err := json.Marshal(presenceEvent{
		Event:  event,
		UserID: ident.ID,
		Name:   ident.Name,
		Online: online,
		Ts:     time.Now().Unix(),
	})
	if err != nil {
		log.Printf("nats: marshal presence event: %v", err)
		return
	}
	if err := p.conn.Publish(SubjectPresence, data); err != nil {
		log.Printf("nats: publish %s: %v", SubjectPresence, err)
	}
}

// Close flushes pending publishes and closes the NATS connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Printf("nats: connection drain: %v", err)
	}
	log.Printf("nats: publisher closed")
}

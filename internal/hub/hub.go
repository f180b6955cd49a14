// Package hub implements the broadcast hub: the single-writer coordinator
// that owns the presence registry and the append path into the message log.
// Sessions hand their events to the hub over a channel; one goroutine applies
// them in arrival order and fans the results out to every live session, which
// makes the global total order of broadcasts trivial to preserve.
package hub

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/parlor/chat-server/internal/auth"
	"github.com/parlor/chat-server/internal/chat"
	"github.com/parlor/chat-server/internal/metrics"
	"github.com/parlor/chat-server/internal/presence"
	"github.com/parlor/chat-server/internal/protocol"
)

// Sink is the hub's view of one live connection's outbound side. Enqueue must
// not block: it reports false when the session's bounded queue is full, and
// the hub responds by kicking the session rather than buffering without limit
// or stalling delivery to everyone else. Kick closes the transport; the
// session's Detach arrives later through the normal disconnect path.
type Sink interface {
	Enqueue(frame []byte) bool
	Kick()
}

// Firehose mirrors hub events onto an external feed (NATS) for consumers
// like moderation or analytics. Client delivery never depends on it.
type Firehose interface {
	PublishMessage(msg chat.Message)
	PublishPresence(event string, ident auth.Identity, online int)
}

// Options tunes the hub. The zero value is usable.
type Options struct {
	// AppendTimeout bounds a single store append so a hung store cannot
	// wedge the event loop forever. Default 5s.
	AppendTimeout time.Duration

	// Firehose, when set, receives a copy of every persisted message and
	// presence change.
	Firehose Firehose

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Hub is the broadcast coordinator. All mutating operations go through Run's
// event loop; History reads the store directly and may run concurrently.
type Hub struct {
	store    chat.Store
	registry *presence.Registry
	sessions map[string]*session
	events   chan event

	appendTimeout time.Duration
	firehose      Firehose
	clock         func() time.Time

	// kicked collects sessions whose queue overflowed mid-fanout; they are
	// detached after the current frame has been offered to everyone.
	kicked []string
}

type session struct {
	id       string
	identity auth.Identity
	sink     Sink
}

type eventKind int

const (
	evAttach eventKind = iota
	evJoin
	evSend
	evDetach
)

type event struct {
	kind          eventKind
	connID        string
	identity      auth.Identity
	sink          Sink
	text          string
	attachmentRef string
}

// New creates a hub over the given message store.
func New(store chat.Store, opts Options) *Hub {
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Hub{
		store:         store,
		registry:      presence.NewRegistry(),
		sessions:      make(map[string]*session),
		events:        make(chan event, 256),
		appendTimeout: opts.AppendTimeout,
		firehose:      opts.Firehose,
		clock:         opts.Clock,
	}
}

// Run processes events until the context is cancelled. It must be called in
// its own goroutine before any session is attached. No event may crash the
// loop: a panicking handler is logged and the loop keeps going.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("hub: stopped (%d sessions live)", len(h.sessions))
			return
		case ev := <-h.events:
			h.apply(ev)
		}
	}
}

func (h *Hub) apply(ev event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("hub: recovered from panic handling event kind=%d conn=%s: %v", ev.kind, ev.connID, r)
		}
	}()

	switch ev.kind {
	case evAttach:
		h.handleAttach(ev)
	case evJoin:
		h.handleJoin(ev.connID)
	case evSend:
		h.handleSend(ev)
	case evDetach:
		h.handleDetach(ev.connID)
	}
	h.flushKicked()
}

// Attach registers an admitted connection's outbound sink with the hub. The
// connection receives broadcasts from this point on but has no presence entry
// until it joins.
func (h *Hub) Attach(connID string, ident auth.Identity, sink Sink) {
	h.events <- event{kind: evAttach, connID: connID, identity: ident, sink: sink}
}

// Join registers the connection in the presence registry and announces it.
// Idempotent per connection.
func (h *Hub) Join(connID string) {
	h.events <- event{kind: evJoin, connID: connID}
}

// Send submits a message for persistence and fan-out. The sender must have
// joined; rejections and store failures are reported to the sender only.
func (h *Hub) Send(connID string, text string, attachmentRef string) {
	h.events <- event{kind: evSend, connID: connID, text: text, attachmentRef: attachmentRef}
}

// Detach removes the connection. Safe to call more than once; the transport
// layer guarantees it is called at least once per dead connection.
func (h *Hub) Detach(connID string) {
	h.events <- event{kind: evDetach, connID: connID}
}

// History reads a page of the message log, newest first. It runs outside the
// event loop: pagination never delays broadcast processing.
func (h *Hub) History(ctx context.Context, beforePosition int64, limit int) ([]chat.Message, error) {
	msgs, err := h.store.ReadBefore(ctx, beforePosition, chat.ClampLimit(limit))
	if err != nil {
		metrics.HistoryRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("hub: history read: %w", err)
	}
	metrics.HistoryRequests.WithLabelValues("ok").Inc()
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Event handlers — only ever called from the Run goroutine.
// ---------------------------------------------------------------------------

func (h *Hub) handleAttach(ev event) {
	h.sessions[ev.connID] = &session{id: ev.connID, identity: ev.identity, sink: ev.sink}
	log.Printf("hub: attached conn=%s user=%s (sessions=%d)", ev.connID, ev.identity.Name, len(h.sessions))
}

func (h *Hub) handleJoin(connID string) {
	sess, ok := h.sessions[connID]
	if !ok {
		return
	}
	if !h.registry.Join(connID, sess.identity) {
		return // repeated join, no duplicate entry and no duplicate notice
	}
	log.Printf("hub: joined conn=%s user=%s (present=%d)", connID, sess.identity.Name, h.registry.Count())
	h.announce(sess.identity, "joined")
}

func (h *Hub) handleSend(ev event) {
	sess, ok := h.sessions[ev.connID]
	if !ok {
		return // raced with a disconnect, nobody to answer
	}

	ident, joined := h.registry.Identity(ev.connID)
	if !joined {
		h.replyError(sess, protocol.CodeNotJoined, "join before sending")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	if err := chat.ValidateContent(ev.text, ev.attachmentRef); err != nil {
		h.replyError(sess, protocol.CodeInvalidMessage, err.Error())
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	// Sender fields come from the registered identity, never from the
	// client payload. Timestamp comes from the server clock.
	msg := chat.Message{
		SenderID:      ident.ID,
		SenderName:    ident.Name,
		Text:          ev.text,
		AttachmentRef: ev.attachmentRef,
		CreatedAt:     h.clock(),
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.appendTimeout)
	pos, err := h.store.Append(ctx, msg)
	cancel()
	metrics.AppendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		// Reported to the sender only; nothing was broadcast and the
		// position counter did not advance.
		log.Printf("hub: append failed conn=%s: %v", ev.connID, err)
		h.replyError(sess, protocol.CodeStoreUnavailable, "message not saved, try again")
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return
	}
	msg.Position = pos

	frame, err := protocol.NewServerMessage(protocol.TypeBroadcast, protocol.BroadcastMsg{
		From:          msg.SenderName,
		FromID:        msg.SenderID,
		Text:          msg.Text,
		AttachmentRef: msg.AttachmentRef,
		Position:      msg.Position,
		Ts:            msg.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("hub: failed to build broadcast frame pos=%d: %v", pos, err)
		return
	}

	h.fanout(frame)
	metrics.MessagesTotal.WithLabelValues("broadcast").Inc()

	if h.firehose != nil {
		h.firehose.PublishMessage(msg)
	}
}

func (h *Hub) handleDetach(connID string) {
	sess, ok := h.sessions[connID]
	if !ok {
		return
	}
	delete(h.sessions, connID)
	log.Printf("hub: detached conn=%s user=%s (sessions=%d)", connID, sess.identity.Name, len(h.sessions))

	if ident, had := h.registry.Leave(connID); had {
		h.announce(ident, "left")
	}
}

// announce broadcasts a system notice and a fresh presence snapshot after a
// presence change. Notices are ephemeral: they never touch the message log.
func (h *Hub) announce(ident auth.Identity, action string) {
	notice, err := protocol.NewServerMessage(protocol.TypeSystem, protocol.SystemMsg{
		Text: fmt.Sprintf("%s %s the chat", ident.Name, action),
		Ts:   h.clock().Unix(),
	})
	if err == nil {
		h.fanout(notice)
	}

	entries := h.registry.List()
	users := make([]protocol.PresenceUser, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.PresenceUser{
			ID:          e.Identity.ID,
			Name:        e.Identity.Name,
			Connections: e.Connections,
		})
	}
	snapshot, err := protocol.NewServerMessage(protocol.TypePresence, protocol.PresenceMsg{Users: users})
	if err == nil {
		h.fanout(snapshot)
	}

	metrics.PresenceUsers.Set(float64(len(entries)))
	if h.firehose != nil {
		h.firehose.PublishPresence(action, ident, h.registry.Count())
	}
}

// fanout offers a frame to every live session in hub order. Sessions whose
// bounded queue is full are queued for a kick instead of delaying the rest.
func (h *Hub) fanout(frame []byte) {
	for id, s := range h.sessions {
		if !s.sink.Enqueue(frame) {
			h.kicked = append(h.kicked, id)
		}
	}
}

// replyError sends an error frame to a single session.
func (h *Hub) replyError(s *session, code string, message string) {
	frame, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if !s.sink.Enqueue(frame) {
		h.kicked = append(h.kicked, s.id)
	}
}

// flushKicked detaches sessions collected during fan-out. Detaching may
// announce a leave, which itself can overflow further sessions, so this
// drains until quiet.
func (h *Hub) flushKicked() {
	for len(h.kicked) > 0 {
		id := h.kicked[0]
		h.kicked = h.kicked[1:]

		sess, ok := h.sessions[id]
		if !ok {
			continue
		}
		log.Printf("hub: kicking slow consumer conn=%s user=%s", id, sess.identity.Name)
		metrics.SlowConsumerKicks.Inc()
		sess.sink.Kick()
		h.handleDetach(id)
	}
}

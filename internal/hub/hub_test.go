package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parlor/chat-server/internal/auth"
	"github.com/parlor/chat-server/internal/chat"
	"github.com/parlor/chat-server/internal/protocol"
)

var (
	alice = auth.Identity{ID: "u-1", Name: "alice"}
	bob   = auth.Identity{ID: "u-2", Name: "bob"}
)

// testSink records every frame the hub enqueues. A non-zero capacity makes
// Enqueue start refusing frames once full, to exercise the kick path.
type testSink struct {
	mu     sync.Mutex
	frames [][]byte
	cap    int
	kicked bool
}

func (s *testSink) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap > 0 && len(s.frames) >= s.cap {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *testSink) Kick() {
	s.mu.Lock()
	s.kicked = true
	s.mu.Unlock()
}

func (s *testSink) wasKicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicked
}

func (s *testSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// decoded returns every recorded frame as a generic JSON object.
func (s *testSink) decoded(t *testing.T) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(s.frames))
	for _, f := range s.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

// broadcastPositions extracts the position sequence of message frames.
func (s *testSink) broadcastPositions(t *testing.T) []int64 {
	t.Helper()
	var out []int64
	for _, m := range s.decoded(t) {
		if m["type"] == protocol.TypeBroadcast {
			out = append(out, int64(m["position"].(float64)))
		}
	}
	return out
}

func (s *testSink) lastOfType(t *testing.T, msgType string) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	for _, m := range s.decoded(t) {
		if m["type"] == msgType {
			last = m
		}
	}
	return last
}

// faultStore wraps a memory store and fails appends on demand.
type faultStore struct {
	*chat.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (s *faultStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *faultStore) Append(ctx context.Context, msg chat.Message) (int64, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return 0, errors.New("simulated store fault")
	}
	return s.MemoryStore.Append(ctx, msg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startHub(t *testing.T, store chat.Store) *Hub {
	t.Helper()
	h := New(store, Options{AppendTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestJoinBroadcastsNoticeAndSnapshot(t *testing.T) {
	h := startHub(t, chat.NewMemoryStore())
	sink := &testSink{}

	h.Attach("c-1", alice, sink)
	h.Join("c-1")

	// The joiner receives its own join notice and the snapshot.
	waitFor(t, "join notice", func() bool { return sink.count() >= 2 })

	frames := sink.decoded(t)
	if frames[0]["type"] != protocol.TypeSystem {
		t.Fatalf("expected first frame to be a system notice, got %v", frames[0]["type"])
	}
	if frames[0]["text"] != "alice joined the chat" {
		t.Errorf("unexpected notice text: %v", frames[0]["text"])
	}

	snap := sink.lastOfType(t, protocol.TypePresence)
	if snap == nil {
		t.Fatal("expected a presence snapshot")
	}
	users := snap["users"].([]interface{})
	if len(users) != 1 {
		t.Fatalf("expected 1 user in snapshot, got %d", len(users))
	}
	if users[0].(map[string]interface{})["name"] != "alice" {
		t.Errorf("unexpected snapshot user: %v", users[0])
	}
}

func TestRepeatedJoinIsIdempotent(t *testing.T) {
	h := startHub(t, chat.NewMemoryStore())
	sink := &testSink{}

	h.Attach("c-1", alice, sink)
	h.Join("c-1")
	h.Join("c-1")
	h.Join("c-1")

	waitFor(t, "first join notice", func() bool { return sink.count() >= 2 })
	// Give the duplicate joins time to (wrongly) produce more frames.
	time.Sleep(50 * time.Millisecond)

	notices := 0
	for _, m := range sink.decoded(t) {
		if m["type"] == protocol.TypeSystem {
			notices++
		}
	}
	if notices != 1 {
		t.Fatalf("expected exactly 1 join notice, got %d", notices)
	}
}

func TestSendBroadcastsToAllIncludingSender(t *testing.T) {
	store := chat.NewMemoryStore()
	h := startHub(t, store)
	aliceSink := &testSink{}
	bobSink := &testSink{}

	h.Attach("c-a", alice, aliceSink)
	h.Attach("c-b", bob, bobSink)
	h.Join("c-a")
	h.Join("c-b")
	h.Send("c-a", "hi", "")

	waitFor(t, "broadcast to both", func() bool {
		a := aliceSink.broadcastPositions(t)
		b := bobSink.broadcastPositions(t)
		return len(a) == 1 && len(b) == 1
	})

	for _, sink := range []*testSink{aliceSink, bobSink} {
		m := sink.lastOfType(t, protocol.TypeBroadcast)
		if m["from"] != "alice" {
			t.Errorf("expected from=alice, got %v", m["from"])
		}
		if m["text"] != "hi" {
			t.Errorf("expected text=hi, got %v", m["text"])
		}
		if int64(m["position"].(float64)) != 1 {
			t.Errorf("expected position 1, got %v", m["position"])
		}
	}
}

// Messages from different senders must be observed in the same relative
// order by every recipient.
func TestBroadcastTotalOrder(t *testing.T) {
	h := startHub(t, chat.NewMemoryStore())
	aliceSink := &testSink{}
	bobSink := &testSink{}

	h.Attach("c-a", alice, aliceSink)
	h.Attach("c-b", bob, bobSink)
	h.Join("c-a")
	h.Join("c-b")

	const n = 20
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			h.Send("c-a", fmt.Sprintf("a-%d", i), "")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			h.Send("c-b", fmt.Sprintf("b-%d", i), "")
		}
	}()
	wg.Wait()

	waitFor(t, "all broadcasts delivered", func() bool {
		return len(aliceSink.broadcastPositions(t)) == 2*n && len(bobSink.broadcastPositions(t)) == 2*n
	})

	aPos := aliceSink.broadcastPositions(t)
	bPos := bobSink.broadcastPositions(t)
	for i := range aPos {
		if aPos[i] != int64(i+1) {
			t.Fatalf("alice observed position %d at index %d, want %d", aPos[i], i, i+1)
		}
		if bPos[i] != aPos[i] {
			t.Fatalf("recipients disagree at index %d: %d vs %d", i, aPos[i], bPos[i])
		}
	}
}

func TestSendWithoutJoinRejected(t *testing.T) {
	store := chat.NewMemoryStore()
	h := startHub(t, store)
	senderSink := &testSink{}
	otherSink := &testSink{}

	h.Attach("c-a", alice, senderSink)
	h.Attach("c-b", bob, otherSink)
	h.Join("c-b")
	h.Send("c-a", "hello?", "")

	waitFor(t, "rejection frame", func() bool {
		return senderSink.lastOfType(t, protocol.TypeError) != nil
	})

	errFrame := senderSink.lastOfType(t, protocol.TypeError)
	if errFrame["code"] != protocol.CodeNotJoined {
		t.Errorf("expected code %q, got %v", protocol.CodeNotJoined, errFrame["code"])
	}
	if store.Len() != 0 {
		t.Errorf("expected no message persisted, got %d", store.Len())
	}
	if got := otherSink.broadcastPositions(t); len(got) != 0 {
		t.Errorf("expected no broadcast to other connections, got %v", got)
	}
}

func TestInvalidMessageRejected(t *testing.T) {
	store := chat.NewMemoryStore()
	h := startHub(t, store)
	sink := &testSink{}

	h.Attach("c-1", alice, sink)
	h.Join("c-1")
	h.Send("c-1", "", "") // empty body, no attachment

	waitFor(t, "rejection frame", func() bool {
		return sink.lastOfType(t, protocol.TypeError) != nil
	})

	errFrame := sink.lastOfType(t, protocol.TypeError)
	if errFrame["code"] != protocol.CodeInvalidMessage {
		t.Errorf("expected code %q, got %v", protocol.CodeInvalidMessage, errFrame["code"])
	}
	if store.Len() != 0 {
		t.Errorf("expected no message persisted, got %d", store.Len())
	}
}

func TestStoreFailureReportedToSenderOnly(t *testing.T) {
	store := &faultStore{MemoryStore: chat.NewMemoryStore()}
	h := startHub(t, store)
	aliceSink := &testSink{}
	bobSink := &testSink{}

	h.Attach("c-a", alice, aliceSink)
	h.Attach("c-b", bob, bobSink)
	h.Join("c-a")
	h.Join("c-b")

	store.setFail(true)
	h.Send("c-a", "doomed", "")

	waitFor(t, "store failure frame", func() bool {
		return aliceSink.lastOfType(t, protocol.TypeError) != nil
	})

	errFrame := aliceSink.lastOfType(t, protocol.TypeError)
	if errFrame["code"] != protocol.CodeStoreUnavailable {
		t.Errorf("expected code %q, got %v", protocol.CodeStoreUnavailable, errFrame["code"])
	}
	if got := bobSink.broadcastPositions(t); len(got) != 0 {
		t.Errorf("expected no broadcast after failed append, got %v", got)
	}

	// Counter must not have advanced: the next successful send gets position 1.
	store.setFail(false)
	h.Send("c-a", "recovered", "")
	waitFor(t, "recovered broadcast", func() bool {
		return len(bobSink.broadcastPositions(t)) == 1
	})
	if pos := bobSink.broadcastPositions(t)[0]; pos != 1 {
		t.Fatalf("expected first persisted message at position 1, got %d", pos)
	}
}

func TestDisconnectScenario(t *testing.T) {
	store := chat.NewMemoryStore()
	h := startHub(t, store)
	aliceSink := &testSink{}
	bobSink := &testSink{}

	h.Attach("c-a", alice, aliceSink)
	h.Attach("c-b", bob, bobSink)
	h.Join("c-a")
	h.Join("c-b")
	h.Send("c-a", "hi", "")

	waitFor(t, "broadcast to both", func() bool {
		return len(aliceSink.broadcastPositions(t)) == 1 && len(bobSink.broadcastPositions(t)) == 1
	})

	h.Detach("c-b")
	waitFor(t, "leave notice", func() bool {
		m := aliceSink.lastOfType(t, protocol.TypeSystem)
		return m != nil && m["text"] == "bob left the chat"
	})

	snap := aliceSink.lastOfType(t, protocol.TypePresence)
	users := snap["users"].([]interface{})
	if len(users) != 1 || users[0].(map[string]interface{})["name"] != "alice" {
		t.Fatalf("expected snapshot with only alice, got %v", users)
	}

	// A send from bob's dead connection is dropped without any broadcast.
	before := aliceSink.count()
	h.Send("c-b", "ghost", "")
	time.Sleep(50 * time.Millisecond)
	if aliceSink.count() != before {
		t.Errorf("expected no frames from a dead connection's send")
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 persisted message, got %d", store.Len())
	}
}

func TestDoubleDetachChangesStateOnce(t *testing.T) {
	h := startHub(t, chat.NewMemoryStore())
	aliceSink := &testSink{}
	bobSink := &testSink{}

	h.Attach("c-a", alice, aliceSink)
	h.Attach("c-b", bob, bobSink)
	h.Join("c-a")
	h.Join("c-b")

	waitFor(t, "both joined", func() bool { return aliceSink.count() >= 4 })

	h.Detach("c-b")
	h.Detach("c-b")

	waitFor(t, "leave notice", func() bool {
		m := aliceSink.lastOfType(t, protocol.TypeSystem)
		return m != nil && m["text"] == "bob left the chat"
	})
	time.Sleep(50 * time.Millisecond)

	leaves := 0
	for _, m := range aliceSink.decoded(t) {
		if m["type"] == protocol.TypeSystem && m["text"] == "bob left the chat" {
			leaves++
		}
	}
	if leaves != 1 {
		t.Fatalf("expected exactly 1 leave notice, got %d", leaves)
	}
}

func TestSlowConsumerIsKicked(t *testing.T) {
	h := startHub(t, chat.NewMemoryStore())
	slowSink := &testSink{cap: 2} // room for its own join notice + snapshot only
	fastSink := &testSink{}

	h.Attach("c-slow", alice, slowSink)
	h.Join("c-slow")
	waitFor(t, "slow consumer joined", func() bool { return slowSink.count() == 2 })

	// The next fan-out overflows the slow consumer's queue.
	h.Attach("c-fast", bob, fastSink)
	h.Join("c-fast")

	waitFor(t, "slow consumer kicked", func() bool { return slowSink.wasKicked() })

	// The fast session hears that alice left after the kick.
	waitFor(t, "leave notice for kicked session", func() bool {
		for _, m := range fastSink.decoded(t) {
			if m["type"] == protocol.TypeSystem && m["text"] == "alice left the chat" {
				return true
			}
		}
		return false
	})
}

func TestHistoryPagination(t *testing.T) {
	store := chat.NewMemoryStore()
	h := startHub(t, store)
	sink := &testSink{}

	h.Attach("c-1", alice, sink)
	h.Join("c-1")
	for i := 0; i < 7; i++ {
		h.Send("c-1", fmt.Sprintf("m-%d", i), "")
	}
	waitFor(t, "all persisted", func() bool { return store.Len() == 7 })

	page, err := h.History(context.Background(), 0, 3)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(page))
	}
	if page[0].Position != 7 {
		t.Errorf("expected newest first, got position %d", page[0].Position)
	}

	next, err := h.History(context.Background(), page[len(page)-1].Position, 3)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(next) != 3 || next[0].Position != 4 {
		t.Fatalf("expected next page to start at 4, got %+v", next)
	}
}

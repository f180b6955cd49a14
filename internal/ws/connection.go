package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parlor/chat-server/internal/auth"
)

// Connection represents a single admitted WebSocket client connection. Each
// connection owns a bounded outbound queue drained by its own writer
// goroutine, so a stalled client slows down nobody but itself: when the queue
// is full the hub kicks the connection instead of buffering further.
type Connection struct {
	ID        string        // connection ID (UUID), unique per physical connection
	Identity  auth.Identity // verified identity from the admission gate
	Conn      net.Conn      // underlying TCP connection
	Fd        int           // file descriptor for epoll lookups
	CreatedAt time.Time     // when the connection was established
	LastPing  time.Time     // last frame received from the client

	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes frame writes (writer loop vs heartbeat pings)
	writeTimeout time.Duration
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, ident auth.Identity, conn net.Conn, fd int, queueSize int, writeTimeout time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = 64
	}
	c := &Connection{
		ID:           id,
		Identity:     ident,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		out:          make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

// Enqueue offers a text frame to the outbound queue without blocking. It
// implements hub.Sink: false means the queue is full and the caller should
// give up on this connection.
func (c *Connection) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true // closing anyway, drop silently
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Kick implements hub.Sink. Closing the transport makes the read path fail,
// which drives the regular disconnect cleanup exactly once.
func (c *Connection) Kick() {
	_ = c.Close()
}

// writeLoop drains the outbound queue until the connection closes.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// write sends a single WebSocket text frame. The write mutex keeps it from
// interleaving with heartbeat ping frames.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, bypassing the outbound queue.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close shuts down the writer loop and the underlying network connection.
// Safe to call multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone. The
// boolean is what makes disconnect cleanup fire exactly once when the read
// path and the heartbeat race to remove the same connection.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

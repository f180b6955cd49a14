// Package ws handles WebSocket connection management: admitting connections
// through the identity gate, maintaining active client sessions, and
// dispatching incoming frames to the appropriate handlers. Connections are
// multiplexed through Linux epoll with a bounded worker pool for frame reads.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parlor/chat-server/internal/auth"
	"github.com/parlor/chat-server/internal/hub"
	"github.com/parlor/chat-server/internal/metrics"
	"github.com/parlor/chat-server/internal/protocol"
	"github.com/parlor/chat-server/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	WorkerPoolSize    int           // max concurrent read-worker goroutines
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // timeout for WebSocket read operations
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	OutboundQueueSize int           // per-connection outbound frame queue capacity
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		OutboundQueueSize: 64,
	}
}

// Server upgrades HTTP connections to WebSocket after the identity gate has
// admitted them, registers them with an epoll instance for I/O readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading. Decoded events are forwarded to the broadcast hub.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	gate       auth.Verifier
	hub        *hub.Hub
	mirror     *session.Store // optional Redis presence mirror
	workerPool chan struct{}  // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte)
	httpServer *http.Server
	handlers   map[string]http.Handler // extra routes mounted at Start
	done       chan struct{}
	startedAt  time.Time
	shutdown   sync.Once
}

// NewServer creates a Server with the given configuration, identity gate, and
// broadcast hub. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client; mirror
// may be nil when no Redis is configured.
func NewServer(config ServerConfig, gate auth.Verifier, h *hub.Hub, mirror *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		gate:       gate,
		hub:        h,
		mirror:     mirror,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		handlers:   make(map[string]http.Handler),
		done:       make(chan struct{}),
	}
}

// Handle mounts an extra HTTP handler (metrics, history, auth endpoints) on
// the server's mux. Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.handlers[pattern] = h
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.handlers {
		mux.Handle(pattern, h)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// bearerToken extracts the admission token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleUpgrade runs the identity gate and, on success, upgrades the HTTP
// request to a WebSocket connection. No chat traffic is processed for an
// unadmitted connection: a failed verification answers 401 and the transport
// is torn down with no retry.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ident, err := s.gate.Verify(bearerToken(r))
	if err != nil {
		kind := auth.KindOf(err)
		metrics.AdmissionsTotal.WithLabelValues(string(kind)).Inc()
		log.Printf("ws: admission refused (%s): %v", kind, err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := newConnection(connID, ident, conn, fd, s.config.OutboundQueueSize, s.config.WriteTimeout)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	metrics.ConnectionsActive.Set(float64(s.conns.Count()))

	// Mirror the connection into Redis for ops visibility (best effort).
	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.mirror.Create(ctx, connID, ident); err != nil {
			log.Printf("ws: failed to mirror conn %s: %v", connID, err)
		}
		cancel()
	}

	// Register with the hub so the connection receives broadcasts, then
	// greet the client. Presence still requires an explicit join frame.
	s.hub.Attach(connID, ident, c)

	welcome, err := protocol.NewServerMessage(protocol.TypeWelcome, protocol.WelcomeMsg{
		ConnectionID: connID,
		Name:         ident.Name,
	})
	if err != nil {
		log.Printf("ws: failed to build welcome for conn %s: %v", connID, err)
	} else if !c.Enqueue(welcome) {
		log.Printf("ws: failed to queue welcome for conn %s", connID)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", connID, ident.Name, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch). Don't kill the connection; the heartbeat handles
		// dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection, and notifies the hub.
// The connection-manager guard guarantees hub.Detach fires exactly once per
// connection no matter how many paths race to remove it.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsActive.Set(float64(s.conns.Count()))

	s.hub.Detach(c.ID)

	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.mirror.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete mirror entry for conn %s: %v", c.ID, err)
		}
		cancel()
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.Identity.Name, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Mirror returns the Redis presence mirror, or nil when not configured.
func (s *Server) Mirror() *session.Store {
	return s.mirror
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.shutdown.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.mirror != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.mirror.Delete(delCtx, c.ID)
			delCancel()
		}
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}

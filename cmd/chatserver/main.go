package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/parlor/chat-server/internal/account"
	"github.com/parlor/chat-server/internal/auth"
	"github.com/parlor/chat-server/internal/ban"
	"github.com/parlor/chat-server/internal/chat"
	"github.com/parlor/chat-server/internal/config"
	"github.com/parlor/chat-server/internal/hub"
	"github.com/parlor/chat-server/internal/messaging"
	"github.com/parlor/chat-server/internal/metrics"
	"github.com/parlor/chat-server/internal/moderation"
	"github.com/parlor/chat-server/internal/protocol"
	"github.com/parlor/chat-server/internal/ratelimit"
	"github.com/parlor/chat-server/internal/report"
	"github.com/parlor/chat-server/internal/session"
	"github.com/parlor/chat-server/internal/upload"
	"github.com/parlor/chat-server/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	minter := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	var gate auth.Verifier = minter

	// --- Message store ---
	var (
		store chat.Store
		db    *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		if err := runMigrations(db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pgStore, err := chat.NewPostgresStore(ctx, db)
		cancel()
		if err != nil {
			log.Fatalf("postgres store: %v", err)
		}
		store = pgStore
	} else {
		log.Printf("main: DATABASE_URL not set, using in-memory message store")
		store = chat.NewMemoryStore()
	}

	// --- Redis: presence mirror + rate limiting ---
	var (
		mirror  *session.Store
		limiter *ratelimit.Limiter
		bans    *ban.Store
	)
	if cfg.RedisAddr != "" {
		mirror, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(mirror.Client())
		bans = ban.NewStore(mirror.Client())
		gate = ban.NewGate(gate, bans)
	} else {
		log.Printf("main: REDIS_ADDR not set, rate limiting, bans, and presence mirror disabled")
	}

	// --- NATS firehose ---
	hubOpts := hub.Options{}
	var firehose *messaging.Publisher
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = cfg.ServerName
		firehose, err = messaging.NewPublisher(natsCfg)
		if err != nil {
			log.Fatalf("nats: %v", err)
		}
		hubOpts.Firehose = firehose
	}

	// --- Broadcast hub ---
	h := hub.New(store, hubOpts)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go h.Run(hubCtx)

	// --- WebSocket server + dispatcher ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.OutboundQueueSize = cfg.OutboundQueueSize

	filter := moderation.NewFilter()

	dispatcher := ws.NewMessageDispatcher(nil)

	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		h.Join(conn.ID)
	})

	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMsg)
		if !ok {
			return
		}

		if limiter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			allowed, _ := limiter.Allow(ctx, conn.Identity.ID, ratelimit.RuleMessage)
			cancel()
			if !allowed {
				dispatcher.SendError(conn, protocol.CodeRateLimited, "too many messages, slow down")
				return
			}
		}

		if res := filter.Check(sendMsg.Text); res.Blocked {
			log.Printf("moderation: blocked message from conn=%s reason=%s term=%s", conn.ID, res.Reason, res.Term)
			dispatcher.SendError(conn, protocol.CodeInvalidMessage, "message not allowed")
			return
		}

		h.Send(conn.ID, sendMsg.Text, sendMsg.AttachmentRef)
	})

	dispatcher.Register(protocol.TypeHistory, func(conn *ws.Connection, msg interface{}) {
		histMsg, ok := msg.(protocol.HistoryMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msgs, err := h.History(ctx, histMsg.BeforePosition, histMsg.Limit)
		cancel()
		if err != nil {
			log.Printf("history for conn=%s: %v", conn.ID, err)
			dispatcher.SendError(conn, protocol.CodeStoreUnavailable, "history unavailable, try again")
			return
		}

		frame, err := protocol.NewServerMessage(protocol.TypeHistoryResult, historyResult(msgs))
		if err != nil {
			log.Printf("history frame for conn=%s: %v", conn.ID, err)
			return
		}
		conn.Enqueue(frame)
	})

	server := ws.NewServer(wsConfig, gate, h, mirror, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// --- HTTP routes next to /ws ---
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/history", requireToken(gate, historyHandler(h)))

	if db != nil {
		accounts := account.NewHandler(account.NewStore(db), minter)
		server.Handle("/auth/register", http.HandlerFunc(accounts.Register))
		server.Handle("/auth/login", http.HandlerFunc(accounts.Login))

		var flag func(ctx context.Context, reportedID string)
		if bans != nil {
			flag = func(ctx context.Context, reportedID string) {
				banned, duration, err := bans.ReportAndCheck(ctx, reportedID, "multiple_reports")
				if err != nil {
					log.Printf("ban: report check for user=%s: %v", reportedID, err)
					return
				}
				if banned {
					log.Printf("ban: auto-banned user=%s for %s", reportedID, duration)
				}
			}
		}
		server.Handle("/report", report.NewHandler(report.NewStore(db), gate, flag))
	}

	uploads, err := upload.NewService(cfg.UploadDir, "/uploads")
	if err != nil {
		log.Fatalf("upload: %v", err)
	}
	server.Handle("/upload", requireToken(gate, http.HandlerFunc(uploads.Handle)))
	server.Handle("/uploads/", uploads.FileServer())

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  outbound_queue:  %d", cfg.OutboundQueueSize)
	log.Printf("  store:           %s", storeKind(db))
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATSURL))
	log.Printf("  server_name:     %s", cfg.ServerName)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)

		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		hubCancel()
		if firehose != nil {
			firehose.Close()
		}
		if mirror != nil {
			if err := mirror.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// runMigrations applies any pending schema migrations from dir.
func runMigrations(db *sql.DB, dir string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// historyResult converts stored messages into the wire form shared by the
// WebSocket history reply and the HTTP endpoint.
func historyResult(msgs []chat.Message) protocol.HistoryResultMsg {
	out := protocol.HistoryResultMsg{Messages: make([]protocol.HistoryMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, protocol.HistoryMessage{
			From:          m.SenderName,
			FromID:        m.SenderID,
			Text:          m.Text,
			AttachmentRef: m.AttachmentRef,
			Position:      m.Position,
			Ts:            m.CreatedAt.Unix(),
		})
	}
	return out
}

// historyHandler serves GET /history?before_position=N&limit=M for clients
// that want to page backward over HTTP instead of the WebSocket.
func historyHandler(h *hub.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		before, _ := strconv.ParseInt(r.URL.Query().Get("before_position"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		msgs, err := h.History(r.Context(), before, limit)
		if err != nil {
			log.Printf("http history: %v", err)
			http.Error(w, "history unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(historyResult(msgs))
	})
}

// requireToken wraps an HTTP handler with the same bearer token check the
// WebSocket upgrade performs.
func requireToken(gate auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		} else {
			token = r.URL.Query().Get("token")
		}

		if _, err := gate.Verify(token); err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func storeKind(db *sql.DB) string {
	if db != nil {
		return "postgres"
	}
	return "memory"
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

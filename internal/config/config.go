// Package config loads server configuration from environment variables,
// optionally seeded from a .env file in development.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable for the chat server binary. Optional
// integrations (Postgres, Redis, NATS) are disabled when their address is
// left empty.
type Config struct {
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize    int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	OutboundQueueSize int           `envconfig:"OUTBOUND_QUEUE_SIZE" default:"64"`

	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer string        `envconfig:"JWT_ISSUER" default:"chat-server"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"24h"`

	// DATABASE_URL empty means the in-memory message store (messages are
	// lost on restart; accounts and HTTP auth endpoints are disabled).
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	// REDIS_ADDR empty disables rate limiting and the presence mirror.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// NATS_URL empty disables the event firehose.
	NATSURL string `envconfig:"NATS_URL"`

	ServerName string `envconfig:"SERVER_NAME"`
	UploadDir  string `envconfig:"UPLOAD_DIR" default:"uploads"`
}

// Load reads a .env file if present, then processes environment variables
// into a Config. ServerName falls back to the hostname.
func Load() (Config, error) {
	// Missing .env is fine; only report real read errors.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}

	if cfg.ServerName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.ServerName = host
		} else {
			cfg.ServerName = "chat-1"
		}
	}
	return cfg, nil
}

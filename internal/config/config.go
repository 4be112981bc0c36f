// Package config holds process-level configuration shared by the gateway and
// worker binaries. Defaults are overridden from environment variables the same
// way the deployment platform injects them (REDIS_URL, NATS_URL, PORT, ...).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for one process.
type Config struct {
	// Addresses of external collaborators.
	RedisAddress string
	NATSAddress  string
	DatabasePath string
	AIServiceURL string

	// Gateway surface.
	ListenAddr     string
	AllowedOrigins []string
	StreamTimeout  time.Duration

	// Worker pool.
	WorkerConcurrency int
	ClaimLimit        int           // max claims per ClaimWindow across the pool
	ClaimWindow       time.Duration // rolling window for ClaimLimit
	GroupReplyDelay   time.Duration // pacing between personas in a group round
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		RedisAddress:      "localhost:6379",
		NATSAddress:       "nats://localhost:4222",
		DatabasePath:      "companion-chat.db",
		AIServiceURL:      "http://localhost:8500",
		ListenAddr:        ":9090",
		AllowedOrigins:    []string{"http://localhost:5173", "http://localhost:3000"},
		StreamTimeout:     30 * time.Second,
		WorkerConcurrency: 3,
		ClaimLimit:        10,
		ClaimWindow:       time.Minute,
		GroupReplyDelay:   time.Second,
	}
}

// Load returns DefaultConfig overridden by environment variables.
func Load() Config {
	cfg := DefaultConfig()

	// Railway exposes REDIS_URL or REDIS_PRIVATE_URL depending on networking.
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.RedisAddress = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisAddress = v
	} else if v := os.Getenv("REDIS_PRIVATE_URL"); v != "" {
		cfg.RedisAddress = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSAddress = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("AI_SERVICE_URL"); v != "" {
		cfg.AIServiceURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}
	if n, ok := envInt("STREAM_TIMEOUT_MS"); ok {
		cfg.StreamTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("AI_WORKER_CONCURRENCY"); ok {
		cfg.WorkerConcurrency = n
	}
	if n, ok := envInt("AI_WORKER_CLAIM_LIMIT"); ok {
		cfg.ClaimLimit = n
	}
	if n, ok := envInt("AI_WORKER_CLAIM_WINDOW_MS"); ok {
		cfg.ClaimWindow = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("GROUP_REPLY_DELAY_MS"); ok {
		cfg.GroupReplyDelay = time.Duration(n) * time.Millisecond
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Gateway process: terminates WebSocket and SSE connections, submits chat
// jobs, and forwards relay events from the worker fleet back to clients.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/config"
	"github.com/companion-chat-backend/internal/gateway"
	"github.com/companion-chat-backend/internal/pending"
	"github.com/companion-chat-backend/internal/presence"
	"github.com/companion-chat-backend/internal/queue"
	"github.com/companion-chat-backend/internal/relay"
	"github.com/companion-chat-backend/internal/store"
)

func newRedisClient(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	redisClient, err := newRedisClient(cfg.RedisAddress)
	if err != nil {
		logger.Fatal("Invalid Redis address", zap.Error(err))
	}
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Redis unreachable", zap.String("addr", cfg.RedisAddress), zap.Error(err))
	}

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal("Opening store failed", zap.Error(err))
	}

	bus, err := relay.NewNATSBus(cfg.NATSAddress, logger)
	if err != nil {
		logger.Fatal("Connecting to NATS failed", zap.Error(err))
	}
	defer bus.Close()

	q := queue.New(redisClient, queue.DefaultConfig(), logger)

	gw := gateway.New(
		st,
		q,
		bus,
		presence.NewTracker(redisClient, logger),
		pending.NewBuffer(redisClient, logger),
		cfg.StreamTimeout,
		cfg.AllowedOrigins,
		logger,
	)
	defer gw.Stop()

	srv := &http.Server{
		Handler:      gw.Handler(),
		Addr:         cfg.ListenAddr,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("Gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server startup failed", zap.Error(err))
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway shutdown error", zap.Error(err))
	}
}

// Monolith process: gateway and worker pool in one binary, bridged by the
// in-process bus instead of NATS. Development and small-deploy mode.
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

	"github.com/companion-chat-backend/internal/cache"
	"github.com/companion-chat-backend/internal/config"
	"github.com/companion-chat-backend/internal/friendship"
	"github.com/companion-chat-backend/internal/gateway"
	"github.com/companion-chat-backend/internal/genai"
	"github.com/companion-chat-backend/internal/pending"
	"github.com/companion-chat-backend/internal/presence"
	"github.com/companion-chat-backend/internal/queue"
	"github.com/companion-chat-backend/internal/relay"
	"github.com/companion-chat-backend/internal/store"
	"github.com/companion-chat-backend/internal/worker"
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
	logger, _ := zap.NewDevelopment()
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

	// Worker and gateway share one in-process bus; no NATS hop.
	bus := relay.NewLocalBus(logger)
	defer bus.Close()

	respCache, err := cache.NewResponseCache(redisClient, logger)
	if err != nil {
		logger.Fatal("Building response cache failed", zap.Error(err))
	}
	defer respCache.Close()

	q := queue.New(redisClient, queue.DefaultConfig(), logger)
	q.Start()
	defer q.Stop()

	tracker := presence.NewTracker(redisClient, logger)
	pendingBuf := pending.NewBuffer(redisClient, logger)

	proc := worker.NewProcessor(
		st,
		respCache,
		tracker,
		pendingBuf,
		bus,
		friendship.NewEngine(st, logger),
		genai.NewHTTPGenerator(cfg.AIServiceURL, logger),
		cfg.GroupReplyDelay,
		logger,
	)
	pool := worker.NewPool(q, proc, bus, cfg.WorkerConcurrency, cfg.ClaimLimit, cfg.ClaimWindow, logger)
	pool.Start()

	invalidator := worker.NewCacheInvalidator(bus, respCache, logger)
	if err := invalidator.Start(); err != nil {
		logger.Fatal("Starting cache invalidator failed", zap.Error(err))
	}

	gw := gateway.New(st, q, bus, tracker, pendingBuf, cfg.StreamTimeout, cfg.AllowedOrigins, logger)

	srv := &http.Server{
		Handler:      gw.Handler(),
		Addr:         cfg.ListenAddr,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("Monolith listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server startup failed", zap.Error(err))
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down monolith...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown error", zap.Error(err))
	}
	gw.Stop()
	invalidator.Stop()
	pool.Stop()
}

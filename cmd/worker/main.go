// Worker process: claims chat jobs from the queue, runs the reply pipeline,
// and publishes results over the relay.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/cache"
	"github.com/companion-chat-backend/internal/config"
	"github.com/companion-chat-backend/internal/friendship"
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

	respCache, err := cache.NewResponseCache(redisClient, logger)
	if err != nil {
		logger.Fatal("Building response cache failed", zap.Error(err))
	}
	defer respCache.Close()

	q := queue.New(redisClient, queue.DefaultConfig(), logger)
	q.Start()
	defer q.Stop()

	proc := worker.NewProcessor(
		st,
		respCache,
		presence.NewTracker(redisClient, logger),
		pending.NewBuffer(redisClient, logger),
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

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down worker...")
	invalidator.Stop()
	pool.Stop()
}

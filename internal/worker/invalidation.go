package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/cache"
	"github.com/companion-chat-backend/internal/relay"
)

// CacheInvalidator listens for persona content changes announced on the
// relay and drops the stale cached replies. The persona-edit flow publishes
// the change; every worker process runs one of these.
type CacheInvalidator struct {
	bus    relay.Bus
	cache  *cache.ResponseCache
	logger *zap.Logger

	sub *relay.Subscription
	wg  sync.WaitGroup
}

// NewCacheInvalidator wires the listener.
func NewCacheInvalidator(bus relay.Bus, respCache *cache.ResponseCache, logger *zap.Logger) *CacheInvalidator {
	return &CacheInvalidator{
		bus:    bus,
		cache:  respCache,
		logger: logger.Named("cache_invalidator"),
	}
}

// Start subscribes to the persona channel and begins consuming.
func (ci *CacheInvalidator) Start() error {
	sub, err := ci.bus.Subscribe(relay.PersonaChannel())
	if err != nil {
		return err
	}
	ci.sub = sub
	ci.wg.Add(1)
	go ci.run()
	return nil
}

// Stop ends the subscription and waits for the consumer to exit.
func (ci *CacheInvalidator) Stop() {
	if ci.sub == nil {
		return
	}
	ci.sub.Close()
	ci.wg.Wait()
}

func (ci *CacheInvalidator) run() {
	defer ci.wg.Done()
	for {
		select {
		case <-ci.sub.Done():
			return
		case ev := <-ci.sub.C():
			if ev.Type != relay.EventPersonaUpdated || ev.PersonaID == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			deleted, err := ci.cache.InvalidatePersona(ctx, ev.PersonaID)
			cancel()
			if err != nil {
				ci.logger.Warn("Persona cache invalidation failed",
					zap.Int64("persona_id", ev.PersonaID),
					zap.Error(err))
				continue
			}
			ci.logger.Info("Persona cache invalidated",
				zap.Int64("persona_id", ev.PersonaID),
				zap.Int("deleted", deleted))
		}
	}
}

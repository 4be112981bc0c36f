package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/relay"
)

// roomHub holds one relay subscription per room regardless of how many
// sockets joined it on this gateway. The last socket out closes the
// subscription.
type roomHub struct {
	bus    relay.Bus
	logger *zap.Logger

	mu    sync.Mutex
	feeds map[int64]*roomFeed
}

type roomFeed struct {
	sub     *relay.Subscription
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newRoomHub(bus relay.Bus, logger *zap.Logger) *roomHub {
	return &roomHub{
		bus:    bus,
		logger: logger,
		feeds:  make(map[int64]*roomFeed),
	}
}

// join attaches the client to the room's feed, subscribing on first join.
func (h *roomHub) join(roomID int64, c *wsClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed, ok := h.feeds[roomID]
	if !ok {
		sub, err := h.bus.Subscribe(relay.RoomChannel(roomID))
		if err != nil {
			return err
		}
		feed = &roomFeed{
			sub:     sub,
			clients: make(map[*wsClient]struct{}),
		}
		h.feeds[roomID] = feed
		go feed.pump()
		h.logger.Debug("Room channel subscribed", zap.Int64("room_id", roomID))
	}

	feed.mu.Lock()
	feed.clients[c] = struct{}{}
	feed.mu.Unlock()
	return nil
}

// leave detaches the client, closing the subscription when the room empties.
func (h *roomHub) leave(roomID int64, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	feed, ok := h.feeds[roomID]
	if !ok {
		return
	}
	feed.mu.Lock()
	delete(feed.clients, c)
	empty := len(feed.clients) == 0
	feed.mu.Unlock()

	if empty {
		delete(h.feeds, roomID)
		feed.sub.Close()
		h.logger.Debug("Room channel released", zap.Int64("room_id", roomID))
	}
}

func (h *roomHub) closeAll() {
	h.mu.Lock()
	feeds := h.feeds
	h.feeds = make(map[int64]*roomFeed)
	h.mu.Unlock()

	for _, feed := range feeds {
		feed.sub.Close()
	}
}

// pump fans relay events out to every attached socket. It exits when the
// subscription closes.
func (f *roomFeed) pump() {
	for {
		select {
		case <-f.sub.Done():
			return
		case ev := <-f.sub.C():
			f.mu.RLock()
			for c := range f.clients {
				c.writeEvent(ev)
			}
			f.mu.RUnlock()
		}
	}
}

// Package gateway provides HTTP/WebSocket/SSE handlers for chat ingress: it
// accepts user messages, submits queue jobs, and forwards relay events back
// to connected clients.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/pending"
	"github.com/companion-chat-backend/internal/presence"
	"github.com/companion-chat-backend/internal/queue"
	"github.com/companion-chat-backend/internal/relay"
	"github.com/companion-chat-backend/internal/store"
)

// roomCacheSize bounds the join-path room lookup cache.
const roomCacheSize = 500

// roomCacheTTL keeps participant changes from going stale for long.
const roomCacheTTL = time.Minute

// cachedRoom stores a room lookup with TTL.
type cachedRoom struct {
	Room      *store.Room
	ExpiresAt time.Time
}

// Gateway serves the ingress endpoints for one process.
type Gateway struct {
	store          *store.Store
	queue          *queue.Queue
	bus            relay.Bus
	presence       *presence.Tracker
	pendingBuf     *pending.Buffer
	streamTimeout  time.Duration
	allowedOrigins []string
	logger         *zap.Logger

	upgrader  websocket.Upgrader
	hub       *roomHub
	roomCache *lru.Cache[int64, *cachedRoom]
}

// New wires the gateway. An empty allowedOrigins list permits every origin
// (development mode).
func New(
	st *store.Store,
	q *queue.Queue,
	bus relay.Bus,
	pres *presence.Tracker,
	pendingBuf *pending.Buffer,
	streamTimeout time.Duration,
	allowedOrigins []string,
	logger *zap.Logger,
) *Gateway {
	log := logger.Named("gateway")
	roomCache, _ := lru.New[int64, *cachedRoom](roomCacheSize)
	g := &Gateway{
		store:          st,
		queue:          q,
		bus:            bus,
		presence:       pres,
		pendingBuf:     pendingBuf,
		streamTimeout:  streamTimeout,
		allowedOrigins: allowedOrigins,
		logger:         log,
		hub:            newRoomHub(bus, log),
		roomCache:      roomCache,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// SetupRoutes configures the HTTP routes.
func (g *Gateway) SetupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", g.handleHealth).Methods("GET")
	r.HandleFunc("/ws", g.handleWebSocket).Methods("GET")
	r.HandleFunc("/rooms/{roomID:[0-9]+}/messages/stream", g.handleStream).Methods("POST")
}

// Handler returns the CORS-wrapped root handler.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	g.SetupRoutes(r)

	origins := g.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)
	return cors(r)
}

// Stop closes every room subscription.
func (g *Gateway) Stop() {
	g.hub.closeAll()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "healthy"}
	if counts, err := g.queue.Counts(r.Context()); err == nil {
		body["queue"] = counts
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// roomInfo resolves a room through the LRU so the hot join path avoids a
// database round trip per socket message.
func (g *Gateway) roomInfo(ctx context.Context, roomID int64) (*store.Room, error) {
	if hit, ok := g.roomCache.Get(roomID); ok && time.Now().Before(hit.ExpiresAt) {
		return hit.Room, nil
	}
	room, err := g.store.GetRoomWithParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	g.roomCache.Add(roomID, &cachedRoom{Room: room, ExpiresAt: time.Now().Add(roomCacheTTL)})
	return room, nil
}

// groupRoom reports whether the room has more than one AI participant.
func groupRoom(room *store.Room) bool {
	n := 0
	for _, rp := range room.Participants {
		if rp.PersonaID != 0 {
			n++
		}
	}
	return n > 1
}

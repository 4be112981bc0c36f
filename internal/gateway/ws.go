package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/queue"
	"github.com/companion-chat-backend/internal/relay"
	"github.com/companion-chat-backend/internal/store"
)

// WSMessage is the client-to-server socket envelope.
type WSMessage struct {
	Type    string `json:"type"`
	RoomID  int64  `json:"roomId,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsClient is one connected socket. Writes go through writeMu: the reader
// loop and every room pump share the connection.
type wsClient struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	userID   string
	userName string
	handleID string
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsClient) writeEvent(ev relay.Event) {
	if err := c.writeJSON(ev); err != nil {
		// Reader loop notices the dead socket and tears down.
		return
	}
}

func (c *wsClient) writeError(message string) {
	c.writeJSON(map[string]string{"type": "error", "message": message})
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	userName := r.URL.Query().Get("user_name")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:     conn,
		userID:   userID,
		userName: userName,
		handleID: uuid.New().String(),
	}
	g.logger.Info("WebSocket connected",
		zap.String("user_id", userID),
		zap.String("handle_id", client.handleID))

	go g.serveClient(client)
}

func (g *Gateway) serveClient(c *wsClient) {
	ctx := context.Background()
	joined := make(map[int64]struct{})

	defer func() {
		for roomID := range joined {
			g.hub.leave(roomID, c)
			g.presence.LeaveRoom(ctx, c.userID, roomID)
		}
		g.presence.MarkOffline(ctx, c.userID, c.handleID)
		c.conn.Close()
		g.logger.Info("WebSocket disconnected",
			zap.String("user_id", c.userID),
			zap.String("handle_id", c.handleID))
	}()

	if err := g.presence.MarkOnline(ctx, c.userID, c.handleID); err != nil {
		g.logger.Warn("Marking user online failed", zap.Error(err))
	}

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "join_room":
			if err := g.joinRoom(ctx, c, msg.RoomID); err != nil {
				c.writeError(err.Error())
				continue
			}
			joined[msg.RoomID] = struct{}{}

		case "leave_room":
			if _, ok := joined[msg.RoomID]; !ok {
				continue
			}
			delete(joined, msg.RoomID)
			g.hub.leave(msg.RoomID, c)
			g.presence.LeaveRoom(ctx, c.userID, msg.RoomID)

		case "chat":
			if _, ok := joined[msg.RoomID]; !ok {
				c.writeError("join the room before chatting")
				continue
			}
			if err := g.submitChat(ctx, c, msg); err != nil {
				g.logger.Error("Chat submit failed",
					zap.String("user_id", c.userID),
					zap.Int64("room_id", msg.RoomID),
					zap.Error(err))
				c.writeError("failed to submit message")
			}

		case "ping":
			g.presence.Heartbeat(ctx, c.userID)
			c.writeJSON(map[string]string{"type": "pong"})

		default:
			c.writeError("unknown message type")
		}
	}
}

// joinRoom validates the room, marks presence, subscribes the client to the
// room feed, and replays replies that arrived while the user was away.
func (g *Gateway) joinRoom(ctx context.Context, c *wsClient, roomID int64) error {
	if _, err := g.roomInfoForJoin(ctx, roomID); err != nil {
		return err
	}
	if err := g.presence.JoinRoom(ctx, c.userID, roomID); err != nil {
		g.logger.Warn("Marking room presence failed", zap.Error(err))
	}
	if err := g.hub.join(roomID, c); err != nil {
		return err
	}

	missed, err := g.pendingBuf.DrainAndDelete(ctx, c.userID, roomID)
	if err != nil {
		g.logger.Warn("Draining pending messages failed",
			zap.String("user_id", c.userID),
			zap.Int64("room_id", roomID),
			zap.Error(err))
		return nil
	}
	for _, payload := range missed {
		ev, err := relay.Decode(payload)
		if err != nil {
			continue
		}
		c.writeEvent(ev)
	}
	if len(missed) > 0 {
		g.logger.Info("Replayed pending messages",
			zap.String("user_id", c.userID),
			zap.Int64("room_id", roomID),
			zap.Int("count", len(missed)))
	}
	return nil
}

func (g *Gateway) roomInfoForJoin(ctx context.Context, roomID int64) (*store.Room, error) {
	room, err := g.roomInfo(ctx, roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		return nil, errors.New("room not found")
	}
	if err != nil {
		return nil, errors.New("room lookup failed")
	}
	return room, nil
}

// submitChat persists the user's message and enqueues the reply job on the
// duplex path.
func (g *Gateway) submitChat(ctx context.Context, c *wsClient, msg WSMessage) error {
	if msg.Message == "" {
		return errors.New("empty message")
	}
	room, err := g.roomInfoForJoin(ctx, msg.RoomID)
	if err != nil {
		return err
	}

	userLog := &store.ChatLog{
		ID:         uuid.New().String(),
		RoomID:     msg.RoomID,
		SenderType: store.SenderUser,
		SenderID:   c.userID,
		Text:       msg.Message,
	}
	if err := g.store.CreateChatLog(ctx, userLog); err != nil {
		return err
	}

	job := &queue.Job{
		RoomID:      msg.RoomID,
		Message:     msg.Message,
		SenderID:    c.userID,
		UserName:    c.userName,
		IsGroupChat: groupRoom(room),
	}
	jobID, err := g.queue.Submit(ctx, job)
	if err != nil {
		return err
	}

	return c.writeJSON(map[string]interface{}{
		"type":      "message_queued",
		"jobId":     jobID,
		"messageId": userLog.ID,
		"roomId":    msg.RoomID,
	})
}

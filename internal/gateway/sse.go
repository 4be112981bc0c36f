package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/queue"
	"github.com/companion-chat-backend/internal/relay"
	"github.com/companion-chat-backend/internal/store"
)

// StreamRequest is the SSE submission body.
type StreamRequest struct {
	Message  string `json:"message"`
	SenderID string `json:"senderId"`
	UserName string `json:"userName"`
}

// handleStream runs the one-on-one request/stream path: submit a job bound to
// a one-shot response channel and forward its events as SSE frames until a
// terminal event, the stream timeout, or client disconnect.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(mux.Vars(r)["roomID"], 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" || req.SenderID == "" {
		http.Error(w, "message and senderId are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if _, err := g.roomInfo(r.Context(), roomID); err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		g.logger.Error("Room lookup failed", zap.Int64("room_id", roomID), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	userLog := &store.ChatLog{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		SenderType: store.SenderUser,
		SenderID:   req.SenderID,
		Text:       req.Message,
	}
	if err := g.store.CreateChatLog(r.Context(), userLog); err != nil {
		g.logger.Error("Persisting user message failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// Subscribe before submitting so no event can slip past.
	channel := relay.ResponseChannel(roomID, req.SenderID, time.Now().UnixMilli())
	sub, err := g.bus.Subscribe(channel)
	if err != nil {
		g.logger.Error("Response channel subscribe failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	job := &queue.Job{
		RoomID:          roomID,
		Message:         req.Message,
		SenderID:        req.SenderID,
		UserName:        req.UserName,
		ResponseChannel: channel,
	}
	jobID, err := g.queue.Submit(r.Context(), job)
	if err != nil {
		g.logger.Error("Stream job submit failed", zap.Error(err))
		http.Error(w, "failed to queue message", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := g.logger.With(
		zap.String("job_id", jobID),
		zap.Int64("room_id", roomID),
		zap.String("user_id", req.SenderID))
	log.Info("SSE stream opened")

	timeout := time.NewTimer(g.streamTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info("SSE client disconnected")
			return

		case <-timeout.C:
			writeSSE(w, flusher, relay.Event{
				Type:    relay.EventTimeout,
				RoomID:  roomID,
				JobID:   jobID,
				Message: "AI 응답 대기 시간이 초과되었습니다.",
			})
			writeDone(w, flusher)
			log.Warn("SSE stream timed out")
			return

		case <-sub.Done():
			writeDone(w, flusher)
			return

		case ev := <-sub.C():
			writeSSE(w, flusher, ev)
			if ev.Type == relay.EventComplete || ev.Type == relay.EventError {
				writeDone(w, flusher)
				log.Info("SSE stream finished", zap.String("terminal", string(ev.Type)))
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev relay.Event) {
	payload, err := relay.Encode(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func writeDone(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// Package relay is the publish/subscribe bus between worker processes and
// gateway processes. It is fire-and-forget: only currently-subscribed
// listeners see an event, and durability for offline recipients belongs to
// the pending-message buffer, not here.
//
// Two channel families exist: long-lived room channels (any number of gateway
// instances may subscribe) and short-lived response channels created per
// stream request with exactly one subscriber.
package relay

import (
	"encoding/json"
	"fmt"
)

// EventType is the closed set of events that cross the relay. Payloads with
// any other tag are rejected at decode time instead of leaking into handler
// logic.
type EventType string

const (
	EventAIResponse     EventType = "ai_response"
	EventExpUpdated     EventType = "exp_updated"
	EventComplete       EventType = "complete"
	EventTimeout        EventType = "timeout"
	EventError          EventType = "error"
	EventPersonaUpdated EventType = "persona_updated"
)

func (t EventType) valid() bool {
	switch t {
	case EventAIResponse, EventExpUpdated, EventComplete, EventTimeout, EventError, EventPersonaUpdated:
		return true
	}
	return false
}

// Event is the relay payload. Fields are populated per type: AIResponse
// fills the message block, ExpUpdated the friendship block, Complete/Timeout/
// Error only Type (+ Message for errors).
type Event struct {
	Type   EventType `json:"type"`
	RoomID int64     `json:"roomId,omitempty"`
	JobID  string    `json:"jobId,omitempty"`

	// ai_response
	MessageID       string `json:"id,omitempty"`
	Content         string `json:"content,omitempty"`
	PersonaID       int64  `json:"personaId,omitempty"`
	PersonaName     string `json:"aiName,omitempty"`
	ProfileImageURL string `json:"aiProfileImageUrl,omitempty"`

	// exp_updated
	UserID      string  `json:"userId,omitempty"`
	NewExp      float64 `json:"newExp,omitempty"`
	NewLevel    int     `json:"newLevel,omitempty"`
	ExpIncrease float64 `json:"expIncrease,omitempty"`

	// error / timeout
	Message string `json:"message,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// Encode serializes an event for the wire.
func Encode(ev Event) ([]byte, error) {
	if !ev.Type.valid() {
		return nil, fmt.Errorf("relay: unknown event type %q", ev.Type)
	}
	return json.Marshal(ev)
}

// Decode parses a wire payload, rejecting unknown event types.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("relay: malformed event: %w", err)
	}
	if !ev.Type.valid() {
		return Event{}, fmt.Errorf("relay: unknown event type %q", ev.Type)
	}
	return ev, nil
}

// RoomChannel names the long-lived channel for a room.
func RoomChannel(roomID int64) string {
	return fmt.Sprintf("room.%d", roomID)
}

// ResponseChannel names a one-shot per-request channel. submitMillis keeps
// concurrent requests from the same user distinct.
func ResponseChannel(roomID int64, userID string, submitMillis int64) string {
	return fmt.Sprintf("resp.%d.%s.%d", roomID, userID, submitMillis)
}

// PersonaChannel names the channel the persona-edit flow announces content
// changes on. Workers listening here drop stale cached replies.
func PersonaChannel() string {
	return "persona.updates"
}

// Package genai wraps the external text-generation service. The service is
// an opaque collaborator: this package only assembles the prompt and makes
// the call.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/companion-chat-backend/internal/store"
)

// Request carries everything one persona needs to answer one message.
type Request struct {
	Persona           *store.Persona
	History           string // chronological transcript, one "Name: text" line per message
	UserName          string
	UserMessage       string
	OtherParticipants []string // names of the other personas in a group room
	FirstMeeting      bool
}

// Generator produces one reply text. Implementations must honor ctx.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// BuildPrompt renders the generation prompt: persona card, group context,
// recent transcript, and the pending user line.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an AI character named %q. Stay in character.\n", req.Persona.Name)
	fmt.Fprintf(&b, "- Personality: %s\n", req.Persona.Personality)
	fmt.Fprintf(&b, "- Speaking style: %s\n", req.Persona.Tone)
	if len(req.OtherParticipants) > 0 {
		fmt.Fprintf(&b, "- Also in this conversation: %s\n", strings.Join(req.OtherParticipants, ", "))
	}
	if req.FirstMeeting {
		b.WriteString("- This is your first conversation with this user. Introduce yourself briefly.\n")
	}
	b.WriteString("\n---\n[Recent conversation]\n")
	b.WriteString(req.History)
	b.WriteString("\n---\n\n")
	userName := req.UserName
	if userName == "" {
		userName = "User"
	}
	fmt.Fprintf(&b, "%s: %s\n%s:", userName, req.UserMessage, req.Persona.Name)
	return b.String()
}

// HTTPGenerator calls the generation service over HTTP JSON.
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// requestTimeout bounds one generation call. It must stay under the queue's
// visibility timeout so a slow request cannot outlive its claim and be
// handed to a second worker mid-flight.
const requestTimeout = 45 * time.Second

// NewHTTPGenerator creates a client for the service at baseURL.
func NewHTTPGenerator(baseURL string, logger *zap.Logger) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger.Named("genai"),
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate posts the assembled prompt and returns the generated text.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(generateRequest{Prompt: BuildPrompt(req)})
	if err != nil {
		return "", fmt.Errorf("encode generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call generation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation service returned %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", fmt.Errorf("generation service returned empty text")
	}
	return out.Text, nil
}

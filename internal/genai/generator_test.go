package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/companion-chat-backend/internal/store"
)

func testRequest() Request {
	return Request{
		Persona: &store.Persona{
			ID:          7,
			Name:        "Luna",
			Personality: "cheerful and curious",
			Tone:        "casual banmal",
		},
		History:     "Alice: hi\nLuna: hello!",
		UserName:    "Alice",
		UserMessage: "what's up?",
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(testRequest())

	for _, want := range []string{
		`"Luna"`,
		"cheerful and curious",
		"casual banmal",
		"Alice: hi",
		"Alice: what's up?",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if !strings.HasSuffix(prompt, "Luna:") {
		t.Errorf("prompt must end with the persona's turn:\n%s", prompt)
	}
	if strings.Contains(prompt, "first conversation") {
		t.Error("first-meeting note should be absent by default")
	}
}

func TestBuildPromptFirstMeeting(t *testing.T) {
	req := testRequest()
	req.FirstMeeting = true
	if !strings.Contains(BuildPrompt(req), "first conversation") {
		t.Error("first-meeting note missing")
	}
}

func TestBuildPromptGroupParticipants(t *testing.T) {
	req := testRequest()
	req.OtherParticipants = []string{"Rex", "Sol"}
	if !strings.Contains(BuildPrompt(req), "Rex, Sol") {
		t.Error("other participants missing from prompt")
	}
}

func TestBuildPromptAnonymousUser(t *testing.T) {
	req := testRequest()
	req.UserName = ""
	if !strings.Contains(BuildPrompt(req), "User: what's up?") {
		t.Error("empty user name should fall back to User")
	}
}

func TestHTTPGeneratorGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if !strings.Contains(body.Prompt, "Luna") {
			t.Error("prompt not forwarded")
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "not much, you?"})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, zaptest.NewLogger(t))
	reply, err := g.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if reply != "not much, you?" {
		t.Errorf("reply = %q", reply)
	}
}

func TestHTTPGeneratorErrors(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		g := NewHTTPGenerator(srv.URL, zaptest.NewLogger(t))
		if _, err := g.Generate(context.Background(), testRequest()); err == nil {
			t.Error("expected error on 503")
		}
	})

	t.Run("empty text", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"text": "   "})
		}))
		defer srv.Close()
		g := NewHTTPGenerator(srv.URL, zaptest.NewLogger(t))
		if _, err := g.Generate(context.Background(), testRequest()); err == nil {
			t.Error("expected error on empty text")
		}
	})
}

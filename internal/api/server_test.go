package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/switchboard/internal/conversation"
	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/gateway"
	"github.com/MikeSquared-Agency/switchboard/internal/inflight"
	"github.com/MikeSquared-Agency/switchboard/internal/invariant"
	"github.com/MikeSquared-Agency/switchboard/internal/memory"
	"github.com/MikeSquared-Agency/switchboard/internal/metrics"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
	"github.com/MikeSquared-Agency/switchboard/internal/orchestrator"
	"github.com/MikeSquared-Agency/switchboard/internal/protocol"
	"github.com/MikeSquared-Agency/switchboard/internal/roster"
	"github.com/MikeSquared-Agency/switchboard/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStream struct {
	chunks []string
	cur    string
}

func (s *stubStream) Next() bool {
	if len(s.chunks) == 0 {
		return false
	}
	s.cur, s.chunks = s.chunks[0], s.chunks[1:]
	return true
}
func (s *stubStream) Chunk() string { return s.cur }
func (s *stubStream) Err() error    { return nil }
func (s *stubStream) Close() error  { return nil }

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, orchestrator.Prompt) (orchestrator.TokenStream, error) {
	return &stubStream{chunks: []string{"on ", "it"}}, nil
}

type fakeStatus bool

func (f fakeStatus) Connected() bool { return bool(f) }

type testEnv struct {
	server *Server
	store  *store.Memory
	memory *memory.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()
	s := store.NewMemory()
	m := metrics.New()
	mem := memory.New(s, s, logger)
	hub := gateway.NewHub(logger)

	orch := orchestrator.New(orchestrator.Deps{
		Conversations: conversation.New(s, nil, logger),
		Messages:      s,
		Directory: roster.NewDirectory(roster.NewStaticSource(map[string][]roster.Agent{
			"saas-startup": {{ID: "pm", DisplayName: "Pat", Role: "Product Manager"}},
		}), time.Minute, logger),
		Memory:    mem,
		Guard:     inflight.NewLocal(time.Second),
		Generator: stubGenerator{},
		Checker:   invariant.NewChecker(invariant.Strict, logger),
		Hub:       hub,
		Metrics:   m,
		Logger:    logger,
	}, orchestrator.Options{})

	srv := NewServer(8760, Deps{
		Conversations: s,
		Messages:      s,
		Memory:        mem,
		WebSocket:     gateway.New(orch, hub, gateway.Options{}, m, logger),
		Metrics:       m,
		Events:        fakeStatus(true),
		Environment:   "test",
		StoreDriver:   "memory",
		InvariantMode: "strict",
	}, logger)
	return &testEnv{server: srv, store: s, memory: mem}
}

func (e *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)

	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.get(t, "/api/v1/switchboard/status")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if body["service"] != "switchboard" || body["nats"] != "connected" || body["invariant_mode"] != "strict" {
		t.Errorf("unexpected status body %v", body)
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.get(t, "/nonexistent")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDecodeEndpoint(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path      string
		status    string
		projectID string
		contextID string
	}{
		{"/api/v1/conversations/project-saas-startup-2024/decode", "unambiguous", "saas-startup-2024", ""},
		{"/api/v1/conversations/team-acme-design/decode", "unambiguous", "acme", "design"},
		{"/api/v1/conversations/team-saas-startup-design/decode", "ambiguous_needs_hint", "", ""},
		{"/api/v1/conversations/team-saas-startup-design/decode?projectId=saas-startup", "unambiguous", "saas-startup", "design"},
		{"/api/v1/conversations/team-saas-startup-design/decode?projectId=saas", "unambiguous", "saas", "startup-design"},
		{"/api/v1/conversations/team-saas-startup-design/decode?projectId=other", "invalid", "", ""},
		{"/api/v1/conversations/room-acme/decode", "invalid", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w, body := env.get(t, tt.path)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			if body["status"] != tt.status {
				t.Errorf("status = %v, want %s", body["status"], tt.status)
			}
			if got, _ := body["projectId"].(string); got != tt.projectID {
				t.Errorf("projectId = %q, want %q", got, tt.projectID)
			}
			if got, _ := body["contextId"].(string); got != tt.contextID {
				t.Errorf("contextId = %q, want %q", got, tt.contextID)
			}
		})
	}
}

func TestMessagesEndpoint_Errors(t *testing.T) {
	env := newTestEnv(t)

	if w, _ := env.get(t, "/api/v1/conversations/project-missing/messages"); w.Code != http.StatusNotFound {
		t.Errorf("missing conversation: expected 404, got %d", w.Code)
	}
	if w, _ := env.get(t, "/api/v1/conversations/room-x/messages"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed id: expected 400, got %d", w.Code)
	}
	if w, _ := env.get(t, "/api/v1/conversations/team-saas-startup-design/messages?projectId=other"); w.Code != http.StatusBadRequest {
		t.Errorf("wrong hint: expected 400, got %d", w.Code)
	}
	if w, _ := env.get(t, "/api/v1/conversations/project-x/messages?limit=-1"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestMessagesEndpoint_ProjectOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// team-saas-startup-design is owned by saas/startup-design.
	owner := model.NewConversation(convid.Team("saas", "startup-design"))
	for _, c := range []model.Conversation{owner, model.NewConversation(convid.Project("acme"))} {
		if _, _, err := env.store.EnsureConversation(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.store.AppendMessage(ctx, model.Message{
		ID: "m-1", ConversationID: owner.ID, SenderKind: model.SenderUser, Content: "saas only", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"owner hint", "/api/v1/conversations/team-saas-startup-design/messages?projectId=saas", http.StatusOK},
		{"other reading", "/api/v1/conversations/team-saas-startup-design/messages?projectId=saas-startup", http.StatusNotFound},
		{"no hint", "/api/v1/conversations/team-saas-startup-design/messages", http.StatusOK},
		{"hint against unambiguous id", "/api/v1/conversations/project-acme/messages?projectId=globex", http.StatusNotFound},
		{"matching hint on unambiguous id", "/api/v1/conversations/project-acme/messages?projectId=acme", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := env.get(t, tt.path)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
			if tt.want == http.StatusNotFound {
				if _, leaked := body["messages"]; leaked {
					t.Errorf("messages returned for the wrong project: %v", body)
				}
			}
		})
	}
}

func TestProjectMemoryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []convid.ID{convid.Team("saas-startup", "design"), convid.Project("saas-startup-2024")} {
		if _, _, err := env.store.EnsureConversation(ctx, model.NewConversation(id)); err != nil {
			t.Fatal(err)
		}
	}
	env.memory.Append(ctx, model.Fragment{ConversationID: "team-saas-startup-design", Content: "mine", Importance: 4})
	env.memory.Append(ctx, model.Fragment{ConversationID: "project-saas-startup-2024", Content: "not mine", Importance: 9})

	w, body := env.get(t, "/api/v1/projects/saas-startup/memory")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	frags := body["fragments"].([]any)
	if len(frags) != 1 || frags[0].(map[string]any)["content"] != "mine" {
		t.Errorf("fragments = %v", frags)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/api/v1/conversations/team-a-b-c/decode")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `switchboard_conversation_id_decodes_total{status="ambiguous_needs_hint"} 1`) {
		t.Error("decode counter missing from /metrics")
	}
}

func TestWebSocketTurnEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// An ambiguous team id with no agents: the hint comes from contextId and
	// the project PM answers with a fallback.
	if err := ws.WriteJSON(protocol.Envelope{
		Type:           protocol.TypeSendMessage,
		ConversationID: "team-saas-startup-design",
		Scope:          "team",
		ContextID:      "design",
		Message:        &protocol.InboundMessage{Content: "who is here?", SenderID: "u1"},
	}); err != nil {
		t.Fatal(err)
	}

	var completed map[string]any
	for completed == nil {
		ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		var ev map[string]any
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev["type"] == protocol.TypeError {
			t.Fatalf("turn failed: %v", ev)
		}
		if ev["type"] == protocol.TypeStreamingCompleted {
			completed = ev
		}
	}
	msg := completed["message"].(map[string]any)
	if msg["senderId"] != "pm" {
		t.Errorf("senderId = %v, want pm", msg["senderId"])
	}
	if fb, _ := msg["fallback"].(map[string]any); fb["type"] != "pm" || fb["reason"] != "no_agents_in_scope" {
		t.Errorf("fallback = %v", msg["fallback"])
	}

	w, body := env.get(t, "/api/v1/conversations/team-saas-startup-design/messages?projectId=saas-startup")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v, want 2", body["count"])
	}

	conv, err := env.store.GetConversation(context.Background(), "team-saas-startup-design")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ProjectID != "saas-startup" || conv.TeamID != "design" {
		t.Errorf("conversation = %+v", conv)
	}
}

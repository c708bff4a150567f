package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/memory"
	"github.com/MikeSquared-Agency/switchboard/internal/metrics"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
	"github.com/MikeSquared-Agency/switchboard/internal/store"
)

const maxListLimit = 500

// StatusSource reports whether an optional backend is reachable. *hermes.Client satisfies it.
type StatusSource interface {
	Connected() bool
}

type Deps struct {
	Conversations store.Conversations
	Messages      store.Messages
	Memory        *memory.Engine
	// WebSocket serves /ws.
	WebSocket http.Handler
	Metrics   *metrics.Metrics
	// Events is nil when NATS is not configured.
	Events StatusSource

	Environment   string
	StoreDriver   string
	InvariantMode string
}

type Server struct {
	router *chi.Mux
	port   int
	deps   Deps
	http   *http.Server
	logger *slog.Logger
}

func NewServer(port int, deps Deps, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		deps:   deps,
		logger: logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/switchboard/status", s.status)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler())
	}
	if deps.WebSocket != nil {
		router.Handle("/ws", deps.WebSocket)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/conversations/{id}/decode", s.decode)
		r.Get("/conversations/{id}/messages", s.messages)
		r.Get("/projects/{projectID}/memory", s.projectMemory)
	})

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	nats := "disabled"
	if s.deps.Events != nil {
		nats = "disconnected"
		if s.deps.Events.Connected() {
			nats = "connected"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service":        "switchboard",
		"status":         "ok",
		"environment":    s.deps.Environment,
		"store":          s.deps.StoreDriver,
		"invariant_mode": s.deps.InvariantMode,
		"nats":           nats,
	})
}

type decodeResponse struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	Kind           string `json:"kind,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
	ContextID      string `json:"contextId,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := convid.DecodeWithHint(raw, r.URL.Query().Get("projectId"))
	status := convid.StatusOf(err)
	s.deps.Metrics.RecordDecode(status.String())

	resp := decodeResponse{ConversationID: raw, Status: status.String()}
	var de *convid.DecodeError
	if errors.As(err, &de) {
		resp.Reason = de.Reason
	}
	if err == nil {
		resp.Kind = string(id.Kind)
		resp.ProjectID = id.ProjectID
		resp.ContextID = id.ContextID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	hint := r.URL.Query().Get("projectId")

	// Ambiguous ids are still canonical strings; only a wrong hint or a
	// malformed id is rejected.
	id, err := convid.DecodeWithHint(raw, hint)
	decoded := err == nil
	if err != nil && !(hint == "" && errors.Is(err, convid.ErrAmbiguous)) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := s.deps.Conversations.GetConversation(r.Context(), raw)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("get conversation failed", "conversation_id", raw, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// The string may belong to another project's reading of the same id.
	if (decoded && !sameConversation(conv, id)) || (hint != "" && conv.ProjectID != hint) {
		s.logger.Warn("conversation owned by another project",
			"conversation_id", raw, "requested_project", id.ProjectID, "owner_project", conv.ProjectID)
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	msgs, err := s.deps.Messages.ListMessages(r.Context(), raw, limit)
	if err != nil {
		s.logger.Error("list messages failed", "conversation_id", raw, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": raw, "messages": nonNil(msgs), "count": len(msgs)})
}

func (s *Server) projectMemory(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	frags, err := s.deps.Memory.ForScope(r.Context(), convid.Project(projectID), limit)
	if err != nil {
		s.logger.Error("project memory failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projectId": projectID, "fragments": nonNil(frags), "count": len(frags)})
}

func sameConversation(conv model.Conversation, id convid.ID) bool {
	if conv.ProjectID != id.ProjectID || conv.Kind != id.Kind {
		return false
	}
	switch id.Kind {
	case convid.KindTeam:
		return conv.TeamID == id.ContextID
	case convid.KindAgent:
		return conv.AgentID == id.ContextID
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

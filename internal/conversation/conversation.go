// Package conversation bootstraps conversation records. Every turn calls
// EnsureExists before it touches any other state.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/hermes"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
	"github.com/MikeSquared-Agency/switchboard/internal/store"
)

type Service struct {
	store  store.Conversations
	events *hermes.Emitter
	logger *slog.Logger
}

func New(s store.Conversations, events *hermes.Emitter, logger *slog.Logger) *Service {
	return &Service{store: s, events: events, logger: logger}
}

// EnsureExists returns the conversation for id, creating it on first use.
// Concurrent first calls for the same id create one record and all observe it.
func (s *Service) EnsureExists(ctx context.Context, id convid.ID) (model.Conversation, error) {
	if err := id.Validate(); err != nil {
		return model.Conversation{}, fmt.Errorf("ensure conversation: %w", err)
	}

	conv, created, err := s.store.EnsureConversation(ctx, model.NewConversation(id))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	if created {
		s.logger.Info("conversation created", "conversation_id", conv.ID, "kind", conv.Kind, "project_id", conv.ProjectID)
		s.events.Emit(hermes.ConversationCreated{
			ConversationID: conv.ID,
			ProjectID:      conv.ProjectID,
			Kind:           string(conv.Kind),
			TeamID:         conv.TeamID,
			AgentID:        conv.AgentID,
			CreatedAt:      conv.CreatedAt,
		})
	}
	return conv, nil
}

// Exists reports whether a record for the canonical id is stored.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the stored conversation or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (model.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

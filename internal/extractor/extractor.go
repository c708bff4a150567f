// Package extractor turns a finished exchange into key point, decision and
// summary memory fragments using an LLM.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/switchboard/internal/anthropic"
)

// Completer is satisfied by *anthropic.Client.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

type Extractor struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger}
}

type llmResponse struct {
	Summary   *Item  `json:"summary"`
	KeyPoints []Item `json:"key_points"`
	Decisions []Item `json:"decisions"`
}

// Extract asks the LLM for memory worth keeping from ex.
func (e *Extractor) Extract(ctx context.Context, ex Exchange) (*Result, error) {
	speaker := ex.SpeakerName
	if speaker == "" {
		speaker = "Agent"
	}
	prompt := fmt.Sprintf(extractionUserPrompt, ex.Scope, ex.ConversationID, ex.UserMessage, speaker, ex.Response)

	messages := []anthropic.Message{
		{Role: "user", Content: prompt},
	}

	e.logger.Debug("extracting memory from exchange",
		"conversation_id", ex.ConversationID,
		"user_len", len(ex.UserMessage),
		"response_len", len(ex.Response),
	)

	raw, err := e.llm.Complete(ctx, systemPrompt, messages, 2048)
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(stripFences(raw)), &resp); err != nil {
		e.logger.Error("failed to parse extraction response",
			"error", err,
			"conversation_id", ex.ConversationID,
			"raw_len", len(raw),
		)
		return nil, fmt.Errorf("parse extraction: %w", err)
	}

	e.logger.Info("extraction complete",
		"conversation_id", ex.ConversationID,
		"key_points", len(resp.KeyPoints),
		"decisions", len(resp.Decisions),
		"summary", resp.Summary != nil,
	)

	return &Result{
		ConversationID: ex.ConversationID,
		Summary:        resp.Summary,
		KeyPoints:      resp.KeyPoints,
		Decisions:      resp.Decisions,
	}, nil
}

// stripFences removes a ```json fence some models add despite the instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

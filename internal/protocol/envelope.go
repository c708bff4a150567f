// Package protocol defines the per-connection wire format: inbound envelopes,
// their validation, and the outbound events.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
)

// Inbound envelope types.
const (
	TypeSendMessage      = "send_message"
	TypeCancelGeneration = "cancel_generation"
	TypePing             = "ping"
)

// MaxContentLength caps a user message, in runes.
const MaxContentLength = 32000

var ErrInvalidEnvelope = errors.New("invalid envelope")

// EnvelopeError is a validation failure. It unwraps to ErrInvalidEnvelope.
type EnvelopeError struct {
	Message string
	Details map[string]any
}

func (e *EnvelopeError) Error() string { return "invalid envelope: " + e.Message }

func (e *EnvelopeError) Unwrap() error { return ErrInvalidEnvelope }

func invalid(details map[string]any, format string, args ...any) *EnvelopeError {
	return &EnvelopeError{Message: fmt.Sprintf(format, args...), Details: details}
}

// Envelope is any inbound frame. Which fields apply depends on Type.
type Envelope struct {
	Type             string          `json:"type"`
	ConversationID   string          `json:"conversationId,omitempty"`
	Scope            string          `json:"scope,omitempty"`
	ContextID        string          `json:"contextId,omitempty"`
	// ProjectID is an optional hint for hyphenated conversation ids.
	ProjectID        string          `json:"projectId,omitempty"`
	Message          *InboundMessage `json:"message,omitempty"`
	AddressedAgentID string          `json:"addressedAgentId,omitempty"`
}

type InboundMessage struct {
	Content  string `json:"content"`
	SenderID string `json:"senderId,omitempty"`
}

// Turn is a validated send_message envelope.
type Turn struct {
	ID        convid.ID
	Content   string
	SenderID  string
	Addressee string
}

// ValidateSendMessage checks a send_message envelope: scope must agree with the
// decoded conversation id, contextId must be present exactly for team and
// agent scopes and match the id, and ambiguous ids must be resolvable from
// projectId or contextId.
func ValidateSendMessage(env Envelope) (Turn, error) {
	if env.Type != TypeSendMessage {
		return Turn{}, invalid(nil, "expected type %q, got %q", TypeSendMessage, env.Type)
	}
	if env.ConversationID == "" {
		return Turn{}, invalid(nil, "conversationId is required")
	}

	scope := convid.Kind(env.Scope)
	if !scope.Valid() {
		return Turn{}, invalid(map[string]any{"scope": env.Scope}, "scope must be one of project, team, agent")
	}
	if scope.NeedsContext() && env.ContextID == "" {
		return Turn{}, invalid(map[string]any{"scope": env.Scope}, "contextId is required for %s scope", scope)
	}
	if !scope.NeedsContext() && env.ContextID != "" {
		return Turn{}, invalid(map[string]any{"scope": env.Scope, "contextId": env.ContextID}, "contextId must be empty for project scope")
	}

	id, err := decodeEnvelopeID(env)
	if err != nil {
		return Turn{}, err
	}
	if id.Kind != scope {
		return Turn{}, invalid(map[string]any{"scope": env.Scope, "conversationKind": string(id.Kind)},
			"scope %q disagrees with conversation id %q", env.Scope, env.ConversationID)
	}
	if scope.NeedsContext() && id.ContextID != env.ContextID {
		return Turn{}, invalid(map[string]any{"contextId": env.ContextID, "conversationContextId": id.ContextID},
			"contextId %q disagrees with conversation id %q", env.ContextID, env.ConversationID)
	}
	if env.ProjectID != "" && id.ProjectID != env.ProjectID {
		return Turn{}, invalid(map[string]any{"projectId": env.ProjectID, "conversationProjectId": id.ProjectID},
			"projectId %q disagrees with conversation id %q", env.ProjectID, env.ConversationID)
	}

	if env.Message == nil || strings.TrimSpace(env.Message.Content) == "" {
		return Turn{}, invalid(nil, "message.content is required")
	}
	if n := utf8.RuneCountInString(env.Message.Content); n > MaxContentLength {
		return Turn{}, invalid(map[string]any{"length": n, "max": MaxContentLength}, "message.content is too long")
	}
	if env.Message.SenderID == "system" {
		return Turn{}, invalid(nil, "senderId %q is reserved", env.Message.SenderID)
	}

	return Turn{
		ID:        id,
		Content:   env.Message.Content,
		SenderID:  env.Message.SenderID,
		Addressee: env.AddressedAgentID,
	}, nil
}

// decodeEnvelopeID decodes the conversation id, resolving ambiguity with the
// projectId hint or, failing that, a hint derived from contextId.
func decodeEnvelopeID(env Envelope) (convid.ID, error) {
	raw := env.ConversationID
	id, err := convid.Decode(raw)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, convid.ErrAmbiguous) {
		return convid.ID{}, invalid(map[string]any{"conversationId": raw}, "malformed conversation id %q", raw)
	}

	hint := env.ProjectID
	if hint == "" {
		hint = deriveProjectHint(raw, env.Scope, env.ContextID)
	}
	if hint == "" {
		return convid.ID{}, invalid(map[string]any{"conversationId": raw, "status": convid.StatusAmbiguousNeedsHint.String()},
			"conversation id %q is ambiguous: project and %s ids contain hyphens; send projectId to disambiguate", raw, env.Scope)
	}

	id, err = convid.DecodeWithHint(raw, hint)
	if err != nil {
		return convid.ID{}, invalid(map[string]any{"conversationId": raw, "projectId": hint},
			"conversation id %q does not belong to project %q", raw, hint)
	}
	return id, nil
}

// deriveProjectHint recovers P from "{scope}-{P}-{contextId}".
func deriveProjectHint(raw, scope, contextID string) string {
	if contextID == "" {
		return ""
	}
	rest, ok := strings.CutPrefix(raw, scope+"-")
	if !ok {
		return ""
	}
	project, ok := strings.CutSuffix(rest, "-"+contextID)
	if !ok {
		return ""
	}
	return project
}

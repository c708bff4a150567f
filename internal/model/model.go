// Package model defines the records persisted by the conversation, message and memory stores.
package model

import (
	"time"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
)

// Conversation is the durable record created exactly once per canonical id.
type Conversation struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectId"`
	TeamID    string      `json:"teamId,omitempty"`
	AgentID   string      `json:"agentId,omitempty"`
	Kind      convid.Kind `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewConversation builds the record for id. CreatedAt is left for the store to set.
func NewConversation(id convid.ID) Conversation {
	c := Conversation{
		ID:        id.String(),
		ProjectID: id.ProjectID,
		Kind:      id.Kind,
	}
	switch id.Kind {
	case convid.KindTeam:
		c.TeamID = id.ContextID
	case convid.KindAgent:
		c.AgentID = id.ContextID
	}
	return c
}

// SenderKind says who authored a message.
type SenderKind string

const (
	SenderUser   SenderKind = "user"
	SenderAgent  SenderKind = "agent"
	SenderSystem SenderKind = "system"
)

// FallbackType marks responses produced by the fallback chain.
type FallbackType string

const (
	FallbackPM     FallbackType = "pm"
	FallbackSystem FallbackType = "system"
)

const (
	ReasonNoAgentsInScope   = "no_agents_in_scope"
	ReasonNoAgentsInProject = "no_agents_in_project"
)

// Fallback is attached to a message when the normal authority rules found no eligible agent.
type Fallback struct {
	Type   FallbackType `json:"type"`
	Reason string       `json:"reason"`
}

// Message is append-only and immutable once persisted. SenderID is nil for system messages.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderKind     SenderKind `json:"senderKind"`
	SenderID       *string    `json:"senderId"`
	SenderName     string     `json:"senderName,omitempty"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	Fallback       *Fallback  `json:"fallback,omitempty"`
}

// Sender returns the sender id or "" when there is none.
func (m Message) Sender() string {
	if m.SenderID == nil {
		return ""
	}
	return *m.SenderID
}

// FragmentKind types a memory fragment.
type FragmentKind string

const (
	FragmentContext  FragmentKind = "context"
	FragmentSummary  FragmentKind = "summary"
	FragmentKeyPoint FragmentKind = "key_point"
	FragmentDecision FragmentKind = "decision"
)

// ValidFragmentKinds are the allowed fragment kinds.
var ValidFragmentKinds = map[FragmentKind]bool{
	FragmentContext:  true,
	FragmentSummary:  true,
	FragmentKeyPoint: true,
	FragmentDecision: true,
}

const (
	MinImportance = 1
	MaxImportance = 10
)

// Fragment is one scored unit of retained conversational context.
type Fragment struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Kind           FragmentKind `json:"kind"`
	Content        string       `json:"content"`
	Importance     int          `json:"importance"`
	CreatedAt      time.Time    `json:"createdAt"`
}

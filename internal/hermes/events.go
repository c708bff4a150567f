// Package hermes publishes switchboard domain events on NATS and listens for
// roster changes from the directory service.
package hermes

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

const (
	SubjectConversationCreated = "swarm.switchboard.conversation.created"
	SubjectMessagePersisted    = "swarm.switchboard.message.persisted"
	SubjectFallbackUsed        = "swarm.switchboard.fallback.used"
	// SubjectRosterChanged is published by whoever owns the agent roster.
	SubjectRosterChanged = "swarm.roster.changed"
)

// Event is a payload with a fixed subject.
type Event interface {
	Subject() string
}

// ConversationCreated is emitted once, when a conversation record is first stored.
type ConversationCreated struct {
	ConversationID string    `json:"conversation_id"`
	ProjectID      string    `json:"project_id"`
	Kind           string    `json:"kind"`
	TeamID         string    `json:"team_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (ConversationCreated) Subject() string { return SubjectConversationCreated }

// MessagePersisted carries a stored message. Origin is the publishing instance,
// so it can ignore its own events.
type MessagePersisted struct {
	Origin  string        `json:"origin"`
	Message model.Message `json:"message"`
}

func (MessagePersisted) Subject() string { return SubjectMessagePersisted }

// FallbackUsed is emitted whenever a response came from the fallback chain.
type FallbackUsed struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Type           string `json:"type"`
	Reason         string `json:"reason"`
	SpeakerID      string `json:"speaker_id,omitempty"`
}

func (FallbackUsed) Subject() string { return SubjectFallbackUsed }

// RosterChanged names the projects whose roster changed. Empty means all of them.
type RosterChanged struct {
	ProjectIDs []string `json:"project_ids"`
}

func (RosterChanged) Subject() string { return SubjectRosterChanged }

// Publisher is satisfied by *Client.
type Publisher interface {
	Publish(subject string, data any) error
}

// Emitter publishes events best-effort. A nil publisher turns it into a no-op,
// which is how the service runs without NATS.
type Emitter struct {
	pub    Publisher
	logger *slog.Logger
}

func NewEmitter(pub Publisher, logger *slog.Logger) *Emitter {
	return &Emitter{pub: pub, logger: logger}
}

// Emit publishes e and logs failures; events never fail a turn.
func (e *Emitter) Emit(ev Event) {
	if e == nil || e.pub == nil {
		return
	}
	if err := e.pub.Publish(ev.Subject(), ev); err != nil {
		e.logger.Warn("failed to publish event", "subject", ev.Subject(), "error", err)
	}
}

// DecodeRosterChanged parses a roster.changed payload.
func DecodeRosterChanged(data []byte) (RosterChanged, error) {
	var rc RosterChanged
	err := json.Unmarshal(data, &rc)
	return rc, err
}

// DecodeMessagePersisted parses a message.persisted payload.
func DecodeMessagePersisted(data []byte) (MessagePersisted, error) {
	var mp MessagePersisted
	err := json.Unmarshal(data, &mp)
	return mp, err
}

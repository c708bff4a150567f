package protocol

import (
	"errors"

	"github.com/MikeSquared-Agency/switchboard/internal/invariant"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

// Outbound event types.
const (
	TypeStreamingStarted   = "streaming_started"
	TypeStreamingChunk     = "streaming_chunk"
	TypeStreamingCompleted = "streaming_completed"
	TypeStreamingError     = "streaming_error"
	TypeNewMessage         = "new_message"
	TypeError              = "error"
	TypePong               = "pong"
)

// Error codes for the error event.
const (
	CodeInvalidEnvelope    = "INVALID_ENVELOPE"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Codes for streaming_error.
const (
	CodeConversationBusy = "CONVERSATION_BUSY"
	CodeGenerationFailed = "GENERATION_FAILED"
	CodeCancelled        = "CANCELLED"
	CodeRateLimited      = "RATE_LIMITED"
	// CodeAgentHandoff abandons one attempt's messageId; the next agent streams
	// under a fresh one.
	CodeAgentHandoff = "AGENT_HANDOFF"
)

type StreamingStarted struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversationId"`
	MessageID      string  `json:"messageId"`
	AgentID        *string `json:"agentId"`
	AgentName      string  `json:"agentName"`
}

type StreamingChunk struct {
	Type               string `json:"type"`
	ConversationID     string `json:"conversationId"`
	MessageID          string `json:"messageId"`
	Chunk              string `json:"chunk"`
	AccumulatedContent string `json:"accumulatedContent"`
}

type StreamingCompleted struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId"`
	Message        model.Message `json:"message"`
}

type StreamingError struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
}

type NewMessage struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	Message        model.Message `json:"message"`
}

// ErrorResponse is the only shape a failure reaches the transport in.
type ErrorResponse struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewStreamingStarted(conversationID, messageID string, agentID *string, agentName string) StreamingStarted {
	return StreamingStarted{Type: TypeStreamingStarted, ConversationID: conversationID, MessageID: messageID, AgentID: agentID, AgentName: agentName}
}

func NewStreamingChunk(conversationID, messageID, chunk, accumulated string) StreamingChunk {
	return StreamingChunk{Type: TypeStreamingChunk, ConversationID: conversationID, MessageID: messageID, Chunk: chunk, AccumulatedContent: accumulated}
}

func NewStreamingCompleted(m model.Message) StreamingCompleted {
	return StreamingCompleted{Type: TypeStreamingCompleted, ConversationID: m.ConversationID, MessageID: m.ID, Message: m}
}

func NewStreamingError(conversationID, messageID, code, message string) StreamingError {
	return StreamingError{Type: TypeStreamingError, ConversationID: conversationID, MessageID: messageID, Code: code, Message: message}
}

func NewNewMessage(m model.Message) NewMessage {
	return NewMessage{Type: TypeNewMessage, ConversationID: m.ConversationID, Message: m}
}

func NewPong() Pong { return Pong{Type: TypePong} }

// ErrorFrom maps an error onto the wire error shape without leaking internals.
func ErrorFrom(err error) ErrorResponse {
	var envErr *EnvelopeError
	if errors.As(err, &envErr) {
		return ErrorResponse{Type: TypeError, Code: CodeInvalidEnvelope, Message: envErr.Message, Details: envErr.Details}
	}
	var v *invariant.Violation
	if errors.As(err, &v) {
		return ErrorResponse{Type: TypeError, Code: CodeInvariantViolation, Message: "routing invariant violated", Details: map[string]any{"check": v.Check}}
	}
	return ErrorResponse{Type: TypeError, Code: CodeInternalError, Message: "internal error"}
}

// Sink receives outbound events for one connection. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(event any) error
}

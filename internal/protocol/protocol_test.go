package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/invariant"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

func send(conversationID, scope, contextID string) Envelope {
	return Envelope{
		Type:           TypeSendMessage,
		ConversationID: conversationID,
		Scope:          scope,
		ContextID:      contextID,
		Message:        &InboundMessage{Content: "hello", SenderID: "user-1"},
	}
}

func TestValidateSendMessage_Accepts(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want convid.ID
	}{
		{"project", send("project-acme", "project", ""), convid.Project("acme")},
		{"hyphenated project", send("project-saas-startup-2024", "project", ""), convid.Project("saas-startup-2024")},
		{"team", send("team-acme-design", "team", "design"), convid.Team("acme", "design")},
		{"agent", send("agent-acme-pm1", "agent", "pm1"), convid.Agent("acme", "pm1")},
		{"ambiguous team with project hint", func() Envelope {
			e := send("team-saas-startup-design", "team", "design")
			e.ProjectID = "saas-startup"
			return e
		}(), convid.Team("saas-startup", "design")},
		{"ambiguous team derived from context", send("team-saas-startup-design", "team", "design"), convid.Team("saas-startup", "design")},
		{"ambiguous agent with hyphenated agent id", send("agent-saas-startup-pm-1", "agent", "pm-1"), convid.Agent("saas-startup", "pm-1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn, err := ValidateSendMessage(tt.env)
			if err != nil {
				t.Fatalf("ValidateSendMessage() error: %v", err)
			}
			if turn.ID != tt.want {
				t.Errorf("ID = %+v, want %+v", turn.ID, tt.want)
			}
			if turn.Content != "hello" || turn.SenderID != "user-1" {
				t.Errorf("unexpected turn %+v", turn)
			}
		})
	}
}

func TestValidateSendMessage_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		contain string
	}{
		{"wrong type", func() Envelope { e := send("project-acme", "project", ""); e.Type = "ping"; return e }(), "expected type"},
		{"missing conversation", send("", "project", ""), "conversationId is required"},
		{"bad scope", send("project-acme", "room", ""), "scope must be"},
		{"scope disagrees with id", send("project-acme", "team", "design"), "disagrees"},
		{"team id with project scope", send("team-acme-design", "project", ""), "disagrees"},
		{"project scope with context", send("project-acme", "project", "design"), "contextId must be empty"},
		{"team scope without context", send("team-acme-design", "team", ""), "contextId is required"},
		{"context disagrees with id", send("team-acme-design", "team", "backend"), "contextId \"backend\" disagrees"},
		{"malformed id", send("team-acme", "team", "acme"), "malformed"},
		{"ambiguous without usable hint", send("team-saas-startup-design", "team", "qa"), "ambiguous"},
		{"hint does not match", func() Envelope {
			e := send("team-saas-startup-design", "team", "design")
			e.ProjectID = "other"
			return e
		}(), "does not belong"},
		{"hint disagrees with unambiguous id", func() Envelope {
			e := send("team-acme-design", "team", "design")
			e.ProjectID = "globex"
			return e
		}(), "projectId \"globex\" disagrees"},
		{"missing message", func() Envelope { e := send("project-acme", "project", ""); e.Message = nil; return e }(), "message.content"},
		{"blank content", func() Envelope {
			e := send("project-acme", "project", "")
			e.Message.Content = "   "
			return e
		}(), "message.content"},
		{"too long", func() Envelope {
			e := send("project-acme", "project", "")
			e.Message.Content = strings.Repeat("x", MaxContentLength+1)
			return e
		}(), "too long"},
		{"reserved sender", func() Envelope {
			e := send("project-acme", "project", "")
			e.Message.SenderID = "system"
			return e
		}(), "reserved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateSendMessage(tt.env)
			if !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.contain) {
				t.Errorf("error %q does not mention %q", err, tt.contain)
			}
		})
	}
}

func TestEnvelopeJSON(t *testing.T) {
	raw := `{"type":"send_message","conversationId":"team-acme-design","scope":"team","contextId":"design",
		"message":{"content":"hi","senderId":"u1"},"addressedAgentId":"eng-1"}`
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatal(err)
	}
	turn, err := ValidateSendMessage(env)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Addressee != "eng-1" {
		t.Errorf("Addressee = %q", turn.Addressee)
	}
}

func TestErrorFrom(t *testing.T) {
	_, envErr := ValidateSendMessage(send("team-saas-startup-design", "team", "qa"))
	got := ErrorFrom(envErr)
	if got.Type != TypeError || got.Code != CodeInvalidEnvelope {
		t.Errorf("envelope error = %+v", got)
	}
	if got.Details["status"] != "ambiguous_needs_hint" {
		t.Errorf("details = %v", got.Details)
	}

	got = ErrorFrom(&invariant.Violation{Check: invariant.CheckRouting, Detail: "x"})
	if got.Code != CodeInvariantViolation || got.Details["check"] != invariant.CheckRouting {
		t.Errorf("violation error = %+v", got)
	}

	got = ErrorFrom(errors.New("db exploded: password=hunter2"))
	if got.Code != CodeInternalError || strings.Contains(got.Message, "hunter2") {
		t.Errorf("internal error leaked details: %+v", got)
	}
}

func TestStreamingStartedNullAgent(t *testing.T) {
	data, err := json.Marshal(NewStreamingStarted("project-acme", "m1", nil, "System"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"agentId":null`) {
		t.Errorf("expected explicit null agentId, got %s", data)
	}
}

func TestNewMessageEvent(t *testing.T) {
	ev := NewNewMessage(model.Message{ID: "m1", ConversationID: "project-acme"})
	if ev.Type != TypeNewMessage || ev.ConversationID != "project-acme" {
		t.Errorf("unexpected event %+v", ev)
	}
}

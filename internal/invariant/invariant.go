// Package invariant checks routing consistency at runtime. Strict mode panics
// on the first violation; lenient mode logs it and returns an error.
package invariant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

var ErrViolation = errors.New("invariant violation")

// Check names.
const (
	CheckRouting             = "routing_consistency"
	CheckConversationExists  = "conversation_exists"
	CheckNoFakeSystemAgentID = "no_fake_system_agent"
)

// Violation describes a failed check. It unwraps to ErrViolation.
type Violation struct {
	Check  string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant violation: %s: %s", v.Check, v.Detail)
}

func (v *Violation) Unwrap() error { return ErrViolation }

type Mode int

const (
	Strict Mode = iota
	Lenient
)

// ModeFor returns Lenient for production and Strict everywhere else.
func ModeFor(environment string) Mode {
	if environment == "production" {
		return Lenient
	}
	return Strict
}

func (m Mode) String() string {
	if m == Lenient {
		return "lenient"
	}
	return "strict"
}

// ConversationLookup is satisfied by *conversation.Service.
type ConversationLookup interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type Checker struct {
	mode   Mode
	logger *slog.Logger
	// OnViolation, if set, is called with the check name before any panic.
	OnViolation func(check string)
}

func NewChecker(mode Mode, logger *slog.Logger) *Checker {
	return &Checker{mode: mode, logger: logger}
}

func (c *Checker) Mode() Mode { return c.mode }

// Routing verifies that the stored record for id describes the conversation id
// decodes to. Hyphenated ids collide across projects: team-saas-startup-design
// is both saas/startup-design and saas-startup/design, and the record belongs
// to whichever project posted first.
func (c *Checker) Routing(id convid.ID, conv model.Conversation) error {
	var mismatch string
	switch {
	case conv.ID != id.String():
		mismatch = fmt.Sprintf("record %s looked up for %s", conv.ID, id)
	case conv.Kind != id.Kind:
		mismatch = fmt.Sprintf("record kind %s, turn kind %s", conv.Kind, id.Kind)
	case conv.ProjectID != id.ProjectID:
		mismatch = fmt.Sprintf("record project %q, turn project %q", conv.ProjectID, id.ProjectID)
	case id.Kind == convid.KindTeam && conv.TeamID != id.ContextID:
		mismatch = fmt.Sprintf("record team %q, turn team %q", conv.TeamID, id.ContextID)
	case id.Kind == convid.KindAgent && conv.AgentID != id.ContextID:
		mismatch = fmt.Sprintf("record agent %q, turn agent %q", conv.AgentID, id.ContextID)
	default:
		return nil
	}
	return c.fail(CheckRouting, fmt.Sprintf("conversation %s: %s", id, mismatch))
}

// ConversationExists verifies a record exists for id before anything is persisted against it.
func (c *Checker) ConversationExists(ctx context.Context, lookup ConversationLookup, id string) error {
	ok, err := lookup.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("check conversation %s: %w", id, err)
	}
	if !ok {
		return c.fail(CheckConversationExists, fmt.Sprintf("conversation %s was not bootstrapped", id))
	}
	return nil
}

// Message verifies no message uses "system" as an agent id and that system
// messages carry no sender id. In lenient mode this only warns: the speaker
// type already makes the bad state unrepresentable.
func (c *Checker) Message(m model.Message) {
	var detail string
	switch {
	case m.SenderKind == model.SenderSystem && m.SenderID != nil:
		detail = fmt.Sprintf("system message %s carries sender id %q", m.ID, *m.SenderID)
	case m.SenderID != nil && *m.SenderID == "system":
		detail = fmt.Sprintf("message %s uses the reserved sender id \"system\"", m.ID)
	default:
		return
	}
	if c.mode == Lenient {
		c.record(CheckNoFakeSystemAgentID)
		c.logger.Warn("invariant violation", "check", CheckNoFakeSystemAgentID, "detail", detail)
		return
	}
	c.fail(CheckNoFakeSystemAgentID, detail)
}

func (c *Checker) fail(check, detail string) error {
	v := &Violation{Check: check, Detail: detail}
	c.record(check)
	if c.mode == Strict {
		panic(v)
	}
	c.logger.Error("invariant violation", "check", check, "detail", detail)
	return v
}

func (c *Checker) record(check string) {
	if c.OnViolation != nil {
		c.OnViolation(check)
	}
}

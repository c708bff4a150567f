package orchestrator

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/switchboard/internal/anthropic"
	"github.com/MikeSquared-Agency/switchboard/internal/authority"
	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
	"github.com/MikeSquared-Agency/switchboard/internal/roster"
)

const speakerPrompt = `You are %s, %s on project %q.
%s
%s

Reply as %s only. Do not speak for other agents and do not prefix your reply with your name.`

// buildPrompt assembles persona, speaking authority, scope memory and history.
// history must not include current.
func buildPrompt(agent roster.Agent, reason authority.Reason, scope roster.Scope, frags []model.Fragment, history []model.Message, current model.Message) Prompt {
	role := agent.Role
	if role == "" {
		role = "a member of the team"
	}

	var b strings.Builder
	fmt.Fprintf(&b, speakerPrompt, agent.Name(), role, scope.ProjectID, scopeLine(scope), authorityLine(reason), agent.Name())

	if p := strings.TrimSpace(agent.Personality); p != "" {
		b.WriteString("\n\nPersonality:\n")
		b.WriteString(p)
	}

	if len(frags) > 0 {
		b.WriteString("\n\nWhat you remember from this scope:\n")
		for _, f := range frags {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Kind, f.Content)
		}
	}

	return Prompt{System: strings.TrimRight(b.String(), "\n"), Messages: buildMessages(history, current)}
}

func scopeLine(scope roster.Scope) string {
	switch scope.Kind {
	case convid.KindTeam:
		return fmt.Sprintf("This is the conversation of team %q.", scope.TeamID)
	case convid.KindAgent:
		return "This is a direct conversation with you."
	}
	return "This is the project-wide conversation."
}

func authorityLine(reason authority.Reason) string {
	switch reason {
	case authority.ReasonExplicitAddressing:
		return "The user addressed you directly."
	case authority.ReasonDirectAgent:
		return "The user is talking to you one on one."
	case authority.ReasonProjectPM:
		return "You answer for the project as its product manager."
	case authority.ReasonTeamLead:
		return "You answer for the team as its lead."
	}
	return "You are answering for the group."
}

// buildMessages maps stored history onto alternating user/assistant turns.
// Agent and system lines are labelled with the speaker so the model can tell
// agents apart. Consecutive same-role lines are merged, and leading assistant
// lines are dropped because the API requires a user turn first.
func buildMessages(history []model.Message, current model.Message) []anthropic.Message {
	var out []anthropic.Message
	add := func(role, content string) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			return
		}
		if len(out) == 0 && role != "user" {
			return
		}
		out = append(out, anthropic.Message{Role: role, Content: content})
	}

	for _, m := range history {
		switch m.SenderKind {
		case model.SenderUser:
			add("user", m.Content)
		case model.SenderAgent:
			add("assistant", "["+labelOf(m)+"] "+m.Content)
		case model.SenderSystem:
			add("assistant", "[System] "+m.Content)
		}
	}
	add("user", current.Content)
	return out
}

func labelOf(m model.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.Sender()
}

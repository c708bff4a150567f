// Package roster is the read-only agent directory. It filters a project's agent
// roster down to the agents that belong to a conversation scope.
package roster

import (
	"strings"
	"unicode"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
)

// Agent is owned by the directory. The routing layer only reads it.
type Agent struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"displayName" yaml:"display_name"`
	Role        string `json:"role" yaml:"role"`
	TeamID      string `json:"teamId,omitempty" yaml:"team_id,omitempty"`
	// Lead marks an agent explicitly flagged as its team's lead.
	Lead bool `json:"lead,omitempty" yaml:"lead,omitempty"`
	// Personality is an opaque string injected into prompts as-is.
	Personality string `json:"personality,omitempty" yaml:"personality,omitempty"`
}

// Name returns the display name, falling back to the id.
func (a Agent) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}

// Scope is derived 1:1 from a conversation id and selects part of a roster.
type Scope struct {
	ProjectID string
	Kind      convid.Kind
	TeamID    string
	AgentID   string
}

// ScopeOf derives the scope of a conversation.
func ScopeOf(id convid.ID) Scope {
	s := Scope{ProjectID: id.ProjectID, Kind: id.Kind}
	switch id.Kind {
	case convid.KindTeam:
		s.TeamID = id.ContextID
	case convid.KindAgent:
		s.AgentID = id.ContextID
	}
	return s
}

// FilterScope returns the agents of projectRoster visible in scope, in roster order.
// The input slice is not modified.
func FilterScope(projectRoster []Agent, scope Scope) []Agent {
	switch scope.Kind {
	case convid.KindProject:
		return clone(projectRoster)
	case convid.KindTeam:
		var out []Agent
		for _, a := range projectRoster {
			if a.TeamID != "" && a.TeamID == scope.TeamID {
				out = append(out, a)
			}
		}
		return out
	case convid.KindAgent:
		if a, ok := MatchAgentID(projectRoster, scope.AgentID); ok {
			return []Agent{a}
		}
		return nil
	}
	return nil
}

// MatchAgentID finds id in agents: exact match first, then case-insensitive,
// then a match on the lowercase alphanumeric runes of both ids.
func MatchAgentID(agents []Agent, id string) (Agent, bool) {
	if id == "" {
		return Agent{}, false
	}
	for _, a := range agents {
		if a.ID == id {
			return a, true
		}
	}
	for _, a := range agents {
		if strings.EqualFold(a.ID, id) {
			return a, true
		}
	}
	want := normalizeID(id)
	if want == "" {
		return Agent{}, false
	}
	for _, a := range agents {
		if normalizeID(a.ID) == want {
			return a, true
		}
	}
	return Agent{}, false
}

// IsProductManager reports whether role names a product manager: it contains
// "product manager" or is exactly "pm", case-insensitively.
func IsProductManager(role string) bool {
	r := strings.ToLower(strings.TrimSpace(role))
	return r == "pm" || strings.Contains(r, "product manager")
}

func normalizeID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clone(agents []Agent) []Agent {
	if agents == nil {
		return nil
	}
	out := make([]Agent, len(agents))
	copy(out, agents)
	return out
}

// Package authority decides which single agent may speak in a conversation turn.
// Everything here is pure: no I/O, no clocks, no randomness.
package authority

import (
	"errors"
	"strings"
	"unicode"

	"github.com/MikeSquared-Agency/switchboard/internal/roster"
)

// ErrEmptyRoster is returned by ResolveTeamLead for an empty roster. Callers
// guarantee a non-empty roster, so this indicates a programming error.
var ErrEmptyRoster = errors.New("team lead: empty roster")

// Team lead reason codes.
const (
	LeadExplicit      = "explicit_team_lead"
	LeadRolePriority  = "role_priority"
	LeadFirstFallback = "fallback:first_agent"
)

// leadPriority is searched top-down; the first title any eligible agent holds wins.
var leadPriority = []string{
	"Tech Lead",
	"Engineering Lead",
	"Design Lead",
	"UX Lead",
	"Product Lead",
	"Team Lead",
	"Lead",
	"Senior Engineer",
	"Senior Designer",
}

// ResolveTeamLead picks the lead of a team roster and returns it with a reason code.
//
// Rules, first match wins: an agent flagged Lead; the highest-priority title held
// by a non-PM agent (roster order breaks ties); otherwise the first agent.
func ResolveTeamLead(agents []roster.Agent) (roster.Agent, string, error) {
	if len(agents) == 0 {
		return roster.Agent{}, "", ErrEmptyRoster
	}

	for _, a := range agents {
		if a.Lead {
			return a, LeadExplicit, nil
		}
	}

	roles := make([][]string, len(agents))
	for i, a := range agents {
		if roster.IsProductManager(a.Role) {
			continue
		}
		roles[i] = words(a.Role)
	}
	for _, title := range leadPriority {
		want := words(title)
		for i, a := range agents {
			if roles[i] != nil && containsInOrder(roles[i], want) {
				return a, LeadRolePriority + ":" + title, nil
			}
		}
	}

	// Covers both an all-PM roster and one where nobody holds a lead title.
	return agents[0], LeadFirstFallback, nil
}

// containsInOrder reports whether every word of want appears in have, in order.
// "Senior Frontend Engineer" contains "Senior Engineer".
func containsInOrder(have, want []string) bool {
	i := 0
	for _, w := range have {
		if i < len(want) && w == want[i] {
			i++
		}
	}
	return i == len(want)
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

package authority

import (
	"errors"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/roster"
)

// ErrNoAgents is returned by Resolve when the roster is empty. Decide handles it
// through the fallback chain; nothing else should see it.
var ErrNoAgents = errors.New("speaking authority: no agents")

// Reason explains a speaking-authority decision. Diagnostic only.
type Reason string

const (
	ReasonExplicitAddressing Reason = "explicit_addressing"
	ReasonDirectAgent        Reason = "direct_agent"
	ReasonProjectPM          Reason = "project_pm_authority"
	ReasonTeamLead           Reason = "team_lead_authority"
	ReasonFirstAgent         Reason = "fallback_first_agent"
)

// Result is the single agent allowed to speak.
type Result struct {
	Speaker roster.Agent
	Reason  Reason
	// Detail carries the team lead reason for ReasonTeamLead.
	Detail string
}

// Resolve picks exactly one speaker from a scope-filtered roster.
func Resolve(scope roster.Scope, agents []roster.Agent, addressee string) (Result, error) {
	if len(agents) == 0 {
		return Result{}, ErrNoAgents
	}

	if addressee != "" {
		for _, a := range agents {
			if a.ID == addressee {
				return Result{Speaker: a, Reason: ReasonExplicitAddressing}, nil
			}
		}
	}

	switch scope.Kind {
	case convid.KindAgent:
		if a, ok := roster.MatchAgentID(agents, scope.AgentID); ok {
			return Result{Speaker: a, Reason: ReasonDirectAgent}, nil
		}
	case convid.KindProject:
		for _, a := range agents {
			if roster.IsProductManager(a.Role) {
				return Result{Speaker: a, Reason: ReasonProjectPM}, nil
			}
		}
	case convid.KindTeam:
		lead, detail, err := ResolveTeamLead(agents)
		if err != nil {
			return Result{}, err
		}
		return Result{Speaker: lead, Reason: ReasonTeamLead, Detail: detail}, nil
	}

	return Result{Speaker: agents[0], Reason: ReasonFirstAgent}, nil
}

package authority

import (
	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
	"github.com/MikeSquared-Agency/switchboard/internal/roster"
)

// Speaker is either an AgentSpeaker or a SystemSpeaker.
type Speaker interface {
	speaker()
}

// AgentSpeaker is a roster agent speaking.
type AgentSpeaker struct {
	Agent roster.Agent
}

// SystemSpeaker means no agent exists to speak. Messages it produces carry no sender id.
type SystemSpeaker struct{}

func (AgentSpeaker) speaker()  {}
func (SystemSpeaker) speaker() {}

// Decision is the outcome of the fallback chain for one turn.
type Decision struct {
	Speaker Speaker
	// Reason and Detail are set when the resolver ran on a non-empty scope roster.
	Reason Reason
	Detail string
	// Fallback is set when the scope had no eligible agents.
	Fallback *model.Fallback
	// Notice is the fixed response text for fallback decisions.
	Notice string
}

// Label is a low-cardinality name for the decision, for logs and metrics.
func (d Decision) Label() string {
	if d.Fallback != nil {
		return "fallback_" + string(d.Fallback.Type)
	}
	return string(d.Reason)
}

// SystemNotice is the response persisted when a project has no agents at all.
const SystemNotice = "This project doesn't have any agents yet. Add an agent to the project and they'll pick up the conversation from here."

// Decide runs the fallback chain around Resolve. It always returns a speaker:
// the resolver over scopeRoster, else the project's PM, else the project's first
// agent, else the system.
func Decide(scope roster.Scope, scopeRoster, projectRoster []roster.Agent, addressee string) Decision {
	if len(scopeRoster) > 0 {
		res, err := Resolve(scope, scopeRoster, addressee)
		if err == nil {
			return Decision{Speaker: AgentSpeaker{Agent: res.Speaker}, Reason: res.Reason, Detail: res.Detail}
		}
	}

	if len(projectRoster) > 0 {
		speaker := projectRoster[0]
		for _, a := range projectRoster {
			if roster.IsProductManager(a.Role) {
				speaker = a
				break
			}
		}
		return Decision{
			Speaker:  AgentSpeaker{Agent: speaker},
			Fallback: &model.Fallback{Type: model.FallbackPM, Reason: model.ReasonNoAgentsInScope},
			Notice:   scopeNotice(scope, speaker),
		}
	}

	return Decision{
		Speaker:  SystemSpeaker{},
		Fallback: &model.Fallback{Type: model.FallbackSystem, Reason: model.ReasonNoAgentsInProject},
		Notice:   SystemNotice,
	}
}

func scopeNotice(scope roster.Scope, speaker roster.Agent) string {
	name := speaker.Name()
	switch scope.Kind {
	case convid.KindTeam:
		return "This team has no agents yet, so " + name + " is picking this up for now. Add agents to the team and they'll take over the conversation."
	case convid.KindAgent:
		return "That agent doesn't exist in this project, so " + name + " is answering instead. Check the agent id or start a conversation with one of the project's agents."
	}
	return name + " is answering on behalf of the project."
}

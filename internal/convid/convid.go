// Package convid encodes and decodes canonical conversation identifiers.
//
// The wire format is hyphen-delimited: project-<projectId>, team-<projectId>-<teamId>
// and agent-<projectId>-<agentId>. Hyphens are also legal inside the ids themselves,
// so a team/agent identifier with more than two segments after the prefix cannot be
// split without a trusted projectId hint. Decode never guesses a split point.
package convid

import (
	"errors"
	"fmt"
	"strings"
)

const sep = "-"

// Kind is the scope of a conversation.
type Kind string

const (
	KindProject Kind = "project"
	KindTeam    Kind = "team"
	KindAgent   Kind = "agent"
)

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindTeam, KindAgent:
		return true
	}
	return false
}

// NeedsContext reports whether identifiers of this kind carry a team or agent id.
func (k Kind) NeedsContext() bool {
	return k == KindTeam || k == KindAgent
}

var (
	ErrUnknownKind       = errors.New("unknown conversation kind")
	ErrMissingProject    = errors.New("project id is required")
	ErrMissingContext    = errors.New("team and agent conversations require a context id")
	ErrUnexpectedContext = errors.New("project conversations must not carry a context id")

	// ErrInvalid and ErrAmbiguous classify decode failures; use errors.Is on the
	// *DecodeError returned by Decode.
	ErrInvalid   = errors.New("invalid conversation id")
	ErrAmbiguous = errors.New("ambiguous conversation id: a project id hint is required")
)

// ID is a parsed conversation identifier. The zero value is not valid.
type ID struct {
	Kind      Kind
	ProjectID string
	// ContextID is the team id for KindTeam, the agent id for KindAgent and empty for KindProject.
	ContextID string
}

// Project returns the identifier of a project-wide conversation.
func Project(projectID string) ID {
	return ID{Kind: KindProject, ProjectID: projectID}
}

// Team returns the identifier of a team conversation.
func Team(projectID, teamID string) ID {
	return ID{Kind: KindTeam, ProjectID: projectID, ContextID: teamID}
}

// Agent returns the identifier of a direct conversation with one agent.
func Agent(projectID, agentID string) ID {
	return ID{Kind: KindAgent, ProjectID: projectID, ContextID: agentID}
}

// String returns the canonical form. It does not validate; use Encode for that.
func (id ID) String() string {
	if id.Kind == KindProject {
		return string(id.Kind) + sep + id.ProjectID
	}
	return string(id.Kind) + sep + id.ProjectID + sep + id.ContextID
}

// Validate checks the field constraints Encode enforces.
func (id ID) Validate() error {
	if !id.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, id.Kind)
	}
	if id.ProjectID == "" {
		return ErrMissingProject
	}
	if id.Kind.NeedsContext() && id.ContextID == "" {
		return ErrMissingContext
	}
	if id.Kind == KindProject && id.ContextID != "" {
		return ErrUnexpectedContext
	}
	return nil
}

// Ambiguous reports whether the canonical form of id needs a hint to decode.
func (id ID) Ambiguous() bool {
	return id.Kind.NeedsContext() && (strings.Contains(id.ProjectID, sep) || strings.Contains(id.ContextID, sep))
}

// Encode returns the canonical string for (kind, projectID, contextID).
func Encode(kind Kind, projectID, contextID string) (string, error) {
	id := ID{Kind: kind, ProjectID: projectID, ContextID: contextID}
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id.String(), nil
}

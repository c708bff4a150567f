package convid

import (
	"fmt"
	"strings"
)

// Status is the three-way classification of a raw identifier.
type Status int

const (
	StatusInvalid Status = iota
	StatusUnambiguous
	StatusAmbiguousNeedsHint
)

func (s Status) String() string {
	switch s {
	case StatusUnambiguous:
		return "unambiguous"
	case StatusAmbiguousNeedsHint:
		return "ambiguous_needs_hint"
	default:
		return "invalid"
	}
}

// DecodeError explains why a raw identifier did not decode.
type DecodeError struct {
	Raw    string
	Status Status
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Status == StatusAmbiguousNeedsHint {
		return fmt.Sprintf("conversation id %q is ambiguous: %s", e.Raw, e.Reason)
	}
	return fmt.Sprintf("invalid conversation id %q: %s", e.Raw, e.Reason)
}

// Unwrap maps the status onto ErrInvalid or ErrAmbiguous.
func (e *DecodeError) Unwrap() error {
	if e.Status == StatusAmbiguousNeedsHint {
		return ErrAmbiguous
	}
	return ErrInvalid
}

func invalid(raw, reason string) *DecodeError {
	return &DecodeError{Raw: raw, Status: StatusInvalid, Reason: reason}
}

// Decode parses raw without a hint. Team and agent identifiers with more than two
// segments after the prefix return an ErrAmbiguous error.
func Decode(raw string) (ID, error) {
	return DecodeWithHint(raw, "")
}

// DecodeWithHint parses raw, using knownProjectID to split an otherwise ambiguous
// team or agent identifier. A hint whose prefix does not match raw is an ErrInvalid
// error, never a fallback to guessing. An empty hint behaves like Decode.
func DecodeWithHint(raw, knownProjectID string) (ID, error) {
	kind, rest, ok := splitPrefix(raw)
	if !ok {
		return ID{}, invalid(raw, "unknown prefix")
	}
	if rest == "" {
		return ID{}, invalid(raw, "empty remainder after prefix")
	}

	if kind == KindProject {
		return ID{Kind: KindProject, ProjectID: rest}, nil
	}

	segments := strings.Split(rest, sep)
	switch {
	case len(segments) < 2:
		return ID{}, invalid(raw, fmt.Sprintf("%s id is missing its context id", kind))
	case len(segments) == 2:
		if segments[0] == "" || segments[1] == "" {
			return ID{}, invalid(raw, "empty segment")
		}
		return ID{Kind: kind, ProjectID: segments[0], ContextID: segments[1]}, nil
	}

	if knownProjectID == "" {
		return ID{}, &DecodeError{
			Raw:    raw,
			Status: StatusAmbiguousNeedsHint,
			Reason: fmt.Sprintf("%d hyphen-separated segments after %q; supply the project id to split it", len(segments), string(kind)+sep),
		}
	}

	prefix := string(kind) + sep + knownProjectID + sep
	if !strings.HasPrefix(raw, prefix) {
		return ID{}, invalid(raw, fmt.Sprintf("does not start with %q", prefix))
	}
	contextID := strings.TrimPrefix(raw, prefix)
	if contextID == "" {
		return ID{}, invalid(raw, "empty context id after project hint")
	}
	return ID{Kind: kind, ProjectID: knownProjectID, ContextID: contextID}, nil
}

// Classify returns only the status of decoding raw with the optional hint.
func Classify(raw, knownProjectID string) Status {
	_, err := DecodeWithHint(raw, knownProjectID)
	return StatusOf(err)
}

// StatusOf maps a Decode error (or nil) to its Status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusUnambiguous
	}
	if de, ok := err.(*DecodeError); ok {
		return de.Status
	}
	return StatusInvalid
}

// KindOf returns the kind named by the prefix of raw, without decoding the rest.
func KindOf(raw string) (Kind, bool) {
	kind, _, ok := splitPrefix(raw)
	return kind, ok
}

func splitPrefix(raw string) (Kind, string, bool) {
	head, rest, found := strings.Cut(raw, sep)
	if !found {
		return "", "", false
	}
	kind := Kind(head)
	if !kind.Valid() {
		return "", "", false
	}
	return kind, rest, true
}

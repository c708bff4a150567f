// Package memory scopes conversation memory. Fragments belong to the
// conversation that produced them; a project query fans out over every
// conversation whose decoded project id equals the query exactly.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
	"github.com/MikeSquared-Agency/switchboard/internal/model"
	"github.com/MikeSquared-Agency/switchboard/internal/store"
)

// ErrEmptyContent is returned by Append for blank fragments.
var ErrEmptyContent = errors.New("memory: empty fragment content")

type Engine struct {
	store         store.Fragments
	conversations store.Conversations
	now           func() time.Time
	logger        *slog.Logger
}

// New builds an engine over frags. When convs is non-nil, ambiguous ids that
// have a stored conversation are attributed to the record's project instead of
// being split by the query hint.
func New(frags store.Fragments, convs store.Conversations, logger *slog.Logger) *Engine {
	return &Engine{
		store:         frags,
		conversations: convs,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger,
	}
}

// Append stores f under f.ConversationID. Only blank content is rejected:
// a missing kind becomes context and importance is clamped to 1..10.
func (e *Engine) Append(ctx context.Context, f model.Fragment) (model.Fragment, error) {
	if strings.TrimSpace(f.Content) == "" {
		return model.Fragment{}, ErrEmptyContent
	}
	if f.Kind == "" {
		f.Kind = model.FragmentContext
	}
	f.Importance = clampImportance(f.Importance)
	if f.ID == "" {
		f.ID = ulid.Make().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = e.now()
	}
	if err := e.store.AppendFragment(ctx, f); err != nil {
		return model.Fragment{}, fmt.Errorf("append fragment: %w", err)
	}
	return f, nil
}

// QueryProject aggregates fragments from every conversation of projectID.
// Ids that do not decode, or decode to another project, are skipped silently.
func (e *Engine) QueryProject(ctx context.Context, projectID string) ([]model.Fragment, error) {
	ids, err := e.store.FragmentConversationIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("query project memory: %w", err)
	}

	var members []string
	skipped := 0
	for _, raw := range ids {
		owner, ok := e.projectOf(ctx, raw, projectID)
		if !ok {
			skipped++
			continue
		}
		if owner == projectID {
			members = append(members, raw)
		}
	}
	if skipped > 0 {
		e.logger.Debug("skipped undecodable conversation ids", "project_id", projectID, "count", skipped)
	}
	if len(members) == 0 {
		return nil, nil
	}

	frags, err := e.store.FragmentsByConversation(ctx, members...)
	if err != nil {
		return nil, fmt.Errorf("query project memory: %w", err)
	}
	sortFragments(frags)
	return frags, nil
}

// projectOf decodes the project that owns raw. Ambiguous ids prefer the stored
// conversation record and otherwise fall back to decoding with hint.
func (e *Engine) projectOf(ctx context.Context, raw, hint string) (string, bool) {
	id, err := convid.Decode(raw)
	if err == nil {
		return id.ProjectID, true
	}
	if !errors.Is(err, convid.ErrAmbiguous) {
		return "", false
	}
	if e.conversations != nil {
		if conv, err := e.conversations.GetConversation(ctx, raw); err == nil {
			return conv.ProjectID, true
		}
	}
	id, err = convid.DecodeWithHint(raw, hint)
	if err != nil {
		return "", false
	}
	return id.ProjectID, true
}

// QueryConversation returns the fragments owned by one conversation.
func (e *Engine) QueryConversation(ctx context.Context, conversationID string) ([]model.Fragment, error) {
	frags, err := e.store.FragmentsByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query conversation memory: %w", err)
	}
	sortFragments(frags)
	return frags, nil
}

// ForScope returns the memory visible to a conversation: the whole project for
// project conversations, otherwise only the conversation's own fragments.
// At most limit fragments are returned; limit <= 0 means no cap.
func (e *Engine) ForScope(ctx context.Context, id convid.ID, limit int) ([]model.Fragment, error) {
	var (
		frags []model.Fragment
		err   error
	)
	if id.Kind == convid.KindProject {
		frags, err = e.QueryProject(ctx, id.ProjectID)
	} else {
		frags, err = e.QueryConversation(ctx, id.String())
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(frags) > limit {
		frags = frags[:limit]
	}
	return frags, nil
}

// sortFragments orders by importance, then recency, then id.
func sortFragments(frags []model.Fragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		a, b := frags[i], frags[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func clampImportance(n int) int {
	if n < model.MinImportance {
		return model.MinImportance
	}
	if n > model.MaxImportance {
		return model.MaxImportance
	}
	return n
}

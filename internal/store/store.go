// Package store persists conversations, messages and memory fragments.
//
// Three backends implement Store: Memory (single process, the default),
// Postgres and SQLite. Routing code only sees the interfaces.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Conversations is the conversation repository.
type Conversations interface {
	// EnsureConversation atomically inserts c unless a record with c.ID exists.
	// It returns the stored record and whether this call created it.
	EnsureConversation(ctx context.Context, c model.Conversation) (model.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	ListConversations(ctx context.Context) ([]model.Conversation, error)
}

// Messages is the append-only message log.
type Messages interface {
	AppendMessage(ctx context.Context, m model.Message) error
	// ListMessages returns the newest limit messages of a conversation in
	// chronological order. limit <= 0 returns all of them.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// Fragments is the append-only memory fragment log.
type Fragments interface {
	AppendFragment(ctx context.Context, f model.Fragment) error
	// FragmentConversationIDs lists every conversation id that owns at least one fragment.
	FragmentConversationIDs(ctx context.Context) ([]string, error)
	FragmentsByConversation(ctx context.Context, conversationIDs ...string) ([]model.Fragment, error)
}

// Store is implemented by every backend.
type Store interface {
	Conversations
	Messages
	Fragments
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Open returns the backend named by opts.Driver with its schema in place.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverPostgres:
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("open store: DATABASE_URL is required for the postgres driver")
		}
		pg, err := NewPostgres(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case DriverSQLite:
		return NewSQLite(opts.SQLitePath)
	}
	return nil, fmt.Errorf("open store: unknown driver %q", opts.Driver)
}

func validateMessage(m model.Message) error {
	if m.ID == "" || m.ConversationID == "" {
		return fmt.Errorf("append message: id and conversation id are required")
	}
	if m.SenderKind == model.SenderSystem && m.SenderID != nil {
		return fmt.Errorf("append message %s: system messages must not carry a sender id", m.ID)
	}
	return nil
}

func validateFragment(f model.Fragment) error {
	if f.ID == "" || f.ConversationID == "" {
		return fmt.Errorf("append fragment: id and conversation id are required")
	}
	if !model.ValidFragmentKinds[f.Kind] {
		return fmt.Errorf("append fragment %s: invalid kind %q", f.ID, f.Kind)
	}
	if f.Importance < model.MinImportance || f.Importance > model.MaxImportance {
		return fmt.Errorf("append fragment %s: importance %d out of range", f.ID, f.Importance)
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/MikeSquared-Agency/switchboard/internal/model"
)

// Memory is an in-process Store. A single mutex makes every check-and-insert atomic.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]model.Conversation
	messages      map[string][]model.Message
	fragments     map[string][]model.Fragment
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]model.Message),
		fragments:     make(map[string][]model.Fragment),
	}
}

func (m *Memory) EnsureConversation(_ context.Context, c model.Conversation) (model.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.conversations[c.ID]; ok {
		return existing, false, nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = nowUTC()
	}
	m.conversations[c.ID] = c
	return c, true, nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListConversations(_ context.Context) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg model.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = nowUTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]model.Message, len(all))
	copy(out, all)
	return out, nil
}

func (m *Memory) AppendFragment(_ context.Context, f model.Fragment) error {
	if err := validateFragment(f); err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = nowUTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.fragments[f.ConversationID] = append(m.fragments[f.ConversationID], f)
	return nil
}

func (m *Memory) FragmentConversationIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.fragments))
	for id := range m.fragments {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) FragmentsByConversation(_ context.Context, conversationIDs ...string) ([]model.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Fragment
	seen := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, m.fragments[id]...)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

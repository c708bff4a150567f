package gateway

import (
	"log/slog"
	"sync"
)

// Hub tracks which connections follow which conversations. A connection
// follows a conversation once it has posted into it.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[*conn]struct{}), logger: logger}
}

func (h *Hub) join(conversationID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*conn]struct{})
		h.rooms[conversationID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

// Broadcast queues event on every follower of the conversation. Followers
// whose outbound queue is full miss the event.
func (h *Hub) Broadcast(conversationID string, event any) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(event) {
			h.logger.Warn("dropped broadcast", "conversation_id", conversationID, "conn_id", c.id)
		}
	}
}

// Followers returns how many connections follow the conversation.
func (h *Hub) Followers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Conversations returns how many conversations have at least one follower.
func (h *Hub) Conversations() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

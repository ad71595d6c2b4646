package devserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const broadcastTimeout = 5 * time.Second

// Hub tracks the websocket connections attached to each chat.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		active: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register attaches conn to chatID.
func (h *Hub) Register(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[chatID]; !exists {
		h.active[chatID] = make(map[*websocket.Conn]struct{})
	}
	h.active[chatID][conn] = struct{}{}
	h.logger.Info("Chat connection registered", "chat_id", chatID, "connections", len(h.active[chatID]))
}

// Unregister detaches conn from chatID.
func (h *Hub) Unregister(chatID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.active[chatID]; ok {
		if _, exists := conns[conn]; exists {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.active, chatID)
			}
			h.logger.Info("Chat connection unregistered", "chat_id", chatID)
		}
	}
}

// Count returns the number of connections attached to chatID.
func (h *Hub) Count(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[chatID])
}

// Broadcast writes frame to every connection of chatID and returns how
// many writes succeeded.
func (h *Hub) Broadcast(ctx context.Context, chatID string, frame []byte) int {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[chatID]))
	for c := range h.active[chatID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
		err := c.Write(wctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			h.logger.Debug("Broadcast write failed", "chat_id", chatID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// CloseChat terminates every connection of chatID.
func (h *Hub) CloseChat(chatID string) {
	h.mu.Lock()
	conns := h.active[chatID]
	delete(h.active, chatID)
	h.mu.Unlock()

	for c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "chat closed")
	}
	if len(conns) > 0 {
		h.logger.Info("Chat connections closed", "chat_id", chatID, "count", len(conns))
	}
}

// CloseAll terminates every connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.active))
	for id := range h.active {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.CloseChat(id)
	}
}

package devserver

import (
	"context"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const wsReadLimit = 1 << 20

// serveChat upgrades an authenticated request to the chat's duplex channel
// and runs the scripted agent for every frame received.
func (s *Server) serveChat(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")
	s.logger.Info("WebSocket connection request", "user_id", userID, "chat_id", chatID, "ip", r.RemoteAddr)

	p, ok := s.projects.chat(chatID, userID)
	if !ok {
		Error(w, http.StatusNotFound, "Chat not found")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(wsReadLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			s.logger.Debug("Failed to close websocket", "error", closeErr, "chat_id", chatID)
		}
	}()

	s.hub.Register(chatID, ws)
	defer s.hub.Unregister(chatID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.announceFiles(ctx, p)
	s.readLoop(ctx, ws, p, userID)
	s.logger.Info("Chat session ended", "chat_id", chatID, "user_id", userID)
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, p *project, userID string) {
	for {
		typ, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("WebSocket closed by client", "chat_id", p.chatID)
			} else if ctx.Err() == nil {
				s.logger.Warn("WebSocket read error", "error", err, "chat_id", p.chatID)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.handleFrame(ctx, p, userID, message)
	}
}

// originPatterns converts allowed origins to the host patterns the
// websocket handshake checks against.
func (s *Server) originPatterns() []string {
	if len(s.opts.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(s.opts.AllowedOrigins))
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

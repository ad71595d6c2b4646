package session

import (
	"context"

	"github.com/ashureev/prdpilot/internal/wsagent"
)

// ensureProtocol returns the client for the current chat, replacing a
// client bound to a different chat.
func (s *Session) ensureProtocol() (Protocol, error) {
	s.mu.Lock()
	chatID := s.state.ChatID
	if chatID == "" {
		s.mu.Unlock()
		return nil, ErrChatNotSet
	}
	if s.proto != nil && s.protoChatID == chatID {
		p := s.proto
		s.mu.Unlock()
		return p, nil
	}
	old := s.detachLocked()

	p := s.deps.NewProtocol(chatID)
	s.proto = p
	s.protoChatID = chatID
	p.SetConnectionListener(
		func() { s.handle(p, func(st *State) { st.WSConnected = true }) },
		func() {
			s.handle(p, func(st *State) {
				st.WSConnected = false
				st.IsStreaming = false
				st.IsFlowchartStreaming = false
				st.StreamingAssistantContent = ""
			})
		},
	)
	s.unwire = s.wire(p)
	offline := s.offline
	s.mu.Unlock()

	if offline {
		p.SetOnline(false)
	}
	s.closeDetached(old)
	s.logger.Debug("Protocol client created", "chat_id", chatID)
	return p, nil
}

// SetOnline records host network state and forwards it to the current
// client. Clients created later start with the recorded state.
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	s.offline = !online
	p := s.proto
	s.mu.Unlock()

	if p != nil {
		p.SetOnline(online)
	}
}

// detachLocked unhooks the current protocol client and returns it for
// closing once the lock is released.
func (s *Session) detachLocked() Protocol {
	p := s.proto
	if p == nil {
		return nil
	}
	for _, off := range s.unwire {
		off()
	}
	s.unwire = nil
	p.SetConnectionListener(nil, nil)
	s.proto = nil
	s.protoChatID = ""
	s.streamBuf.Reset()
	s.pendingEcho = nil
	return p
}

func (s *Session) closeDetached(p Protocol) {
	if p == nil {
		return
	}
	if err := p.Disconnect(); err != nil {
		s.logger.Debug("Protocol disconnect failed", "error", err)
	}
}

// Connect opens the channel for the current chat.
func (s *Session) Connect(ctx context.Context) error {
	p, err := s.ensureProtocol()
	if err != nil {
		return err
	}
	if err := p.Connect(ctx); err != nil {
		s.recordError("connect", err)
		return err
	}
	s.handle(p, func(st *State) { st.WSConnected = p.IsConnected() })
	return nil
}

// Disconnect closes and releases the protocol client.
func (s *Session) Disconnect() {
	s.mu.Lock()
	old := s.detachLocked()
	s.state.WSConnected = false
	s.state.IsStreaming = false
	s.state.IsFlowchartStreaming = false
	s.state.StreamingAssistantContent = ""
	snap := s.commitLocked()
	s.mu.Unlock()

	s.closeDetached(old)
	s.notify(snap)
}

// Close releases the protocol client. The session stays usable.
func (s *Session) Close() {
	s.Disconnect()
}

// connected returns the live protocol client or wsagent.ErrNotConnected.
func (s *Session) connected() (Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.proto == nil || !s.proto.IsConnected() {
		return nil, wsagent.ErrNotConnected
	}
	return s.proto, nil
}

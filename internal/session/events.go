package session

import (
	"time"

	"github.com/ashureev/prdpilot/internal/domain"
	"github.com/ashureev/prdpilot/internal/protocol"
)

// handle applies fn if p is still the session's protocol client. Events
// from a disposed client are dropped.
func (s *Session) handle(p Protocol, fn func(st *State)) {
	s.mu.Lock()
	if s.proto != p {
		s.mu.Unlock()
		return
	}
	fn(&s.state)
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Session) wire(p Protocol) []func() {
	on := func(t protocol.EventType, fn func(st *State, evt protocol.Event)) func() {
		return p.On(t, func(evt protocol.Event) {
			s.handle(p, func(st *State) { fn(st, evt) })
		})
	}
	return []func(){
		on(protocol.EventStreamStart, s.onStreamStart),
		on(protocol.EventStreamingDelta, s.onDelta),
		on(protocol.EventArtifactsPreview, s.onPreview),
		on(protocol.EventResponseComplete, s.onComplete),
		on(protocol.EventError, s.onError),
		on(protocol.EventMessageSent, s.onMessageSent),
		on(protocol.EventFileIndexed, s.onFileIndexed),
		on(protocol.EventInterruptRequest, s.onInterruptRequest),
		on(protocol.EventInterruptCleared, s.onInterruptCleared),
	}
}

// The handlers below run with s.mu held.

func (s *Session) onStreamStart(st *State, evt protocol.Event) {
	st.WSConnected = true
	if evt.EventKind() == protocol.KindFlowchart {
		st.IsFlowchartStreaming = true
		return
	}
	st.IsStreaming = true
	st.StreamingAssistantContent = ""
	s.streamBuf.Reset()
}

func (s *Session) onDelta(st *State, evt protocol.Event) {
	e := evt.(*protocol.StreamingDelta)
	if e.IsFlowchart() {
		return
	}
	s.streamBuf.WriteString(e.Delta)
	st.StreamingAssistantContent = s.streamBuf.String()
}

func (s *Session) onPreview(st *State, evt protocol.Event) {
	e := evt.(*protocol.ArtifactsPreview)
	if e.Mermaid != nil {
		st.Mermaid = *e.Mermaid
	}
	if !e.IsFlowchart() {
		if e.PRDMarkdown != nil {
			st.PRDMarkdown = *e.PRDMarkdown
		}
		if e.ThinkingLensStatus != nil {
			st.ThinkingLensStatus = *e.ThinkingLensStatus
		}
		if e.SectionsStatus != nil {
			st.SectionsStatus = e.SectionsStatus
		}
	}
	st.UnsavedChanges = true
	st.LastUpdated = s.now()
}

func (s *Session) onComplete(st *State, evt protocol.Event) {
	st.LastUpdated = s.now()
	if evt.EventKind() == protocol.KindFlowchart {
		st.IsFlowchartStreaming = false
		return
	}
	if content := s.streamBuf.String(); content != "" {
		st.Messages = st.Messages.Append(s.newMessage(domain.RoleAssistant, content))
	}
	st.IsStreaming = false
	st.StreamingAssistantContent = ""
	s.streamBuf.Reset()
}

func (s *Session) onError(st *State, evt protocol.Event) {
	e := evt.(*protocol.ErrorEvent)
	msg := e.Message
	if msg == "" {
		msg = "WebSocket error"
	}
	st.Error = msg
	st.ErrorCode = e.Code
	st.Errors = appendCopy(st.Errors, msg)
	st.IsStreaming = false
	st.IsFlowchartStreaming = false
	st.StreamingAssistantContent = ""
	s.streamBuf.Reset()
}

// onMessageSent appends the server's echo, unless it confirms an
// optimistic user entry or repeats the assistant message just finalized.
func (s *Session) onMessageSent(st *State, evt protocol.Event) {
	e := evt.(*protocol.MessageSent)
	role := domain.RoleUser
	if e.MessageType == string(domain.RoleAssistant) {
		role = domain.RoleAssistant
	}

	if role == domain.RoleUser {
		for i, content := range s.pendingEcho {
			if content == e.Content {
				s.pendingEcho = append(s.pendingEcho[:i:i], s.pendingEcho[i+1:]...)
				return
			}
		}
	} else if n := len(st.Messages); n > 0 {
		last := st.Messages[n-1]
		if last.Role == domain.RoleAssistant && last.Content == e.Content {
			return
		}
	}

	msg := s.newMessage(role, e.Content)
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		msg.Timestamp = ts
	}
	st.Messages = st.Messages.Append(msg)
}

func (s *Session) onFileIndexed(st *State, evt protocol.Event) {
	e := evt.(*protocol.FileIndexed)
	st.IndexedFiles = appendCopy(st.IndexedFiles, e.Filename)
	st.LastUpdated = s.now()
}

func (s *Session) onInterruptRequest(st *State, evt protocol.Event) {
	q := evt.(*protocol.InterruptRequest).PendingQuestion()
	st.PendingQuestion = &q
	st.IsStreaming = false
	st.StreamingAssistantContent = ""
}

func (s *Session) onInterruptCleared(st *State, _ protocol.Event) {
	st.PendingQuestion = nil
}

package session

import (
	"github.com/ashureev/prdpilot/internal/domain"
)

// Export returns the persistable part of the state.
func (s *Session) Export() domain.ConversationSnapshot {
	st := s.Snapshot()
	return domain.ConversationSnapshot{
		ChatID:         st.ChatID,
		ProjectID:      st.ProjectID,
		InitialIdea:    st.InitialIdea,
		Clarifications: st.Clarifications,
		Messages:       st.Messages,
		Drafts:         st.Drafts(),
		ETag:           st.ETag,
		CurrentVersion: st.CurrentVersion,
		Unsaved:        st.UnsavedChanges,
		UpdatedAt:      s.now(),
	}
}

// Restore replaces the state with a previously exported snapshot. Transient
// run state is cleared.
func (s *Session) Restore(snap domain.ConversationSnapshot) {
	s.mu.Lock()
	var old Protocol
	if s.proto != nil && s.protoChatID != snap.ChatID {
		old = s.detachLocked()
	}
	st := initialState()
	st.ChatID = snap.ChatID
	st.ProjectID = snap.ProjectID
	st.InitialIdea = snap.InitialIdea
	st.Clarifications = snap.Clarifications
	if snap.Messages != nil {
		st.Messages = snap.Messages
	}
	st.PRDMarkdown = snap.Drafts.PRDMarkdown
	st.Mermaid = snap.Drafts.MermaidDiagram
	st.LastGoodMermaid = snap.Drafts.LastGoodMermaid
	st.ThinkingLensStatus = snap.Drafts.ThinkingLensStatus
	st.SectionsStatus = snap.Drafts.SectionsStatus
	st.ETag = snap.ETag
	st.CurrentVersion = snap.CurrentVersion
	st.UnsavedChanges = snap.Unsaved
	st.LastUpdated = snap.UpdatedAt
	st.WSConnected = s.proto != nil && s.proto.IsConnected()
	s.state = st
	s.streamBuf.Reset()
	s.pendingEcho = nil
	snapState := s.commitLocked()
	s.mu.Unlock()

	s.closeDetached(old)
	s.notify(snapState)
}

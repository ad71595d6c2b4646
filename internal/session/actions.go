package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/prdpilot/internal/domain"
	"github.com/ashureev/prdpilot/internal/httpapi"
	"github.com/ashureev/prdpilot/internal/protocol"
	"github.com/ashureev/prdpilot/internal/wsagent"
)

// SendOptions tunes SendAgentMessage.
type SendOptions struct {
	// Silent skips the optimistic transcript entry.
	Silent bool
}

// Bootstrap ingests an idea and adopts the returned project and chat ids.
func (s *Session) Bootstrap(ctx context.Context, idea string, files ...httpapi.File) (*httpapi.IngestIdeaResponse, error) {
	s.update(func(st *State) {
		st.InitialIdea = idea
		st.Bootstrapping = true
	})
	res, err := s.deps.API.IngestIdea(ctx, idea, files...)
	if err != nil {
		s.update(func(st *State) { st.Bootstrapping = false })
		s.recordError("bootstrap", err)
		return nil, err
	}
	s.SetIDs(res.ProjectID, res.ChatID)
	s.update(func(st *State) { st.Bootstrapping = false })
	return res, nil
}

// LoadClarifications fetches n questions for the initial idea and seeds
// them with empty answers.
func (s *Session) LoadClarifications(ctx context.Context, n int) (*httpapi.ClarificationsResponse, error) {
	st := s.Snapshot()
	if st.ProjectID == "" {
		return nil, ErrProjectNotSet
	}
	res, err := s.deps.API.FetchClarifications(ctx, st.ProjectID, st.InitialIdea, n)
	if err != nil {
		s.recordError("load clarifications", err)
		return nil, err
	}
	qa := make([]domain.ClarificationQA, 0, len(res.Questions))
	for _, q := range res.Questions {
		qa = append(qa, domain.ClarificationQA{Question: q})
	}
	s.update(func(st *State) { st.Clarifications = qa })
	return res, nil
}

// SetClarificationAnswers replaces the clarification list.
func (s *Session) SetClarificationAnswers(answers []domain.ClarificationQA) {
	qa := append([]domain.ClarificationQA(nil), answers...)
	s.update(func(st *State) { st.Clarifications = qa })
}

// SetIDs binds the session to a project and chat. Changing the chat
// releases the protocol client of the previous one.
func (s *Session) SetIDs(projectID, chatID string) {
	s.mu.Lock()
	var old Protocol
	if s.proto != nil && s.protoChatID != chatID {
		old = s.detachLocked()
		s.state.WSConnected = false
	}
	s.state.ProjectID = projectID
	s.state.ChatID = chatID
	snap := s.commitLocked()
	s.mu.Unlock()

	s.closeDetached(old)
	s.notify(snap)
}

// Reset releases the protocol client and clears all state.
func (s *Session) Reset() {
	s.mu.Lock()
	old := s.detachLocked()
	s.state = initialState()
	snap := s.commitLocked()
	s.mu.Unlock()

	s.closeDetached(old)
	s.notify(snap)
}

// SendAgentMessage starts an agent turn, or answers the pending question
// when one is outstanding.
func (s *Session) SendAgentMessage(ctx context.Context, content string, opts SendOptions) error {
	st := s.Snapshot()
	if st.ProjectID == "" || st.ChatID == "" {
		return fmt.Errorf("%w: project %q chat %q", ErrChatNotSet, st.ProjectID, st.ChatID)
	}
	if st.PendingQuestion != nil {
		return s.AnswerPendingQuestion(ctx, content)
	}

	s.admit.Lock()
	defer s.admit.Unlock()

	p, err := s.ensureProtocol()
	if err != nil {
		return err
	}
	if p.IsBusy() || s.Snapshot().IsStreaming {
		return ErrGenerationInProgress
	}

	runID := s.deps.NewID()
	generate := false
	var payload protocol.AgentTurnPayload
	var optimistic domain.ConversationMessage
	s.update(func(st *State) {
		payload = protocol.AgentTurnPayload{
			ProjectID:         st.ProjectID,
			Content:           content,
			LastMessages:      protocol.CapLastMessages(protocol.HistoryFromTranscript(st.Messages)),
			InitialIdea:       st.InitialIdea,
			Clarifications:    st.Clarifications,
			BasePRDMarkdown:   st.PRDMarkdown,
			BaseMermaid:       st.Mermaid,
			ClientRunID:       runID,
			GenerateFlowchart: &generate,
		}
		if !st.UIOverrides.IsZero() {
			ov := st.UIOverrides
			payload.UIOverrides = &protocol.UIOverrides{ThinkingLensStatus: &ov}
		}
		if !opts.Silent {
			optimistic = s.newMessage(domain.RoleUser, content)
			st.Messages = st.Messages.Append(optimistic)
			s.pendingEcho = append(s.pendingEcho, content)
		}
		st.Error = ""
		st.ErrorCode = ""
	})

	err = p.Connect(ctx)
	if err == nil {
		err = p.SendAgentTurn(ctx, payload)
	}
	if err != nil {
		if optimistic.ID != "" {
			s.retract(optimistic)
		}
		if errors.Is(err, wsagent.ErrRunInFlight) {
			return ErrGenerationInProgress
		}
		s.recordError("send agent message", err)
		return err
	}
	s.handle(p, func(*State) {})
	s.logger.Debug("Agent turn sent", "client_run_id", runID, "silent", opts.Silent)
	return nil
}

// retract removes an optimistic user message whose turn was never sent.
func (s *Session) retract(msg domain.ConversationMessage) {
	s.update(func(st *State) {
		st.Messages = st.Messages.Without(msg.ID)
		for i, content := range s.pendingEcho {
			if content == msg.Content {
				s.pendingEcho = append(s.pendingEcho[:i:i], s.pendingEcho[i+1:]...)
				break
			}
		}
	})
}

// SendChatMessage sends a conversational turn. It is never gated by a run
// in flight.
func (s *Session) SendChatMessage(ctx context.Context, content string) error {
	st := s.Snapshot()
	if st.ProjectID == "" {
		return ErrProjectNotSet
	}
	p, err := s.ensureProtocol()
	if err != nil {
		return err
	}

	var payload protocol.ChatTurnPayload
	s.update(func(st *State) {
		payload = protocol.ChatTurnPayload{
			ProjectID:    st.ProjectID,
			Content:      content,
			LastMessages: protocol.CapLastMessages(protocol.HistoryFromTranscript(st.Messages)),
		}
		st.Messages = st.Messages.Append(s.newMessage(domain.RoleUser, content))
		s.pendingEcho = append(s.pendingEcho, content)
	})

	if err := p.Connect(ctx); err != nil {
		s.recordError("send chat message", err)
		return err
	}
	if err := p.SendChatTurn(ctx, payload); err != nil {
		s.recordError("send chat message", err)
		return err
	}
	return nil
}

// AnswerPendingQuestion resumes the interrupted run. FinishSentinel accepts
// and finishes, blank text accepts, anything else is sent as the answer.
func (s *Session) AnswerPendingQuestion(ctx context.Context, text string) error {
	p, err := s.connected()
	if err != nil {
		return err
	}
	q := s.Snapshot().PendingQuestion
	if q == nil {
		return ErrNoPendingQuestion
	}

	var payload protocol.ResumePayload
	switch {
	case text == FinishSentinel:
		payload = protocol.NewAccept(q.QuestionID, true)
	case strings.TrimSpace(text) != "":
		payload = protocol.NewAnswer(q.QuestionID, text)
	default:
		payload = protocol.NewAccept(q.QuestionID, false)
	}

	if payload.Answer != nil {
		s.update(func(st *State) {
			st.Messages = st.Messages.Append(s.newMessage(domain.RoleUser, text))
			s.pendingEcho = append(s.pendingEcho, text)
		})
	}
	if err := p.SendResume(ctx, payload); err != nil {
		s.recordError("answer pending question", err)
		return err
	}
	return nil
}

// GenerateFlowchart asks the agent to regenerate the diagram from the
// current document, using the last known-good diagram as baseline.
func (s *Session) GenerateFlowchart(ctx context.Context) error {
	st := s.Snapshot()
	if st.ProjectID == "" {
		return ErrProjectNotSet
	}
	s.admit.Lock()
	defer s.admit.Unlock()

	p, err := s.ensureProtocol()
	if err != nil {
		return err
	}
	st = s.Snapshot()
	if p.IsBusy() || st.IsStreaming || st.IsFlowchartStreaming {
		return ErrGenerationInProgress
	}

	payload := protocol.FlowchartTurnPayload{
		ProjectID:       st.ProjectID,
		BasePRDMarkdown: st.PRDMarkdown,
		BaseMermaid:     st.Drafts().BaselineMermaid(),
		ClientRunID:     s.deps.NewID(),
	}
	if err := p.Connect(ctx); err != nil {
		s.recordError("generate flowchart", err)
		return err
	}
	if err := p.SendFlowchartTurn(ctx, payload); err != nil {
		if errors.Is(err, wsagent.ErrRunInFlight) {
			return ErrGenerationInProgress
		}
		s.recordError("generate flowchart", err)
		return err
	}
	s.handle(p, func(st *State) { st.Error = "" })
	return nil
}

// Save stores the drafts conditionally on the last known ETag. A conflict
// is reported with an error satisfying httpapi.IsConflict; use SaveForce
// to overwrite.
func (s *Session) Save(ctx context.Context) (*httpapi.SaveArtifactsResponse, error) {
	return s.save(ctx, true)
}

// SaveForce stores the drafts unconditionally.
func (s *Session) SaveForce(ctx context.Context) (*httpapi.SaveArtifactsResponse, error) {
	return s.save(ctx, false)
}

func (s *Session) save(ctx context.Context, conditional bool) (*httpapi.SaveArtifactsResponse, error) {
	st := s.Snapshot()
	if st.ProjectID == "" {
		return nil, ErrProjectNotSet
	}
	req := httpapi.SaveArtifactsRequest{PRDMarkdown: st.PRDMarkdown, Mermaid: st.Mermaid}
	if conditional {
		req.ETag = st.ETag
	}
	res, err := s.deps.API.SaveArtifacts(ctx, st.ProjectID, req)
	if err != nil {
		s.recordError("save", err)
		return nil, err
	}
	s.update(func(st *State) {
		st.ETag = res.ETag
		st.CurrentVersion = res.Version
		st.UnsavedChanges = false
		st.LastUpdated = s.now()
	})
	return res, nil
}

// FetchVersions refreshes the version list.
func (s *Session) FetchVersions(ctx context.Context) error {
	st := s.Snapshot()
	if st.ProjectID == "" {
		return ErrProjectNotSet
	}
	res, err := s.deps.API.ListVersions(ctx, st.ProjectID)
	if err != nil {
		s.recordError("fetch versions", err)
		return err
	}
	versions := append([]domain.VersionItem(nil), res.Versions...)
	s.update(func(st *State) { st.Versions = versions })
	return nil
}

// Rollback makes version current. Draft content is reloaded separately by
// RefreshDrafts.
func (s *Session) Rollback(ctx context.Context, version string) error {
	st := s.Snapshot()
	if st.ProjectID == "" {
		return ErrProjectNotSet
	}
	if _, err := s.deps.API.Rollback(ctx, st.ProjectID, version); err != nil {
		s.recordError("rollback", err)
		return err
	}
	s.update(func(st *State) {
		st.CurrentVersion = version
		st.UnsavedChanges = false
	})
	return nil
}

// SetDraft replaces the document draft.
func (s *Session) SetDraft(markdown string) {
	s.update(func(st *State) {
		st.PRDMarkdown = markdown
		st.UnsavedChanges = true
	})
}

// SetDiagram replaces the diagram draft.
func (s *Session) SetDiagram(code string) {
	s.update(func(st *State) {
		st.Mermaid = code
		st.UnsavedChanges = true
	})
}

// MarkDiagramRendered records the render outcome for code, the diagram
// text that was actually checked. Only that text is promoted to last
// known-good, even if the draft has changed since.
func (s *Session) MarkDiagramRendered(code string, ok bool) {
	if !ok || code == "" {
		return
	}
	s.update(func(st *State) { st.LastGoodMermaid = code })
}

// RefreshDrafts replaces both drafts with the stored content of the
// current version, typically after Rollback. Local edits are discarded.
func (s *Session) RefreshDrafts(ctx context.Context) error {
	st := s.Snapshot()
	if st.ProjectID == "" {
		return ErrProjectNotSet
	}
	res, err := s.deps.API.FetchArtifacts(ctx, st.ProjectID)
	if err != nil {
		s.recordError("refresh drafts", err)
		return err
	}
	s.update(func(st *State) {
		st.PRDMarkdown = res.PRDMarkdown
		st.Mermaid = res.Mermaid
		if res.Mermaid != "" {
			st.LastGoodMermaid = res.Mermaid
		}
		if res.CurrentVersion != "" {
			st.CurrentVersion = res.CurrentVersion
		}
		st.ETag = res.ETag
		st.UnsavedChanges = false
		st.LastUpdated = s.now()
	})
	return nil
}

// SetLensOverride pins a thinking lens for subsequent agent turns.
func (s *Session) SetLensOverride(lens domain.Lens, v bool) {
	s.update(func(st *State) { st.UIOverrides = st.UIOverrides.With(lens, v) })
}

// ClearError clears the current error. The history is kept.
func (s *Session) ClearError() {
	s.update(func(st *State) {
		st.Error = ""
		st.ErrorCode = ""
	})
}

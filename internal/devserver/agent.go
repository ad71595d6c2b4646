package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/prdpilot/internal/domain"
	"github.com/ashureev/prdpilot/internal/protocol"
	"github.com/google/uuid"
)

// AskMarker in an agent turn makes the scripted agent pause with a question.
const AskMarker = "[ask]"

var nonLabel = regexp.MustCompile(`[^A-Za-z0-9 _-]+`)

// inbound is the outbound client envelope payload with just the routing
// field decoded.
type inbound struct {
	Mode string `json:"mode"`
}

// handleFrame runs one client frame against the chat of p.
func (s *Server) handleFrame(ctx context.Context, p *project, userID string, raw []byte) {
	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.sendError(ctx, p, protocol.Meta{}, "malformed frame", "BAD_REQUEST")
		return
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	switch f.Type {
	case protocol.FrameSendMessage:
		var head inbound
		if err := json.Unmarshal(f.Data, &head); err != nil {
			s.sendError(ctx, p, protocol.Meta{}, "malformed send_message", "BAD_REQUEST")
			return
		}
		switch head.Mode {
		case protocol.ModeAgent, "":
			var turn protocol.AgentTurnPayload
			if err := json.Unmarshal(f.Data, &turn); err != nil {
				s.sendError(ctx, p, protocol.Meta{}, "malformed agent turn", "BAD_REQUEST")
				return
			}
			if !s.allowTurn(ctx, p, userID, protocol.Meta{ClientRunID: turn.ClientRunID}) {
				return
			}
			s.runAgentTurn(ctx, p, userID, turn)
		case protocol.ModeChat:
			var turn protocol.ChatTurnPayload
			if err := json.Unmarshal(f.Data, &turn); err != nil {
				s.sendError(ctx, p, protocol.Meta{}, "malformed chat turn", "BAD_REQUEST")
				return
			}
			if !s.allowTurn(ctx, p, userID, protocol.Meta{}) {
				return
			}
			s.runChatTurn(ctx, p, userID, turn)
		case protocol.ModeFlowchart:
			var turn protocol.FlowchartTurnPayload
			if err := json.Unmarshal(f.Data, &turn); err != nil {
				s.sendError(ctx, p, protocol.Meta{}, "malformed flowchart turn", "BAD_REQUEST")
				return
			}
			if !s.allowTurn(ctx, p, userID, protocol.Meta{ClientRunID: turn.ClientRunID, Kind: protocol.KindFlowchart}) {
				return
			}
			s.runFlowchartTurn(ctx, p, turn)
		default:
			s.sendError(ctx, p, protocol.Meta{}, fmt.Sprintf("unsupported mode %q", head.Mode), "BAD_REQUEST")
		}
	case protocol.FrameAgentResume:
		var resume protocol.ResumePayload
		if err := json.Unmarshal(f.Data, &resume); err != nil || !resume.Valid() {
			s.sendError(ctx, p, protocol.Meta{}, "malformed agent_resume", "BAD_REQUEST")
			return
		}
		s.resumeAgentTurn(ctx, p, userID, resume)
	default:
		s.logger.Debug("Ignoring client frame", "type", f.Type, "chat_id", p.chatID)
	}
}

func (s *Server) runAgentTurn(ctx context.Context, p *project, userID string, turn protocol.AgentTurnPayload) {
	meta := protocol.Meta{ClientRunID: turn.ClientRunID}
	s.echo(ctx, p, userID, domain.RoleUser, turn.Content)
	s.emit(ctx, p, &protocol.StreamStart{Meta: meta, ProjectID: p.id})

	if strings.Contains(turn.Content, AskMarker) {
		s.stream(ctx, p, meta, "Before I write this section I need one answer.")
		q := &protocol.InterruptRequest{
			Meta:       meta,
			QuestionID: "q-" + uuid.NewString(),
			Question:   "Which user segment should this section focus on?",
			Lens:       string(domain.LensDiscovery),
			Rationale:  "The request does not name a target user.",
		}
		p.mu.Lock()
		p.pending = &pendingRun{questionID: q.QuestionID, runID: turn.ClientRunID, turn: turn}
		p.mu.Unlock()
		s.emit(ctx, p, q)
		return
	}

	s.completeAgentTurn(ctx, p, userID, meta, turn, sectionTitle(turn.Content))
}

func (s *Server) resumeAgentTurn(ctx context.Context, p *project, userID string, resume protocol.ResumePayload) {
	questionID := ""
	if resume.Answer != nil {
		questionID = resume.Answer.QuestionID
	} else {
		questionID = resume.Accept.QuestionID
	}

	p.mu.Lock()
	pending := p.pending
	if pending != nil && pending.questionID == questionID {
		p.pending = nil
	}
	p.mu.Unlock()

	if pending == nil || pending.questionID != questionID {
		s.sendError(ctx, p, protocol.Meta{}, "no pending question", "NO_PENDING_QUESTION")
		return
	}

	meta := protocol.Meta{ClientRunID: pending.runID}
	if resume.Answer != nil {
		s.echo(ctx, p, userID, domain.RoleUser, resume.Answer.Text)
	}
	s.emit(ctx, p, &protocol.InterruptCleared{Meta: meta, QuestionID: questionID})
	s.emit(ctx, p, &protocol.StreamStart{Meta: meta, ProjectID: p.id})

	title := sectionTitle(strings.ReplaceAll(pending.turn.Content, AskMarker, ""))
	switch {
	case resume.Answer != nil:
		title = fmt.Sprintf("%s for %s", title, sectionTitle(resume.Answer.Text))
	case resume.Accept.Finish:
		title = "Final review"
	}
	s.completeAgentTurn(ctx, p, userID, meta, pending.turn, title)
}

func (s *Server) completeAgentTurn(ctx context.Context, p *project, userID string, meta protocol.Meta, turn protocol.AgentTurnPayload, title string) {
	reply := fmt.Sprintf("I added a %q section to the PRD.", title)
	s.stream(ctx, p, meta, reply)

	prd := strings.TrimRight(turn.BasePRDMarkdown, "\n")
	if prd == "" {
		prd = "# " + sectionTitle(p.idea)
	}
	prd += fmt.Sprintf("\n\n## %s\n\n%s\n", title, strings.TrimSpace(strings.ReplaceAll(turn.Content, AskMarker, "")))

	p.mu.Lock()
	p.lensTurns++
	turns := p.lensTurns
	p.mu.Unlock()

	preview := &protocol.ArtifactsPreview{
		Meta:               meta,
		PRDMarkdown:        &prd,
		ThinkingLensStatus: lensStatus(turns, turn.UIOverrides),
		SectionsStatus:     map[string]bool{title: true},
	}
	if turn.GenerateFlowchart == nil || *turn.GenerateFlowchart {
		mermaid := flowchartFor(prd)
		preview.Mermaid = &mermaid
	}
	s.emit(ctx, p, preview)
	s.emit(ctx, p, &protocol.ResponseComplete{Meta: meta, Message: reply, Provider: "scripted", Model: "devserver"})
	s.echo(ctx, p, userID, domain.RoleAssistant, reply)
}

func (s *Server) runChatTurn(ctx context.Context, p *project, userID string, turn protocol.ChatTurnPayload) {
	s.echo(ctx, p, userID, domain.RoleUser, turn.Content)
	s.emit(ctx, p, &protocol.StreamStart{ProjectID: p.id})
	reply := "Noted: " + strings.Join(strings.Fields(turn.Content), " ")
	s.stream(ctx, p, protocol.Meta{}, reply)
	s.emit(ctx, p, &protocol.ResponseComplete{Message: reply})
	s.echo(ctx, p, userID, domain.RoleAssistant, reply)
}

func (s *Server) runFlowchartTurn(ctx context.Context, p *project, turn protocol.FlowchartTurnPayload) {
	meta := protocol.Meta{ClientRunID: turn.ClientRunID, Kind: protocol.KindFlowchart}
	s.emit(ctx, p, &protocol.StreamStart{Meta: meta, ProjectID: p.id})
	s.stream(ctx, p, meta, "Drawing the flow.")
	mermaid := flowchartFor(turn.BasePRDMarkdown)
	s.emit(ctx, p, &protocol.ArtifactsPreview{Meta: meta, Mermaid: &mermaid})
	s.emit(ctx, p, &protocol.ResponseComplete{Meta: meta, Message: "Flowchart updated"})
}

// announceFiles sends file_indexed for uploads not yet announced.
func (s *Server) announceFiles(ctx context.Context, p *project) {
	p.mu.Lock()
	if p.filesAnnounced {
		p.mu.Unlock()
		return
	}
	p.filesAnnounced = true
	files := append([]string(nil), p.files...)
	p.mu.Unlock()

	for _, name := range files {
		s.emit(ctx, p, &protocol.FileIndexed{
			ProjectID: p.id,
			FileID:    "file-" + uuid.NewString(),
			Filename:  name,
			NumChunks: 1,
		})
	}
}

// stream sends text as word deltas.
func (s *Server) stream(ctx context.Context, p *project, meta protocol.Meta, text string) {
	words := strings.Fields(text)
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		s.emit(ctx, p, &protocol.StreamingDelta{Meta: meta, Delta: w})
		if s.opts.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.TokenDelay):
			}
		}
	}
}

func (s *Server) echo(ctx context.Context, p *project, userID string, role domain.Role, content string) {
	evt := &protocol.MessageSent{
		MessageID:   "msg-" + uuid.NewString(),
		UserID:      userID,
		Content:     content,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		MessageType: string(role),
	}
	s.emit(ctx, p, evt)
	if s.opts.DuplicateEchoes {
		s.emit(ctx, p, evt)
	}
}

// allowTurn applies the per-user turn limit, answering with an error event
// tagged like the rejected turn.
func (s *Server) allowTurn(ctx context.Context, p *project, userID string, meta protocol.Meta) bool {
	if s.limiter.Allow(userID) {
		return true
	}
	s.sendError(ctx, p, meta, "rate limit exceeded", "RATE_LIMITED")
	return false
}

func (s *Server) sendError(ctx context.Context, p *project, meta protocol.Meta, msg, code string) {
	s.logger.Warn("Agent turn rejected", "chat_id", p.chatID, "error", msg)
	s.emit(ctx, p, &protocol.ErrorEvent{Meta: meta, Message: msg, Code: code})
}

func (s *Server) emit(ctx context.Context, p *project, evt protocol.Event) {
	frame, err := protocol.EncodeEvent(evt)
	if err != nil {
		s.logger.Error("Failed to encode event", "type", evt.Type(), "error", err)
		return
	}
	s.hub.Broadcast(ctx, p.chatID, frame)
}

func sectionTitle(content string) string {
	words := strings.Fields(nonLabel.ReplaceAllString(content, ""))
	if len(words) == 0 {
		return "Notes"
	}
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	return strings.ToUpper(title[:1]) + title[1:]
}

func lensStatus(turns int, overrides *protocol.UIOverrides) *domain.ThinkingLensStatus {
	done := make(map[domain.Lens]bool, len(lensOrder))
	for i, l := range lensOrder {
		done[l] = i < turns
	}
	if overrides != nil && overrides.ThinkingLensStatus != nil {
		o := overrides.ThinkingLensStatus
		apply := func(l domain.Lens, v *bool) {
			if v != nil {
				done[l] = *v
			}
		}
		apply(domain.LensDiscovery, o.Discovery)
		apply(domain.LensUserJourney, o.UserJourney)
		apply(domain.LensMetrics, o.Metrics)
		apply(domain.LensGTM, o.GTM)
		apply(domain.LensRisks, o.Risks)
	}
	return &domain.ThinkingLensStatus{
		Discovery:   done[domain.LensDiscovery],
		UserJourney: done[domain.LensUserJourney],
		Metrics:     done[domain.LensMetrics],
		GTM:         done[domain.LensGTM],
		Risks:       done[domain.LensRisks],
	}
}

// flowchartFor chains the document's second-level headings into a
// top-down diagram.
func flowchartFor(prd string) string {
	var b strings.Builder
	b.WriteString("graph TD\n  N0[Idea]")
	n := 0
	for _, line := range strings.Split(prd, "\n") {
		heading, ok := strings.CutPrefix(line, "## ")
		if !ok {
			continue
		}
		label := strings.TrimSpace(nonLabel.ReplaceAllString(heading, ""))
		if label == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, " --> N%d[%s]\n  N%d", n, label, n)
	}
	b.WriteString("\n")
	return b.String()
}

// Package protocol defines the JSON frames exchanged with the agent over the
// duplex chat channel.
package protocol

import (
	"github.com/ashureev/prdpilot/internal/domain"
)

// MaxLastMessages bounds the trailing history sent with each turn.
const MaxLastMessages = 10

// Outbound frame types.
const (
	FrameSendMessage = "send_message"
	FrameAgentResume = "agent_resume"
)

// Turn modes.
const (
	ModeAgent     = "agent"
	ModeChat      = "chat"
	ModeFlowchart = "flowchart"
)

// ChatMessage is the trimmed history entry carried in turn payloads.
type ChatMessage struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// Attachment references a file the agent may read.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
}

// UIOverrides carries lens toggles chosen in the UI.
type UIOverrides struct {
	ThinkingLensStatus *domain.LensOverrides `json:"thinking_lens_status,omitempty"`
}

// AgentTurnPayload starts a document-mutating agent run.
type AgentTurnPayload struct {
	Mode              string                   `json:"mode"`
	ProjectID         string                   `json:"project_id"`
	Content           string                   `json:"content"`
	LastMessages      []ChatMessage            `json:"last_messages"`
	InitialIdea       string                   `json:"initial_idea,omitempty"`
	Clarifications    []domain.ClarificationQA `json:"clarifications,omitempty"`
	BasePRDMarkdown   string                   `json:"base_prd_markdown"`
	BaseMermaid       string                   `json:"base_mermaid"`
	Attachments       []Attachment             `json:"attachments,omitempty"`
	ClientRunID       string                   `json:"client_run_id,omitempty"`
	GenerateFlowchart *bool                    `json:"generate_flowchart,omitempty"`
	UIOverrides       *UIOverrides             `json:"ui_overrides,omitempty"`
}

// ChatTurnPayload is a conversational turn that never touches the document.
type ChatTurnPayload struct {
	Mode         string        `json:"mode"`
	ProjectID    string        `json:"project_id"`
	Content      string        `json:"content"`
	LastMessages []ChatMessage `json:"last_messages"`
}

// FlowchartTurnPayload asks the agent to regenerate the diagram.
type FlowchartTurnPayload struct {
	Mode            string `json:"mode"`
	ProjectID       string `json:"project_id"`
	BasePRDMarkdown string `json:"base_prd_markdown"`
	BaseMermaid     string `json:"base_mermaid,omitempty"`
	ClientRunID     string `json:"client_run_id,omitempty"`
}

// ResumeAnswer answers a pending question with free text.
type ResumeAnswer struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
}

// ResumeAccept accepts the agent's current proposal, optionally finishing the cycle.
type ResumeAccept struct {
	QuestionID string `json:"question_id"`
	Finish     bool   `json:"finish,omitempty"`
}

// ResumePayload carries exactly one of Answer or Accept.
type ResumePayload struct {
	Answer *ResumeAnswer `json:"answer,omitempty"`
	Accept *ResumeAccept `json:"accept,omitempty"`
}

// Valid reports whether exactly one variant is set.
func (p ResumePayload) Valid() bool {
	return (p.Answer == nil) != (p.Accept == nil)
}

// NewAnswer builds an answer resume payload.
func NewAnswer(questionID, text string) ResumePayload {
	return ResumePayload{Answer: &ResumeAnswer{QuestionID: questionID, Text: text}}
}

// NewAccept builds an accept resume payload.
func NewAccept(questionID string, finish bool) ResumePayload {
	return ResumePayload{Accept: &ResumeAccept{QuestionID: questionID, Finish: finish}}
}

// CapLastMessages keeps at most the MaxLastMessages most recent entries in
// their original order. The input slice is never aliased.
func CapLastMessages(messages []ChatMessage) []ChatMessage {
	n := len(messages)
	if n > MaxLastMessages {
		messages = messages[n-MaxLastMessages:]
	}
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	return out
}

// HistoryFromTranscript converts transcript entries to payload history.
func HistoryFromTranscript(t domain.Transcript) []ChatMessage {
	out := make([]ChatMessage, 0, len(t))
	for _, m := range t {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

package protocol

import (
	"github.com/ashureev/prdpilot/internal/domain"
)

// EventType names an inbound event.
type EventType string

const (
	EventStreamStart      EventType = "stream_start"
	EventStreamingDelta   EventType = "ai_response_streaming"
	EventArtifactsPreview EventType = "artifacts_preview"
	EventResponseComplete EventType = "ai_response_complete"
	EventError            EventType = "error"
	EventMessageSent      EventType = "message_sent"
	EventFileIndexed      EventType = "file_indexed"
	EventInterruptRequest EventType = "agent_interrupt_request"
	EventInterruptCleared EventType = "agent_interrupt_cleared"
)

// KindFlowchart routes an event to diagram state instead of document state.
const KindFlowchart = "flowchart"

// CodeStreamTimeout tags the locally synthesized stall error.
const CodeStreamTimeout = "STREAM_TIMEOUT"

// Event is the tagged union of inbound event payloads.
type Event interface {
	Type() EventType
	RunID() string
	EventKind() string
}

// Meta holds the optional correlation fields any event may carry.
type Meta struct {
	ClientRunID string `json:"client_run_id,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// RunID returns the client run identifier the event is tagged with.
func (m Meta) RunID() string { return m.ClientRunID }

// EventKind returns the routing discriminator, e.g. KindFlowchart.
func (m Meta) EventKind() string { return m.Kind }

// IsFlowchart reports whether the event belongs to a flowchart run.
func (m Meta) IsFlowchart() bool { return m.Kind == KindFlowchart }

type StreamStart struct {
	Meta
	ProjectID string `json:"project_id"`
}

type StreamingDelta struct {
	Meta
	Delta      string `json:"delta"`
	IsComplete bool   `json:"is_complete"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
}

// ArtifactsPreview carries partial drafts. Nil fields mean "unchanged".
type ArtifactsPreview struct {
	Meta
	PRDMarkdown        *string                    `json:"prd_markdown,omitempty"`
	Mermaid            *string                    `json:"mermaid,omitempty"`
	ThinkingLensStatus *domain.ThinkingLensStatus `json:"thinking_lens_status,omitempty"`
	SectionsStatus     map[string]bool            `json:"sections_status,omitempty"`
}

type ResponseComplete struct {
	Meta
	Message        string `json:"message"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
}

type ErrorEvent struct {
	Meta
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// MessageSent is the backend's authoritative echo of a transcript entry.
type MessageSent struct {
	Meta
	MessageID   string `json:"message_id"`
	UserID      string `json:"user_id"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	MessageType string `json:"message_type"`
}

type FileIndexed struct {
	Meta
	ProjectID string `json:"project_id"`
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	NumChunks int    `json:"num_chunks"`
}

type InterruptRequest struct {
	Meta
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Lens       string `json:"lens,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
}

// PendingQuestion converts the interrupt into reducer state.
func (e *InterruptRequest) PendingQuestion() domain.PendingQuestion {
	return domain.PendingQuestion{
		QuestionID: e.QuestionID,
		Question:   e.Question,
		Lens:       e.Lens,
		Rationale:  e.Rationale,
	}
}

type InterruptCleared struct {
	Meta
	QuestionID string `json:"question_id"`
}

func (*StreamStart) Type() EventType      { return EventStreamStart }
func (*StreamingDelta) Type() EventType   { return EventStreamingDelta }
func (*ArtifactsPreview) Type() EventType { return EventArtifactsPreview }
func (*ResponseComplete) Type() EventType { return EventResponseComplete }
func (*ErrorEvent) Type() EventType       { return EventError }
func (*MessageSent) Type() EventType      { return EventMessageSent }
func (*FileIndexed) Type() EventType      { return EventFileIndexed }
func (*InterruptRequest) Type() EventType { return EventInterruptRequest }
func (*InterruptCleared) Type() EventType { return EventInterruptCleared }

// newEvent returns an empty payload for a recognized type, or nil.
func newEvent(t EventType) Event {
	switch t {
	case EventStreamStart:
		return &StreamStart{}
	case EventStreamingDelta:
		return &StreamingDelta{}
	case EventArtifactsPreview:
		return &ArtifactsPreview{}
	case EventResponseComplete:
		return &ResponseComplete{}
	case EventError:
		return &ErrorEvent{}
	case EventMessageSent:
		return &MessageSent{}
	case EventFileIndexed:
		return &FileIndexed{}
	case EventInterruptRequest:
		return &InterruptRequest{}
	case EventInterruptCleared:
		return &InterruptCleared{}
	}
	return nil
}

// EventTypes lists every recognized inbound event type.
func EventTypes() []EventType {
	return []EventType{
		EventStreamStart, EventStreamingDelta, EventArtifactsPreview,
		EventResponseComplete, EventError, EventMessageSent,
		EventFileIndexed, EventInterruptRequest, EventInterruptCleared,
	}
}

package domain

import (
	"time"
)

// ConversationSnapshot is the persisted form of a conversation's client state.
type ConversationSnapshot struct {
	ChatID         string            `json:"chat_id"`
	ProjectID      string            `json:"project_id"`
	InitialIdea    string            `json:"initial_idea,omitempty"`
	Clarifications []ClarificationQA `json:"clarifications,omitempty"`
	Messages       Transcript        `json:"messages"`
	Drafts         DraftArtifacts    `json:"drafts"`
	ETag           string            `json:"etag,omitempty"`
	CurrentVersion string            `json:"current_version,omitempty"`
	Unsaved        bool              `json:"unsaved"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

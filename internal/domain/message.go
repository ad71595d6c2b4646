// Package domain contains core domain types for the prdpilot client.
package domain

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks messages typed by the human.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the agent.
	RoleAssistant Role = "assistant"
)

// ConversationMessage is one immutable transcript entry.
type ConversationMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the append-only ordered conversation history.
type Transcript []ConversationMessage

// Append returns the transcript with msg added at the end.
// The receiver is never modified in place so earlier snapshots stay valid.
func (t Transcript) Append(msg ConversationMessage) Transcript {
	out := make(Transcript, len(t), len(t)+1)
	copy(out, t)
	return append(out, msg)
}

// Without returns the transcript minus the message with the given id.
func (t Transcript) Without(id string) Transcript {
	out := make(Transcript, 0, len(t))
	for _, m := range t {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// Recent returns the last n messages in original order.
func (t Transcript) Recent(n int) Transcript {
	if n <= 0 {
		return Transcript{}
	}
	if n >= len(t) {
		return t
	}
	return t[len(t)-n:]
}

// ClarificationQA pairs a clarification question with the user's answer.
type ClarificationQA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

package domain

// PendingQuestion is the single outstanding human-in-the-loop interrupt.
type PendingQuestion struct {
	QuestionID string `json:"question_id"`
	Question   string `json:"question"`
	Lens       string `json:"lens,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
}

// ConnectionState is owned by the protocol client; everyone else observes it.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Package session holds the client-side conversation state and translates
// protocol events and REST results into it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/prdpilot/internal/clock"
	"github.com/ashureev/prdpilot/internal/domain"
	"github.com/ashureev/prdpilot/internal/httpapi"
	"github.com/ashureev/prdpilot/internal/protocol"
	"github.com/google/uuid"
)

// FinishSentinel, sent as an answer, accepts the current proposal and ends
// the clarification cycle.
const FinishSentinel = "__FINISH__"

var (
	ErrGenerationInProgress = errors.New("generation in progress: please wait for the current run to finish")
	ErrNoPendingQuestion    = errors.New("no pending question")
	ErrProjectNotSet        = errors.New("project id is not set")
	ErrChatNotSet           = errors.New("chat id is not set")
)

// Protocol is what the session needs from the duplex channel client.
type Protocol interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	IsBusy() bool
	SendAgentTurn(ctx context.Context, p protocol.AgentTurnPayload) error
	SendFlowchartTurn(ctx context.Context, p protocol.FlowchartTurnPayload) error
	SendChatTurn(ctx context.Context, p protocol.ChatTurnPayload) error
	SendResume(ctx context.Context, p protocol.ResumePayload) error
	On(t protocol.EventType, fn func(protocol.Event)) func()
	SetConnectionListener(onConnected, onDisconnected func())
	SetOnline(online bool)
}

// API is what the session needs from the REST client.
type API interface {
	IngestIdea(ctx context.Context, idea string, files ...httpapi.File) (*httpapi.IngestIdeaResponse, error)
	FetchClarifications(ctx context.Context, projectID, idea string, n int) (*httpapi.ClarificationsResponse, error)
	SaveArtifacts(ctx context.Context, projectID string, req httpapi.SaveArtifactsRequest) (*httpapi.SaveArtifactsResponse, error)
	ListVersions(ctx context.Context, projectID string) (*httpapi.ListVersionsResponse, error)
	Rollback(ctx context.Context, projectID, version string) (*httpapi.RollbackResponse, error)
	FetchArtifacts(ctx context.Context, projectID string) (*httpapi.ArtifactsResponse, error)
}

// Deps are the collaborators of a Session. API and NewProtocol are required.
type Deps struct {
	API         API
	NewProtocol func(chatID string) Protocol
	Clock       clock.Clock
	NewID       func() string
	Logger      *slog.Logger
}

// Phase is the coarse state of the conversation.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseBootstrapping Phase = "bootstrapping"
	PhaseConnected     Phase = "connected"
	PhaseRunInFlight   Phase = "run-in-flight"
	PhaseInterrupted   Phase = "interrupted"
	PhaseErrored       Phase = "errored"
)

// State is an immutable view of the conversation. Slices and maps are
// shared with later views and must not be modified.
type State struct {
	ProjectID      string
	ChatID         string
	InitialIdea    string
	Clarifications []domain.ClarificationQA
	Messages       domain.Transcript

	PRDMarkdown        string
	Mermaid            string
	LastGoodMermaid    string
	ThinkingLensStatus domain.ThinkingLensStatus
	SectionsStatus     map[string]bool
	IndexedFiles       []string

	ETag           string
	CurrentVersion string
	Versions       []domain.VersionItem

	IsStreaming               bool
	IsFlowchartStreaming      bool
	StreamingAssistantContent string
	UnsavedChanges            bool
	LastUpdated               time.Time
	Bootstrapping             bool

	Error     string
	ErrorCode string
	Errors    []string

	WSConnected     bool
	PendingQuestion *domain.PendingQuestion
	UIOverrides     domain.LensOverrides
	Phase           Phase
}

// Drafts returns the draft artifacts of s.
func (s State) Drafts() domain.DraftArtifacts {
	return domain.DraftArtifacts{
		PRDMarkdown:        s.PRDMarkdown,
		MermaidDiagram:     s.Mermaid,
		LastGoodMermaid:    s.LastGoodMermaid,
		ThinkingLensStatus: s.ThinkingLensStatus,
		SectionsStatus:     s.SectionsStatus,
	}
}

// Session is the reducer for one conversation at a time. It owns at most
// one protocol client, bound to the current chat id.
type Session struct {
	deps   Deps
	logger *slog.Logger

	// admit serialises the busy check and send of agent and flowchart turns.
	admit sync.Mutex

	mu          sync.RWMutex
	state       State
	streamBuf   strings.Builder
	pendingEcho []string // optimistic user messages awaiting their server echo
	proto       Protocol
	protoChatID string
	offline     bool
	unwire      []func()

	subsMu sync.Mutex
	nextID uint64
	subs   map[uint64]func(State)
}

// New creates an idle session.
func New(deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Session{
		deps:   deps,
		logger: deps.Logger,
		subs:   make(map[uint64]func(State)),
	}
	s.state = initialState()
	return s
}

func initialState() State {
	return State{Messages: domain.Transcript{}, Phase: PhaseIdle}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn to receive the state after every change.
func (s *Session) Subscribe(fn func(State)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

// IsBusy reports whether a document-mutating run is streaming or admitted.
func (s *Session) IsBusy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busyLocked()
}

func (s *Session) busyLocked() bool {
	return s.state.IsStreaming || (s.proto != nil && s.proto.IsBusy())
}

// update applies fn under the lock, recomputes the phase and notifies
// subscribers.
func (s *Session) update(fn func(st *State)) State {
	s.mu.Lock()
	fn(&s.state)
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap)
	return snap
}

func (s *Session) commitLocked() State {
	s.state.Phase = s.phaseLocked()
	return s.state
}

func (s *Session) phaseLocked() Phase {
	st := &s.state
	switch {
	case st.PendingQuestion != nil:
		return PhaseInterrupted
	case st.IsStreaming || st.IsFlowchartStreaming || (s.proto != nil && s.proto.IsBusy()):
		return PhaseRunInFlight
	case st.Error != "":
		return PhaseErrored
	case st.Bootstrapping:
		return PhaseBootstrapping
	case st.WSConnected:
		return PhaseConnected
	default:
		return PhaseIdle
	}
}

func (s *Session) notify(st State) {
	s.subsMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("State subscriber panicked", "panic", r)
				}
			}()
			fn(st)
		}()
	}
}

func (s *Session) now() time.Time {
	return s.deps.Clock.Now()
}

func (s *Session) newMessage(role domain.Role, content string) domain.ConversationMessage {
	return domain.ConversationMessage{
		ID:        s.deps.NewID(),
		Role:      role,
		Content:   content,
		Timestamp: s.now(),
	}
}

// recordError surfaces err in the state without clearing run flags.
func (s *Session) recordError(op string, err error) {
	s.logger.Warn("Session operation failed", "op", op, "error", err)
	s.update(func(st *State) {
		st.Error = err.Error()
		st.ErrorCode = ""
		st.Errors = appendCopy(st.Errors, st.Error)
	})
}

func appendCopy[T any](s []T, v T) []T {
	out := make([]T, len(s), len(s)+1)
	copy(out, s)
	return append(out, v)
}

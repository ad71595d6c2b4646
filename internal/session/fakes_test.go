package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/prdpilot/internal/clock"
	"github.com/ashureev/prdpilot/internal/httpapi"
	"github.com/ashureev/prdpilot/internal/protocol"
	"github.com/ashureev/prdpilot/internal/wsagent"
)

type fakeProtocol struct {
	chatID string

	mu             sync.Mutex
	connected      bool
	busy           bool
	disconnected   bool
	connectErr     error
	sendErr        error
	handlers       map[protocol.EventType][]func(protocol.Event)
	onConnected    func()
	onDisconnected func()
	online         []bool

	agentTurns     []protocol.AgentTurnPayload
	chatTurns      []protocol.ChatTurnPayload
	flowchartTurns []protocol.FlowchartTurnPayload
	resumes        []protocol.ResumePayload
}

func newFakeProtocol(chatID string) *fakeProtocol {
	return &fakeProtocol{chatID: chatID, handlers: make(map[protocol.EventType][]func(protocol.Event))}
}

func (f *fakeProtocol) Connect(context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	already := f.connected
	f.connected = true
	cb := f.onConnected
	f.mu.Unlock()
	if !already && cb != nil {
		cb()
	}
	return nil
}

func (f *fakeProtocol) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProtocol) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeProtocol) IsBusy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeProtocol) setBusy(v bool) {
	f.mu.Lock()
	f.busy = v
	f.mu.Unlock()
}

func (f *fakeProtocol) SendAgentTurn(_ context.Context, p protocol.AgentTurnPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return wsagent.ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.busy {
		return wsagent.ErrRunInFlight
	}
	f.busy = true
	f.agentTurns = append(f.agentTurns, p)
	return nil
}

func (f *fakeProtocol) SendFlowchartTurn(_ context.Context, p protocol.FlowchartTurnPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return wsagent.ErrNotConnected
	}
	if f.busy {
		return wsagent.ErrRunInFlight
	}
	f.busy = true
	f.flowchartTurns = append(f.flowchartTurns, p)
	return nil
}

func (f *fakeProtocol) SendChatTurn(_ context.Context, p protocol.ChatTurnPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return wsagent.ErrNotConnected
	}
	f.chatTurns = append(f.chatTurns, p)
	return nil
}

func (f *fakeProtocol) SendResume(_ context.Context, p protocol.ResumePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return wsagent.ErrNotConnected
	}
	f.resumes = append(f.resumes, p)
	return nil
}

func (f *fakeProtocol) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, online)
}

func (f *fakeProtocol) On(t protocol.EventType, fn func(protocol.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = append(f.handlers[t], fn)
	idx := len(f.handlers[t]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[t][idx] = nil
	}
}

func (f *fakeProtocol) SetConnectionListener(onConnected, onDisconnected func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnected = onConnected
	f.onDisconnected = onDisconnected
}

// emit delivers evt the way the real client does: completions release the
// admission flag before listeners run.
func (f *fakeProtocol) emit(evt protocol.Event) {
	f.mu.Lock()
	switch evt.Type() {
	case protocol.EventResponseComplete, protocol.EventError, protocol.EventInterruptRequest, protocol.EventInterruptCleared:
		f.busy = false
	}
	fns := append([]func(protocol.Event){}, f.handlers[evt.Type()]...)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(evt)
		}
	}
}

func (f *fakeProtocol) drop() {
	f.mu.Lock()
	f.connected = false
	f.busy = false
	cb := f.onDisconnected
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type fakeAPI struct {
	mu sync.Mutex

	ingest     *httpapi.IngestIdeaResponse
	ingestErr  error
	questions  []string
	saveErr    error
	saveCalls  []httpapi.SaveArtifactsRequest
	versions   []string
	rollbacks  []string
	ingestSeen []string
	artifacts  *httpapi.ArtifactsResponse
}

func (a *fakeAPI) IngestIdea(_ context.Context, idea string, _ ...httpapi.File) (*httpapi.IngestIdeaResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ingestSeen = append(a.ingestSeen, idea)
	if a.ingestErr != nil {
		return nil, a.ingestErr
	}
	return a.ingest, nil
}

func (a *fakeAPI) FetchClarifications(_ context.Context, _, _ string, n int) (*httpapi.ClarificationsResponse, error) {
	qs := a.questions
	if len(qs) > n {
		qs = qs[:n]
	}
	return &httpapi.ClarificationsResponse{Questions: qs}, nil
}

func (a *fakeAPI) SaveArtifacts(_ context.Context, _ string, req httpapi.SaveArtifactsRequest) (*httpapi.SaveArtifactsResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saveCalls = append(a.saveCalls, req)
	if a.saveErr != nil && req.ETag != "" {
		return nil, a.saveErr
	}
	n := len(a.saveCalls)
	return &httpapi.SaveArtifactsResponse{
		Version: fmt.Sprintf("v%d", n),
		ETag:    fmt.Sprintf("etag-%d", n),
	}, nil
}

func (a *fakeAPI) ListVersions(context.Context, string) (*httpapi.ListVersionsResponse, error) {
	return &httpapi.ListVersionsResponse{Versions: nil}, nil
}

func (a *fakeAPI) Rollback(_ context.Context, _, version string) (*httpapi.RollbackResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollbacks = append(a.rollbacks, version)
	return &httpapi.RollbackResponse{CurrentVersion: version}, nil
}

func (a *fakeAPI) FetchArtifacts(context.Context, string) (*httpapi.ArtifactsResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.artifacts == nil {
		return nil, &httpapi.HTTPError{Status: http.StatusNotFound, Message: "Project not found"}
	}
	res := *a.artifacts
	return &res, nil
}

type harness struct {
	sess   *Session
	api    *fakeAPI
	clk    *clock.Fake
	protos []*fakeProtocol
	ids    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api: &fakeAPI{ingest: &httpapi.IngestIdeaResponse{ProjectID: "proj-1", ChatID: "chat-1"}},
		clk: clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	}
	h.sess = New(Deps{
		API: h.api,
		NewProtocol: func(chatID string) Protocol {
			p := newFakeProtocol(chatID)
			h.protos = append(h.protos, p)
			return p
		},
		Clock: h.clk,
		NewID: func() string {
			h.ids++
			return fmt.Sprintf("id-%d", h.ids)
		},
	})
	t.Cleanup(h.sess.Close)
	return h
}

// proto returns the most recently created protocol client.
func (h *harness) proto() *fakeProtocol {
	return h.protos[len(h.protos)-1]
}

// ready binds the session to proj-1/chat-1 and connects.
func (h *harness) ready(t *testing.T) *fakeProtocol {
	t.Helper()
	h.sess.SetIDs("proj-1", "chat-1")
	if err := h.sess.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return h.proto()
}

func strPtr(s string) *string { return &s }

package devserver_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/prdpilot/internal/auth"
	"github.com/ashureev/prdpilot/internal/devserver"
	"github.com/ashureev/prdpilot/internal/domain"
	"github.com/ashureev/prdpilot/internal/httpapi"
	"github.com/ashureev/prdpilot/internal/session"
	"github.com/ashureev/prdpilot/internal/store"
	"github.com/ashureev/prdpilot/internal/wsagent"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type stack struct {
	srv    *devserver.Server
	ts     *httptest.Server
	tokens *auth.TokenStore
	api    *httpapi.Client
	sess   *session.Session
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStack(t *testing.T, opts devserver.Options) *stack {
	t.Helper()
	opts.Logger = quietLogger()
	srv := devserver.New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	logger := quietLogger()
	tokens := auth.NewTokenStore(store.NewMemory(), nil, logger)
	api, err := httpapi.New(ts.URL+"/api/v1", tokens, httpapi.WithLogger(logger))
	require.NoError(t, err)

	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	sess := session.New(session.Deps{
		API: api,
		NewProtocol: func(chatID string) session.Protocol {
			wopts := wsagent.DefaultOptions()
			wopts.BaseURL = wsBase
			wopts.Tokens = tokens
			wopts.Logger = logger
			return wsagent.New(chatID, wopts)
		},
		Logger: logger,
	})
	t.Cleanup(sess.Close)

	return &stack{srv: srv, ts: ts, tokens: tokens, api: api, sess: sess}
}

// start logs in, bootstraps a project and connects its chat.
func (s *stack) start(t *testing.T, idea string, files ...httpapi.File) {
	t.Helper()
	ctx := context.Background()
	_, err := s.api.Login(ctx, "pm@example.com", "secret")
	require.NoError(t, err)
	_, err = s.sess.Bootstrap(ctx, idea, files...)
	require.NoError(t, err)
	require.NoError(t, s.sess.Connect(ctx))
	s.waitFor(t, "connected", func(st session.State) bool { return st.WSConnected })
}

func (s *stack) waitFor(t *testing.T, what string, cond func(session.State) bool) session.State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.sess.Snapshot()) }, waitTimeout, 5*time.Millisecond, what)
	return s.sess.Snapshot()
}

func idle(st session.State) bool {
	return st.Phase == session.PhaseConnected
}

func contents(msgs domain.Transcript) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role)+": "+m.Content)
	}
	return out
}

func TestAgentTurnEndToEnd(t *testing.T) {
	s := newStack(t, devserver.Options{DuplicateEchoes: true})
	s.start(t, "A shared todo app for small teams")
	ctx := context.Background()

	require.NoError(t, s.sess.SendAgentMessage(ctx, "Add onboarding flow", session.SendOptions{}))
	st := s.waitFor(t, "agent turn complete", func(st session.State) bool {
		return idle(st) && len(st.Messages) == 2
	})
	assert.Contains(t, st.PRDMarkdown, "## Add onboarding flow")
	assert.True(t, st.ThinkingLensStatus.Discovery)
	assert.False(t, st.ThinkingLensStatus.UserJourney)
	assert.True(t, st.UnsavedChanges)
	assert.Empty(t, st.Mermaid, "agent turns do not regenerate the diagram")

	// a chat turn flushes every echo of the first run through the pipeline
	require.NoError(t, s.sess.SendChatMessage(ctx, "thanks"))
	st = s.waitFor(t, "chat turn complete", func(st session.State) bool {
		return idle(st) && len(st.Messages) >= 4
	})
	assert.Equal(t, []string{
		"user: Add onboarding flow",
		`assistant: I added a "Add onboarding flow" section to the PRD.`,
		"user: thanks",
		"assistant: Noted: thanks",
	}, contents(st.Messages))
}

func TestInterruptEndToEnd(t *testing.T) {
	s := newStack(t, devserver.Options{})
	s.start(t, "Pricing tool")
	ctx := context.Background()

	require.NoError(t, s.sess.SendAgentMessage(ctx, "[ask] pricing page", session.SendOptions{}))
	st := s.waitFor(t, "question pending", func(st session.State) bool { return st.PendingQuestion != nil })
	assert.Equal(t, session.PhaseInterrupted, st.Phase)
	assert.Equal(t, string(domain.LensDiscovery), st.PendingQuestion.Lens)

	require.NoError(t, s.sess.SendAgentMessage(ctx, "small teams", session.SendOptions{}))
	st = s.waitFor(t, "resumed run complete", func(st session.State) bool {
		return idle(st) && st.PendingQuestion == nil && len(st.Messages) == 3
	})
	assert.Contains(t, st.PRDMarkdown, "## Pricing page for Small teams")
	assert.Equal(t, domain.RoleAssistant, st.Messages[2].Role)
}

func TestFinishSentinelEndToEnd(t *testing.T) {
	s := newStack(t, devserver.Options{})
	s.start(t, "Habit tracker")
	ctx := context.Background()

	require.NoError(t, s.sess.SendAgentMessage(ctx, "[ask] goals", session.SendOptions{}))
	s.waitFor(t, "question pending", func(st session.State) bool { return st.PendingQuestion != nil })

	require.NoError(t, s.sess.AnswerPendingQuestion(ctx, session.FinishSentinel))
	st := s.waitFor(t, "finished", func(st session.State) bool {
		return idle(st) && st.PendingQuestion == nil && len(st.Messages) == 2
	})
	assert.Contains(t, st.PRDMarkdown, "## Final review")
}

func TestFlowchartEndToEnd(t *testing.T) {
	s := newStack(t, devserver.Options{})
	s.start(t, "Recipe planner")
	ctx := context.Background()

	require.NoError(t, s.sess.SendAgentMessage(ctx, "Weekly planning", session.SendOptions{}))
	before := s.waitFor(t, "agent turn complete", func(st session.State) bool {
		return idle(st) && len(st.Messages) == 2
	})

	require.NoError(t, s.sess.GenerateFlowchart(ctx))
	st := s.waitFor(t, "flowchart complete", func(st session.State) bool {
		return !st.IsFlowchartStreaming && st.Mermaid != "" && idle(st)
	})
	assert.Contains(t, st.Mermaid, "graph TD")
	assert.Contains(t, st.Mermaid, "N1[Weekly planning]")
	assert.Equal(t, before.PRDMarkdown, st.PRDMarkdown)
	assert.Len(t, st.Messages, 2)
}

func TestFileIndexedOnConnect(t *testing.T) {
	s := newStack(t, devserver.Options{})
	s.start(t, "Contract reviewer", httpapi.File{Name: "notes.txt", Content: strings.NewReader("hello")})

	st := s.waitFor(t, "file indexed", func(st session.State) bool { return len(st.IndexedFiles) == 1 })
	assert.Equal(t, []string{"notes.txt"}, st.IndexedFiles)
}

func TestSaveConflictAndRollback(t *testing.T) {
	s := newStack(t, devserver.Options{})
	s.start(t, "Expense splitter")
	ctx := context.Background()

	s.sess.SetDraft("# One")
	res, err := s.sess.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Version)

	projectID := s.sess.Snapshot().ProjectID
	_, err = s.api.SaveArtifacts(ctx, projectID, httpapi.SaveArtifactsRequest{PRDMarkdown: "x", ETag: "stale"})
	require.Error(t, err)
	assert.True(t, httpapi.IsConflict(err))

	s.sess.SetDraft("# Two")
	res, err = s.sess.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Version)

	require.NoError(t, s.sess.Rollback(ctx, "v1"))
	require.NoError(t, s.sess.FetchVersions(ctx))
	st := s.sess.Snapshot()
	assert.Equal(t, "v1", st.CurrentVersion)
	require.Len(t, st.Versions, 2)
	assert.Equal(t, "v2", st.Versions[0].Version)

	// rollback moved the server etag
	_, err = s.sess.Save(ctx)
	require.Error(t, err)
	assert.True(t, httpapi.IsConflict(err))

	res, err = s.sess.SaveForce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v3", res.Version)

	err = s.sess.Rollback(ctx, "v9")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httpapi.StatusCode(err))
}

func TestRefreshOnExpiredAccessToken(t *testing.T) {
	s := newStack(t, devserver.Options{})
	s.start(t, "Plant care reminders")
	ctx := context.Background()

	before := s.tokens.AccessToken()
	s.srv.ExpireAccessTokens()

	require.NoError(t, s.sess.FetchVersions(ctx))
	assert.NotEqual(t, before, s.tokens.AccessToken())
	assert.NotEmpty(t, s.tokens.AccessToken())
}

func TestClarificationsEndToEnd(t *testing.T) {
	s := newStack(t, devserver.Options{})
	s.start(t, "Language exchange app")

	res, err := s.sess.LoadClarifications(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, res.Questions, 3)
	assert.Contains(t, res.ByLens, string(domain.LensDiscovery))
	assert.Len(t, s.sess.Snapshot().Clarifications, 3)
}

func TestReconnectAfterServerDrop(t *testing.T) {
	s := newStack(t, devserver.Options{})
	s.start(t, "Carpool matcher")
	chatID := s.sess.Snapshot().ChatID
	require.Equal(t, 1, s.srv.Connections(chatID))

	s.srv.DropConnections()
	assert.Equal(t, 0, s.srv.Connections(chatID))

	require.Eventually(t, func() bool { return s.srv.Connections(chatID) == 1 }, waitTimeout, 10*time.Millisecond)
	s.waitFor(t, "reconnected", func(st session.State) bool { return st.WSConnected })

	require.NoError(t, s.sess.SendChatMessage(context.Background(), "still there?"))
	s.waitFor(t, "chat reply", func(st session.State) bool { return idle(st) && len(st.Messages) == 2 })
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	s := newStack(t, devserver.Options{Users: map[string]string{"pm@example.com": "secret"}})
	ctx := context.Background()

	resp, err := http.Get(s.ts.URL + "/api/v1/projects/p1/versions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.ts.URL, "http")+"/ws/chats/c1?token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = s.api.Login(ctx, "pm@example.com", "wrong")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, httpapi.StatusCode(err))

	res, err := s.api.Login(ctx, "pm@example.com", "secret")
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.Equal(t, "pm@example.com", res.User.Email)
	assert.Equal(t, res.AccessToken, s.tokens.AccessToken())
}

func TestTurnRateLimit(t *testing.T) {
	s := newStack(t, devserver.Options{TurnLimit: 2})
	s.start(t, "Invoice reminders")
	ctx := context.Background()

	require.NoError(t, s.sess.SendAgentMessage(ctx, "Add dunning schedule", session.SendOptions{}))
	s.waitFor(t, "first turn complete", func(st session.State) bool {
		return idle(st) && len(st.Messages) == 2
	})

	require.NoError(t, s.sess.SendAgentMessage(ctx, "Add escalation", session.SendOptions{}))
	st := s.waitFor(t, "second turn rejected", func(st session.State) bool {
		return st.Phase == session.PhaseErrored
	})
	assert.Equal(t, "rate limit exceeded", st.Error)
	assert.Equal(t, "RATE_LIMITED", st.ErrorCode)
	assert.False(t, s.sess.IsBusy())
	assert.NotContains(t, st.PRDMarkdown, "Escalation")
}

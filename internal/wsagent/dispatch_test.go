package wsagent

import (
	"context"
	"fmt"
	"testing"

	"github.com/ashureev/prdpilot/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func str(s string) *string { return &s }

func TestUnknownAndMalformedFramesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	fired := 0
	for _, et := range protocol.EventTypes() {
		h.client.On(et, func(protocol.Event) { fired++ })
	}

	h.client.handleFrame([]byte(`not json`))
	h.client.handleFrame([]byte(`{"data":{}}`))
	h.client.handleFrame([]byte(`{"type":"pong","data":{}}`))
	assert.Zero(t, fired)
}

func TestStaleEventsAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	ctx := context.Background()

	var deltas []string
	Subscribe(h.client, func(e *protocol.StreamingDelta) { deltas = append(deltas, e.Delta) })

	require.NoError(t, h.client.SendAgentTurn(ctx, protocol.AgentTurnPayload{ClientRunID: "A"}))
	h.inbound(t, &protocol.ResponseComplete{Meta: protocol.Meta{ClientRunID: "A"}})
	require.NoError(t, h.client.SendAgentTurn(ctx, protocol.AgentTurnPayload{ClientRunID: "B"}))

	h.inbound(t, &protocol.StreamingDelta{Meta: protocol.Meta{ClientRunID: "A"}, Delta: "stale"})
	h.inbound(t, &protocol.ResponseComplete{Meta: protocol.Meta{ClientRunID: "A"}})
	assert.Empty(t, deltas)
	assert.Empty(t, h.client.StreamingText())
	assert.True(t, h.client.IsBusy(), "stale completion must not release run B")

	h.inbound(t, &protocol.StreamingDelta{Meta: protocol.Meta{ClientRunID: "B"}, Delta: "fresh"})
	h.inbound(t, &protocol.StreamingDelta{Delta: "!"})
	assert.Equal(t, []string{"fresh", "!"}, deltas)
}

func TestStreamingScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	var final string
	var busyAtComplete bool
	Subscribe(h.client, func(*protocol.ResponseComplete) {
		final = h.client.StreamingText()
		busyAtComplete = h.client.IsBusy()
	})

	run := protocol.Meta{ClientRunID: "r1"}
	require.NoError(t, h.client.SendAgentTurn(context.Background(), protocol.AgentTurnPayload{ClientRunID: "r1"}))
	h.inbound(t, &protocol.StreamStart{Meta: run})
	h.inbound(t, &protocol.StreamingDelta{Meta: run, Delta: "Hel"})
	h.inbound(t, &protocol.StreamingDelta{Meta: run, Delta: "lo"})
	assert.Equal(t, "Hello", h.client.StreamingText())
	assert.True(t, h.client.IsBusy())

	h.inbound(t, &protocol.ResponseComplete{Meta: run, Message: "Hello"})
	assert.Equal(t, "Hello", final, "buffer is readable while completion is forwarded")
	assert.False(t, busyAtComplete)
	assert.False(t, h.client.IsBusy())
	assert.Empty(t, h.client.StreamingText())
	assert.Zero(t, h.clock.Pending(), "stall timer cancelled")
}

func TestStallTimeoutFiresOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	var errs []*protocol.ErrorEvent
	Subscribe(h.client, func(e *protocol.ErrorEvent) { errs = append(errs, e) })

	require.NoError(t, h.client.SendAgentTurn(context.Background(), protocol.AgentTurnPayload{ClientRunID: "r1"}))
	h.inbound(t, &protocol.StreamStart{Meta: protocol.Meta{ClientRunID: "r1"}})
	h.inbound(t, &protocol.StreamingDelta{Delta: "partial"})

	h.clock.Advance(StallTimeout - 1)
	assert.Empty(t, errs)
	h.clock.Advance(1)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeStreamTimeout, errs[0].Code)
	assert.False(t, h.client.IsBusy())
	assert.Empty(t, h.client.StreamingText())

	h.clock.Advance(2 * StallTimeout)
	assert.Len(t, errs, 1)
}

func TestStallTimerRearmedByNewStreamStart(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	fired := 0
	Subscribe(h.client, func(*protocol.ErrorEvent) { fired++ })

	require.NoError(t, h.client.SendAgentTurn(context.Background(), protocol.AgentTurnPayload{}))
	h.inbound(t, &protocol.StreamStart{})
	h.clock.Advance(StallTimeout / 2)
	h.inbound(t, &protocol.StreamStart{})
	h.clock.Advance(StallTimeout / 2)
	assert.Zero(t, fired)
	h.clock.Advance(StallTimeout / 2)
	assert.Equal(t, 1, fired)
}

func TestTerminalEventsReleaseAdmission(t *testing.T) {
	events := map[string]protocol.Event{
		"interrupt request": &protocol.InterruptRequest{QuestionID: "q1"},
		"interrupt cleared": &protocol.InterruptCleared{QuestionID: "q1"},
		"complete":          &protocol.ResponseComplete{},
		"error":             &protocol.ErrorEvent{Message: "boom"},
	}
	for name, evt := range events {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.connect(t)
			require.NoError(t, h.client.SendAgentTurn(context.Background(), protocol.AgentTurnPayload{}))
			h.inbound(t, &protocol.StreamStart{})
			require.Equal(t, 1, h.clock.Pending())

			h.inbound(t, evt)
			assert.False(t, h.client.IsBusy())
			assert.Zero(t, h.clock.Pending())
		})
	}
}

func TestPreviewAndFileIndexedPassThrough(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.client.SendAgentTurn(context.Background(), protocol.AgentTurnPayload{}))

	var previews []*protocol.ArtifactsPreview
	var files []*protocol.FileIndexed
	Subscribe(h.client, func(e *protocol.ArtifactsPreview) { previews = append(previews, e) })
	Subscribe(h.client, func(e *protocol.FileIndexed) { files = append(files, e) })

	h.inbound(t, &protocol.ArtifactsPreview{PRDMarkdown: str("# Draft")})
	h.inbound(t, &protocol.FileIndexed{Filename: "notes.txt", NumChunks: 3})

	require.Len(t, previews, 1)
	assert.Equal(t, "# Draft", *previews[0].PRDMarkdown)
	require.Len(t, files, 1)
	assert.Equal(t, 3, files[0].NumChunks)
	assert.True(t, h.client.IsBusy())
}

func TestMessageEchoDeduplication(t *testing.T) {
	h := newHarness(t, nil)
	var ids []string
	Subscribe(h.client, func(e *protocol.MessageSent) { ids = append(ids, e.MessageID) })

	h.inbound(t, &protocol.MessageSent{MessageID: "m1", Content: "hi"})
	h.inbound(t, &protocol.MessageSent{MessageID: "m1", Content: "hi"})
	assert.Equal(t, []string{"m1"}, ids)

	// echoes without an id are never deduplicated
	h.inbound(t, &protocol.MessageSent{Content: "a"})
	h.inbound(t, &protocol.MessageSent{Content: "a"})
	assert.Len(t, ids, 3)
}

func TestSeenIDsEvictsOldest(t *testing.T) {
	s := newSeenIDs(seenIDCapacity)
	for i := 0; i < seenIDCapacity; i++ {
		require.True(t, s.Add(fmt.Sprintf("m%d", i)))
	}
	assert.Equal(t, seenIDCapacity, s.Len())
	assert.False(t, s.Add("m0"))

	require.True(t, s.Add("m200"))
	assert.Equal(t, seenIDCapacity, s.Len())
	assert.False(t, s.Contains("m0"))
	assert.True(t, s.Contains("m1"))
	assert.True(t, s.Add("m0"), "evicted id is new again")
	assert.False(t, s.Contains("m1"))
}

func TestListenerPanicDoesNotBreakDispatch(t *testing.T) {
	h := newHarness(t, nil)
	got := 0
	h.client.On(protocol.EventInterruptCleared, func(protocol.Event) { panic("bad subscriber") })
	h.client.On(protocol.EventInterruptCleared, func(protocol.Event) { got++ })

	h.inbound(t, &protocol.InterruptCleared{})
	assert.Equal(t, 1, got)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	got := 0
	off := Subscribe(h.client, func(*protocol.InterruptCleared) { got++ })
	h.inbound(t, &protocol.InterruptCleared{})
	off()
	off()
	h.inbound(t, &protocol.InterruptCleared{})
	assert.Equal(t, 1, got)
}

func TestResumedStreamStallsIntoError(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	ctx := context.Background()

	var errs []*protocol.ErrorEvent
	Subscribe(h.client, func(e *protocol.ErrorEvent) { errs = append(errs, e) })

	run := protocol.Meta{ClientRunID: "r1"}
	require.NoError(t, h.client.SendAgentTurn(ctx, protocol.AgentTurnPayload{ClientRunID: "r1"}))
	h.inbound(t, &protocol.StreamStart{Meta: run})
	h.inbound(t, &protocol.InterruptRequest{Meta: run, QuestionID: "q1", Question: "Who?"})
	require.False(t, h.client.IsBusy())

	require.NoError(t, h.client.SendResume(ctx, protocol.NewAnswer("q1", "me")))
	h.inbound(t, &protocol.InterruptCleared{Meta: run, QuestionID: "q1"})
	h.inbound(t, &protocol.StreamStart{Meta: run})
	h.inbound(t, &protocol.StreamingDelta{Meta: run, Delta: "half"})
	require.False(t, h.client.IsBusy(), "resumes are not admitted through the busy gate")

	h.clock.Advance(StallTimeout)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeStreamTimeout, errs[0].Code)
	assert.Empty(t, h.client.StreamingText())

	h.clock.Advance(2 * StallTimeout)
	assert.Len(t, errs, 1)
}

func TestCompletedStreamDoesNotStall(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	fired := 0
	Subscribe(h.client, func(*protocol.ErrorEvent) { fired++ })

	h.inbound(t, &protocol.StreamStart{})
	h.inbound(t, &protocol.ResponseComplete{})
	h.clock.Advance(2 * StallTimeout)
	assert.Zero(t, fired)
}

package wsagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/prdpilot/internal/clock"
	"github.com/ashureev/prdpilot/internal/protocol"
	"github.com/stretchr/testify/require"
)

var errDropped = errors.New("connection dropped")

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errDropped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates an abnormal closure from the remote side.
func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, 0, len(c.written))
	for _, raw := range c.written {
		f, err := protocol.DecodeFrame(raw)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	err   error
	gate  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type staticTokens string

func (s staticTokens) AccessToken() string { return string(s) }

type harness struct {
	client *Client
	dialer *fakeDialer
	clock  *clock.Fake
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		clock:  clock.NewFake(time.Unix(0, 0)),
	}
	opts := DefaultOptions()
	opts.BaseURL = "ws://backend.test/"
	opts.Dialer = h.dialer
	opts.Clock = h.clock
	if mutate != nil {
		mutate(&opts)
	}
	h.client = New("chat-1", opts)
	t.Cleanup(func() { _ = h.client.Disconnect() })
	return h
}

func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
	return h.dialer.last()
}

// inbound feeds a frame through the dispatcher the read loop uses.
func (h *harness) inbound(t *testing.T, evt protocol.Event) {
	t.Helper()
	raw, err := protocol.EncodeEvent(evt)
	require.NoError(t, err)
	h.client.handleFrame(raw)
}

func decodeData[T any](t *testing.T, f protocol.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

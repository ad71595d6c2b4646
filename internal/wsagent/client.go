// Package wsagent implements the duplex-channel protocol client for one
// agent conversation: connection lifecycle, run admission, inbound event
// dispatch and reconnect with backoff.
package wsagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/prdpilot/internal/auth"
	"github.com/ashureev/prdpilot/internal/clock"
	"github.com/ashureev/prdpilot/internal/domain"
)

const (
	// ConnectTimeout bounds both a fresh dial and joining an in-progress one.
	ConnectTimeout = 5 * time.Second
	// StallTimeout is how long a started stream may stay silent before a
	// local STREAM_TIMEOUT error is synthesized.
	StallTimeout = 60 * time.Second
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 15 * time.Second
	// DefaultBaseURL is used when Options.BaseURL is empty.
	DefaultBaseURL = "ws://localhost:8000"

	seenIDCapacity = 200
)

var (
	ErrNotConnected     = errors.New("websocket is not connected")
	ErrRunInFlight      = errors.New("an agent run is already in flight")
	ErrInvalidResume    = errors.New("resume payload must carry exactly one of answer or accept")
	ErrClosedBeforeOpen = errors.New("websocket closed before opening")
	ErrConnectTimeout   = errors.New("timed out waiting for websocket to open")
)

// Options configures a Client. Use DefaultOptions for the standard policy.
type Options struct {
	Reconnect  bool
	MaxBackoff time.Duration
	BaseURL    string
	Tokens     auth.TokenProvider
	Dialer     Dialer
	Clock      clock.Clock
	Logger     *slog.Logger
}

// DefaultOptions returns reconnect enabled with a 15s backoff cap.
func DefaultOptions() Options {
	return Options{Reconnect: true, MaxBackoff: DefaultMaxBackoff}
}

// Client is the protocol client for a single chat. It is safe for
// concurrent use.
type Client struct {
	chatID string
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	conn           Conn
	dialing        chan struct{} // closed when the in-progress dial resolves
	closing        bool
	online         bool
	sendInFlight   bool
	streaming      bool // between stream_start and its terminal event
	latestRunID    string
	attempt        int
	reconnectTimer clock.Timer
	stallTimer     clock.Timer
	stallGen       uint64
	seen           *seenIDs
	text           strings.Builder
	onConnected    func()
	onDisconnected func()

	writeMu   sync.Mutex
	listeners registry
}

// New creates a client for chatID. It does not connect.
func New(chatID string, opts Options) *Client {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebSocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		chatID: chatID,
		opts:   opts,
		logger: opts.Logger.With("chat_id", chatID),
		online: true,
		seen:   newSeenIDs(seenIDCapacity),
	}
}

// ChatID returns the conversation this client is bound to.
func (c *Client) ChatID() string { return c.chatID }

// Connect opens the channel. It returns immediately when already open and
// joins an attempt already in progress.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if wait := c.dialing; wait != nil {
		c.mu.Unlock()
		return c.join(ctx, wait)
	}
	c.closing = false
	done := make(chan struct{})
	c.dialing = done
	c.mu.Unlock()

	token := ""
	if c.opts.Tokens != nil {
		token = auth.SanitizeToken(c.opts.Tokens.AccessToken())
	}
	target := buildURL(c.opts.BaseURL, c.chatID, token)

	c.logger.Debug("Opening websocket", "authenticated", token != "")
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	conn, err := c.opts.Dialer.Dial(dialCtx, target)
	cancel()

	c.mu.Lock()
	c.dialing = nil
	close(done)
	if err != nil {
		if !c.closing && c.opts.Reconnect && c.online {
			c.scheduleReconnectLocked(c.backoffLocked())
		}
		c.mu.Unlock()
		c.logger.Warn("WebSocket dial failed", "error", err)
		return fmt.Errorf("connect chat %s: %w", c.chatID, err)
	}
	if c.closing {
		c.mu.Unlock()
		if closeErr := conn.Close(); closeErr != nil {
			c.logger.Debug("Failed to close abandoned connection", "error", closeErr)
		}
		return ErrClosedBeforeOpen
	}
	c.conn = conn
	c.attempt = 0
	onConnected := c.onConnected
	c.mu.Unlock()

	c.logger.Info("WebSocket connected")
	go c.readLoop(conn)
	c.safeCall("connected", onConnected)
	return nil
}

func (c *Client) join(ctx context.Context, wait <-chan struct{}) error {
	expired := make(chan struct{})
	t := c.opts.Clock.AfterFunc(ConnectTimeout, func() { close(expired) })
	defer t.Stop()

	select {
	case <-wait:
		if c.IsConnected() {
			return nil
		}
		return ErrClosedBeforeOpen
	case <-expired:
		if c.IsConnected() {
			return nil
		}
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the channel and suppresses reconnect. Safe to call
// repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	c.attempt = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.cancelStallLocked()
	conn := c.conn
	c.conn = nil
	c.sendInFlight = false
	c.streaming = false
	c.text.Reset()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.logger.Info("WebSocket disconnecting")
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// SetConnectionListener registers callbacks for transport open and close.
// Either may be nil.
func (c *Client) SetConnectionListener(onConnected, onDisconnected func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = onConnected
	c.onDisconnected = onDisconnected
}

// SetOnline feeds host network state. Regaining connectivity while
// disconnected schedules an immediate reconnect.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.online
	c.online = online
	if online && !was && c.conn == nil && c.dialing == nil && !c.closing {
		c.logger.Info("Network online, reconnecting")
		c.scheduleReconnectLocked(0)
	}
}

// IsConnected reports whether the channel is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// IsBusy reports whether an agent or flowchart run is admitted and not
// yet finished.
func (c *Client) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendInFlight
}

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.conn != nil:
		return domain.StateConnected
	case c.dialing != nil:
		return domain.StateConnecting
	default:
		return domain.StateDisconnected
	}
}

// StreamingText returns the text accumulated since the last stream start.
func (c *Client) StreamingText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String()
}

// LatestRunID returns the most recently admitted run identifier.
func (c *Client) LatestRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestRunID
}

func (c *Client) currentConn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) safeCall(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Connection listener panicked", "listener", name, "panic", r)
		}
	}()
	fn()
}

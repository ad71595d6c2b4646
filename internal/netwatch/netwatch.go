// Package netwatch reports whether the backend host is reachable so the
// agent channel can reconnect as soon as the network comes back.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/ashureev/prdpilot/internal/clock"
)

const (
	// DefaultInterval is the pause between reachability checks.
	DefaultInterval = 5 * time.Second
	// DefaultTimeout bounds a single check.
	DefaultTimeout = 3 * time.Second
)

// ProbeFunc returns nil when the backend is reachable.
type ProbeFunc func(ctx context.Context) error

// DialProbe returns a probe that opens and closes a TCP connection to the
// host of rawURL.
func DialProbe(rawURL string, timeout time.Duration) (ProbeFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse probe url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("probe url %q has no host", rawURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)
	dialer := &net.Dialer{Timeout: timeout}

	return func(ctx context.Context) error {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, nil
}

// Monitor runs a probe on an interval and reports transitions between
// online and offline. It starts out assuming the network is online.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	onChange func(online bool)
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	timer  clock.Timer
	ctx    context.Context
	gen    uint64
	online bool
}

// New creates a stopped Monitor. onChange runs on the probing goroutine.
func New(probe ProbeFunc, interval time.Duration, onChange func(bool), clk clock.Clock, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		onChange: onChange,
		clock:    clk,
		logger:   logger,
		online:   true,
	}
}

// Start (re)arms the probe timer.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.ctx = ctx
	m.armLocked()
}

// Stop cancels the pending probe. A probe already running finishes but
// does not re-arm.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.ctx = nil
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) stopLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) armLocked() {
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.interval, func() { m.tick(gen) })
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.ctx == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.timer = nil
	m.mu.Unlock()

	err := m.probe(ctx)
	online := err == nil

	m.mu.Lock()
	if gen != m.gen || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	changed := online != m.online
	m.online = online
	m.armLocked()
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.logger.Info("Backend reachable again")
	} else {
		m.logger.Warn("Backend unreachable", "error", err)
	}
	if m.onChange != nil {
		m.onChange(online)
	}
}

package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/prdpilot/internal/clock"
)

// RefreshLead is how long before expiry the proactive refresh fires.
const RefreshLead = 2 * time.Minute

// RefreshFunc obtains and persists a new credential pair.
type RefreshFunc func(ctx context.Context) error

// Refresher renews the access credential shortly before it expires.
// It must be started and stopped explicitly.
type Refresher struct {
	tokens  *TokenStore
	refresh RefreshFunc
	clock   clock.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	timer clock.Timer
	ctx   context.Context
}

// NewRefresher creates a stopped Refresher.
func NewRefresher(tokens *TokenStore, refresh RefreshFunc, clk clock.Clock, logger *slog.Logger) *Refresher {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{tokens: tokens, refresh: refresh, clock: clk, logger: logger}
}

// Start (re)arms the timer from the stored expiry. Nothing is scheduled
// when the expiry is unknown or already inside the lead window.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.ctx = ctx

	expiresAt, ok := r.tokens.AccessExpiry()
	if !ok {
		return
	}
	wait := expiresAt.Sub(r.clock.Now()) - RefreshLead
	if wait <= 0 {
		return
	}
	r.logger.Debug("Token refresh scheduled", "in", wait)
	r.timer = r.clock.AfterFunc(wait, r.fire)
}

// Stop cancels any pending refresh.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Refresher) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Refresher) fire() {
	r.mu.Lock()
	ctx := r.ctx
	r.timer = nil
	r.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := r.refresh(ctx); err != nil {
		r.logger.Warn("Proactive token refresh failed, logging out", "error", err)
		r.tokens.ForceLogout(ctx)
		return
	}
	r.Start(ctx)
}

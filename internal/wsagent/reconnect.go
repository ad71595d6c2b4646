package wsagent

import (
	"context"
	"time"
)

const (
	baseBackoff = 500 * time.Millisecond
	maxAttempt  = 10
)

func (c *Client) handleClose(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Detached by Disconnect.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.sendInFlight = false
	c.streaming = false
	c.cancelStallLocked()
	onDisconnected := c.onDisconnected
	retry := !c.closing && c.opts.Reconnect && c.online
	var delay time.Duration
	if retry {
		delay = c.backoffLocked()
		c.scheduleReconnectLocked(delay)
	}
	c.mu.Unlock()

	if retry {
		c.logger.Warn("WebSocket closed, scheduling reconnect", "error", err, "delay", delay)
	} else {
		c.logger.Info("WebSocket closed", "error", err)
	}
	c.safeCall("disconnected", onDisconnected)
}

// backoffLocked returns min(MaxBackoff, 500ms * 2^attempt).
func (c *Client) backoffLocked() time.Duration {
	d := baseBackoff << c.attempt
	if d > c.opts.MaxBackoff {
		d = c.opts.MaxBackoff
	}
	return d
}

// scheduleReconnectLocked replaces the pending reconnect timer and advances
// the attempt counter. Callers hold c.mu.
func (c *Client) scheduleReconnectLocked(delay time.Duration) {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.attempt = min(c.attempt+1, maxAttempt)
	c.reconnectTimer = c.opts.Clock.AfterFunc(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	ok := !c.closing && c.online
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Connect(context.Background()); err != nil {
		c.logger.Debug("Reconnect attempt failed", "error", err)
	}
}

package wsagent

import (
	"context"
	"errors"

	"github.com/ashureev/prdpilot/internal/protocol"
)

func (c *Client) readLoop(conn Conn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		if c.currentConn() != conn {
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame decodes and dispatches one inbound frame.
func (c *Client) handleFrame(raw []byte) {
	evt, err := protocol.DecodeEvent(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			c.logger.Debug("Ignoring unrecognized frame", "error", err)
		} else {
			c.logger.Debug("Ignoring malformed frame", "error", err)
		}
		return
	}

	c.mu.Lock()
	if id := evt.RunID(); id != "" && c.latestRunID != "" && id != c.latestRunID {
		latest := c.latestRunID
		c.mu.Unlock()
		c.logger.Debug("Dropping stale event", "type", evt.Type(), "client_run_id", id, "latest", latest)
		return
	}

	clearText := false
	switch e := evt.(type) {
	case *protocol.StreamStart:
		c.text.Reset()
		c.streaming = true
		c.armStallLocked()
	case *protocol.StreamingDelta:
		c.text.WriteString(e.Delta)
	case *protocol.MessageSent:
		if e.MessageID != "" && !c.seen.Add(e.MessageID) {
			c.mu.Unlock()
			c.logger.Debug("Dropping duplicate message echo", "message_id", e.MessageID)
			return
		}
	case *protocol.InterruptRequest, *protocol.InterruptCleared:
		c.sendInFlight = false
		c.streaming = false
		c.cancelStallLocked()
	case *protocol.ResponseComplete, *protocol.ErrorEvent:
		c.sendInFlight = false
		c.streaming = false
		c.cancelStallLocked()
		clearText = true
	}
	c.mu.Unlock()

	c.logger.Debug("Inbound event", "type", evt.Type(), "client_run_id", evt.RunID(), "kind", evt.EventKind())
	c.emit(evt)

	if clearText {
		c.mu.Lock()
		c.text.Reset()
		c.mu.Unlock()
	}
}

// armStallLocked replaces any running stall timer. Callers hold c.mu.
func (c *Client) armStallLocked() {
	c.cancelStallLocked()
	gen := c.stallGen
	c.stallTimer = c.opts.Clock.AfterFunc(StallTimeout, func() { c.onStall(gen) })
}

// cancelStallLocked stops the stall timer and invalidates callbacks that
// already fired but have not yet taken the lock.
func (c *Client) cancelStallLocked() {
	if c.stallTimer != nil {
		c.stallTimer.Stop()
		c.stallTimer = nil
	}
	c.stallGen++
}

func (c *Client) onStall(gen uint64) {
	c.mu.Lock()
	if gen != c.stallGen {
		c.mu.Unlock()
		return
	}
	c.stallTimer = nil
	c.stallGen++
	// Resumed runs stream without sendInFlight, so an open stream alone
	// is enough to time out.
	if !c.sendInFlight && !c.streaming {
		c.mu.Unlock()
		return
	}
	c.sendInFlight = false
	c.streaming = false
	c.text.Reset()
	c.mu.Unlock()

	c.logger.Warn("Stream stalled, releasing run", "timeout", StallTimeout)
	c.emit(&protocol.ErrorEvent{
		Message: "Timeout waiting for completion",
		Code:    protocol.CodeStreamTimeout,
	})
}

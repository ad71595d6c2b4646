package wsagent

import (
	"context"
	"fmt"

	"github.com/ashureev/prdpilot/internal/protocol"
)

// SendAgentTurn admits and sends a document-mutating agent turn. History is
// capped to the last protocol.MaxLastMessages entries.
func (c *Client) SendAgentTurn(ctx context.Context, p protocol.AgentTurnPayload) error {
	p.Mode = protocol.ModeAgent
	p.LastMessages = protocol.CapLastMessages(p.LastMessages)
	frame, err := protocol.EncodeFrame(protocol.FrameSendMessage, p)
	if err != nil {
		return err
	}
	return c.sendAdmitted(ctx, p.ClientRunID, frame)
}

// SendFlowchartTurn admits and sends a diagram regeneration turn. It shares
// the agent turn admission gate.
func (c *Client) SendFlowchartTurn(ctx context.Context, p protocol.FlowchartTurnPayload) error {
	p.Mode = protocol.ModeFlowchart
	frame, err := protocol.EncodeFrame(protocol.FrameSendMessage, p)
	if err != nil {
		return err
	}
	return c.sendAdmitted(ctx, p.ClientRunID, frame)
}

// SendChatTurn sends a conversational turn without admission control.
func (c *Client) SendChatTurn(ctx context.Context, p protocol.ChatTurnPayload) error {
	p.Mode = protocol.ModeChat
	p.LastMessages = protocol.CapLastMessages(p.LastMessages)
	frame, err := protocol.EncodeFrame(protocol.FrameSendMessage, p)
	if err != nil {
		return err
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, frame)
}

// SendResume answers or accepts the pending question. It is allowed while
// a run is in flight.
func (c *Client) SendResume(ctx context.Context, p protocol.ResumePayload) error {
	if !p.Valid() {
		return ErrInvalidResume
	}
	frame, err := protocol.EncodeFrame(protocol.FrameAgentResume, p)
	if err != nil {
		return err
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, frame)
}

func (c *Client) sendAdmitted(ctx context.Context, runID string, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.sendInFlight {
		c.mu.Unlock()
		return ErrRunInFlight
	}
	if runID != "" {
		c.latestRunID = runID
	}
	c.sendInFlight = true
	c.mu.Unlock()

	if err := c.write(ctx, conn, frame); err != nil {
		// The run never reached the backend.
		c.mu.Lock()
		c.sendInFlight = false
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) write(ctx context.Context, conn Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

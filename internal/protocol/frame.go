package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by DecodeEvent for frames without a recognized type.
var ErrUnknownEvent = errors.New("unknown event type")

// Frame is the {type, data} envelope used in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload inside a typed envelope.
func EncodeFrame(frameType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return json.Marshal(Frame{Type: frameType, Data: data})
}

// DecodeFrame parses the envelope only.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// DecodeEvent parses an inbound frame into its typed event.
func DecodeEvent(raw []byte) (Event, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	evt := newEvent(EventType(f.Type))
	if evt == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Type)
	}
	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, evt); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", f.Type, err)
		}
	}
	return evt, nil
}

// EncodeEvent marshals an inbound-style event; used by the reference backend
// and by tests.
func EncodeEvent(evt Event) ([]byte, error) {
	return EncodeFrame(string(evt.Type()), evt)
}

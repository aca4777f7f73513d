package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// Frame flags, first byte of every frame
const (
	flagPlain  byte = 0x00
	flagSnappy byte = 0x01
)

// Request types carried in an Envelope
const (
	TypeConnect   = "connect"
	TypeMessage   = "message"
	TypeHeartbeat = "heartbeat"
)

// DefaultCompressThreshold is the body size above which frames are compressed
const DefaultCompressThreshold = 1024

var ErrBadFrame = errors.New("malformed frame")

// Envelope is the request frame body
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Reply is the response frame body. Error is set when the handler failed.
type Reply struct {
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// encodeFrame marshals v and compresses it when it exceeds threshold bytes.
// A threshold <= 0 disables compression.
func encodeFrame(v any, threshold int) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if threshold > 0 && len(data) > threshold {
		compressed := snappy.Encode(nil, data)
		if len(compressed) < len(data) {
			return append([]byte{flagSnappy}, compressed...), nil
		}
	}
	return append([]byte{flagPlain}, data...), nil
}

func decodeFrame(frame []byte, v any) error {
	if len(frame) == 0 {
		return ErrBadFrame
	}
	data := frame[1:]
	switch frame[0] {
	case flagPlain:
	case flagSnappy:
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return fmt.Errorf("%w: failed to decompress: %v", ErrBadFrame, err)
		}
		data = decoded
	default:
		return fmt.Errorf("%w: unknown flag 0x%02x", ErrBadFrame, frame[0])
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return nil
}

func newEnvelope(typ string, body any) (*Envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", typ, err)
	}
	return &Envelope{Type: typ, Body: data}, nil
}

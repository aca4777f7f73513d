// Package protocol defines the messages exchanged between management nodes and host agents.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

// ErrUnknownMessageKind is returned for kinds outside the closed set below
var ErrUnknownMessageKind = errors.New("unknown message kind")

// Kind identifies an inbound host message. The set is closed.
type Kind uint8

const (
	KindConnect Kind = iota + 1
	KindPing
	KindStartup
	KindDisconnect
	KindCommand
)

var kindNames = map[Kind]string{
	KindConnect:    "connect",
	KindPing:       "ping",
	KindStartup:    "startup",
	KindDisconnect: "disconnect",
	KindCommand:    "command",
}

// Kinds lists every known kind in declaration order
func Kinds() []Kind {
	return []Kind{KindConnect, KindPing, KindStartup, KindDisconnect, KindCommand}
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a wire name to its Kind
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMessageKind, s)
}

// MarshalJSON encodes the kind by name
func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, uint8(k))
	}
	return json.Marshal(kindNames[k])
}

// UnmarshalJSON decodes a kind name. Unknown names decode to the zero Kind so the
// router can reject them with a proper error instead of failing the whole frame.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		*k = 0
		return nil
	}
	*k = parsed
	return nil
}

// Message is an inbound message from a host agent
type Message struct {
	Kind    Kind            `json:"kind"`
	HostID  string          `json:"host_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Answer is the reply to an inbound message
type Answer struct {
	Success bool            `json:"success"`
	Detail  string          `json:"detail,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OK returns a successful answer with no payload
func OK() *Answer {
	return &Answer{Success: true}
}

// ConnectRequest asks a host agent to complete a handshake
type ConnectRequest struct {
	HostID         string `json:"host_id"`
	Address        string `json:"address"`
	IsNew          bool   `json:"is_new"`
	ProbeOnFailure bool   `json:"probe_on_failure"`
	RouteHint      string `json:"route_hint,omitempty"`
	NodeID         string `json:"node_id"`
	ReplyTo        string `json:"reply_to,omitempty"` // address the agent sends messages to
	Token          string `json:"token,omitempty"`
}

// ConnectReply carries the handshake outcome
type ConnectReply struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	OS      model.OSInfo `json:"os"`
}

// StartupPayload is sent by an agent when its host boots
type StartupPayload struct {
	OS model.OSInfo `json:"os"`
}

// DisconnectPayload is sent by an agent shutting down cleanly
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// CommandPayload is a hypervisor-specific command
type CommandPayload struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Decode unmarshals the message payload into v
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// NewMessage builds a message with a JSON payload
func NewMessage(kind Kind, hostID string, payload any) (*Message, error) {
	m := &Message{Kind: kind, HostID: hostID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		m.Payload = data
	}
	return m, nil
}

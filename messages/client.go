package messages

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client message types
const (
	TypeStart     = "start"
	TypeUtterance = "utterance"
	TypeControl   = "control"
)

// Control actions
const (
	ActionPing   = "ping"
	ActionHangup = "hangup"
)

// ClientMessage represents a message from a text client
type ClientMessage struct {
	Type    string          `json:"type"` // "start", "utterance", "control"
	Payload json.RawMessage `json:"payload"`
}

// StartPayload opens a call on the connection
type StartPayload struct {
	CallID   string `json:"callId,omitempty"` // Generated when empty
	TenantID string `json:"tenantId,omitempty"`
	CallerID string `json:"callerId,omitempty"` // Caller's phone number, used to prefill the phone slot
}

// UtterancePayload carries one caller utterance
type UtterancePayload struct {
	Text string `json:"text"`
	Turn int    `json:"turn,omitempty"` // Transport sequence number; 0 means next turn
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"` // "ping", "hangup"
}

// DecodeClientMessage parses a frame and checks its type.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case TypeStart, TypeUtterance, TypeControl:
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v unchanged.
func (m *ClientMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// NewClientMessage builds a frame for a client to send.
func NewClientMessage(typ string, payload any) ([]byte, error) {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(ClientMessage{Type: typ, Payload: raw})
}

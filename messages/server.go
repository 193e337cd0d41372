package messages

import "github.com/room4-2/frontdesk/turn"

// Error codes
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeCallFailed       = "CALL_FAILED"
	ErrCodeNoCall           = "NO_CALL"
	ErrCodeTooManyCalls     = "TOO_MANY_CALLS"
	ErrCodeConnectionClosed = "CONNECTION_CLOSED"
)

// Message types
const (
	TypeResponse = "response"
	TypeStatus   = "status"
	TypeError    = "error"
)

// ServerMessage represents a message sent to a text client
type ServerMessage struct {
	Type    string      `json:"type"` // "response", "status", "error"
	CallID  string      `json:"callId,omitempty"`
	Payload interface{} `json:"payload"`
}

// ResponsePayload is the reply to one utterance
type ResponsePayload struct {
	Text      string `json:"text"`
	Owner     string `json:"owner"`
	Reason    string `json:"reason"`
	Lane      string `json:"lane"`
	Turn      int    `json:"turn"`
	Replayed  bool   `json:"replayed,omitempty"`
	Completed bool   `json:"completed,omitempty"`
	Escalated bool   `json:"escalated,omitempty"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status  string `json:"status"` // "connected", "started", "pong", "ended"
	Message string `json:"message,omitempty"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewResponseMessage wraps a turn's reply
func NewResponseMessage(callID string, out turn.Output) *ServerMessage {
	return &ServerMessage{
		Type:   TypeResponse,
		CallID: callID,
		Payload: ResponsePayload{
			Text:      out.Response,
			Owner:     out.Owner,
			Reason:    out.Reason,
			Lane:      string(out.Lane),
			Turn:      out.Turn,
			Replayed:  out.Replayed,
			Completed: out.Completed,
			Escalated: out.Escalated,
		},
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(callID, status, message string) *ServerMessage {
	return &ServerMessage{
		Type:   TypeStatus,
		CallID: callID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(callID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:   TypeError,
		CallID: callID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

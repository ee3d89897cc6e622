package observer

import "encoding/json"

// ============================================
// OBSERVER CHANNEL WIRE MESSAGES (spec.md §4.7)
// ============================================

// Closed command enumeration.
const (
	cmdAuth                = "auth"
	cmdSubscribe           = "subscribe"
	cmdUnsubscribe         = "unsubscribe"
	cmdSessionUpdate       = "session.update"
	cmdCallInterrupt       = "call.interrupt"
	cmdCallTriggerResponse = "call.trigger_response"
	cmdCallSendText        = "call.send_text"
	cmdCallEnd             = "call.end"
	cmdGetSessions         = "get.sessions"
	cmdGetSession          = "get.session"
	cmdGetEvents           = "get.events"
	cmdPing                = "ping"
)

// Typed error codes (spec.md §4.7).
const (
	ErrAuthFailed      = "AUTH_FAILED"
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidPayload  = "INVALID_PAYLOAD"
	ErrUnknownType     = "UNKNOWN_TYPE"
)

// inboundMessage is the superset of fields any observer→server message may
// carry; only the fields relevant to Type are populated.
type inboundMessage struct {
	Type string `json:"type"`

	DeviceID string `json:"deviceId,omitempty"`
	Token    string `json:"token,omitempty"`

	CallID string          `json:"callId,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Text   string          `json:"text,omitempty"`
	Role   string          `json:"role,omitempty"`
}

// eventFrame is a server-pushed event frame, bit-exact to spec.md §6.3:
// { type, timestamp, callSid, data }.
type eventFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	CallSid   string `json:"callSid"`
	Data      any    `json:"data"`
}

// outboundMessage is the uniform envelope for every server→observer
// message: a reply to a specific command, a replayed/live event, or an
// error.
type outboundMessage struct {
	Type      string `json:"type"`
	CallID    string `json:"callId,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

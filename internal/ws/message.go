package ws

import (
	"encoding/json"
	"time"
)

// Frame types handled by the connection itself rather than the queue.
const (
	FrameTypePing           = "ping"
	FrameTypePong           = "pong"
	FrameTypeSubscribe      = "subscribe"
	FrameTypeUnsubscribe    = "unsubscribe"
	FrameTypeJoinWorkspace  = "join_workspace"
	FrameTypeLeaveWorkspace = "leave_workspace"
)

// Server to client envelope types.
const (
	EnvelopeTypeConnected         = "connected"
	EnvelopeTypeAck               = "ack"
	EnvelopeTypeError             = "error"
	EnvelopeTypeSubscribed        = "subscribed"
	EnvelopeTypeUnsubscribed      = "unsubscribed"
	EnvelopeTypeWorkspaceJoined   = "workspace_joined"
	EnvelopeTypeWorkspaceLeft     = "workspace_left"
	EnvelopeTypeWorkspaceActivity = "workspace_activity"
)

// Error codes carried in error envelopes.
const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeUnknownType      = "unknown_type"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodePermissionDenied = "permission_denied"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeNotFound         = "not_found"
	ErrorCodeInternal         = "internal"
)

// Frame is a client to server message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope is a server to client message.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorData is the data of an error envelope.
type ErrorData struct {
	Code         string     `json:"code"`
	Message      string     `json:"message"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// routing is the subset of a frame's data the inbound pipeline looks at.
type routing struct {
	Topic        string `json:"topic,omitempty"`
	WorkspaceID  string `json:"workspace_id,omitempty"`
	TargetUserID string `json:"target_user_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Priority     string `json:"priority,omitempty"`
}

// Encode marshals an envelope of type typ stamped with the current UTC time.
func Encode(typ string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Data: data, Timestamp: time.Now().UTC()})
}

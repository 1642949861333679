package model

import (
	"encoding/json"
	"maps"
	"time"
)

// Priority orders queued messages; higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority maps a priority name to its level; ok is false for unknown names.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	}
	return 0, false
}

// MessageStatus represents where a queued message is in its lifecycle.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusRetrying   MessageStatus = "retrying"
)

// MessageType tags a queued message and selects its handler.
type MessageType string

const (
	MessageTypeWorkspaceUpdate MessageType = "workspace_update"
	MessageTypeAgentUpdate     MessageType = "agent_update"
	MessageTypeChatMessage     MessageType = "chat_message"
	MessageTypeNotification    MessageType = "notification"
	MessageTypeBroadcast       MessageType = "broadcast"
)

// QueuedMessage is a unit of work in the message queue.
type QueuedMessage struct {
	ID          string            `json:"id"`
	Type        MessageType       `json:"type"`
	Payload     json.RawMessage   `json:"payload"`
	Priority    Priority          `json:"priority"`
	Status      MessageStatus     `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	ProcessedAt *time.Time        `json:"processedAt,omitempty"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	NextRetryAt *time.Time        `json:"nextRetryAt,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy that does not alias the queue's record.
func (m *QueuedMessage) Clone() *QueuedMessage {
	c := *m
	c.Payload = append(json.RawMessage(nil), m.Payload...)
	c.Metadata = maps.Clone(m.Metadata)
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	if m.NextRetryAt != nil {
		t := *m.NextRetryAt
		c.NextRetryAt = &t
	}
	return &c
}

// EventPayload is the payload of messages enqueued on behalf of a connection
// or the control API. Routing fields tell the delivery handlers where the
// result goes; Data is passed through untouched.
type EventPayload struct {
	SenderID     string          `json:"sender_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	WorkspaceID  string          `json:"workspace_id,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

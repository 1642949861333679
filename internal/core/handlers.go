package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remote-agent-terminal/realtime/internal/model"
	"github.com/remote-agent-terminal/realtime/internal/ws"
)

// AgentTopic is the topic agent_update messages for agentID are published on.
func AgentTopic(agentID string) string {
	return "agent:" + agentID
}

// Delivery is the data of the envelope a handler fans out. The envelope type
// is the message type.
type Delivery struct {
	MessageID   string          `json:"message_id"`
	SenderID    string          `json:"sender_id,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type deliverFunc func(msg *model.QueuedMessage, p model.EventPayload, data []byte) error

// registerHandlers installs the built-in delivery handlers. Each handler
// resolves its audience from the payload's routing fields; reaching zero
// connections is not a failure.
func (s *Service) registerHandlers() error {
	maxRetries := s.cfg.Queue.DefaultMaxRetries
	retryDelay := s.cfg.Queue.DefaultRetryDelay.D()

	handlers := []struct {
		typ      model.MessageType
		priority model.Priority
		fn       deliverFunc
	}{
		{model.MessageTypeWorkspaceUpdate, model.PriorityHigh, s.deliverWorkspace},
		{model.MessageTypeChatMessage, model.PriorityNormal, s.deliverChat},
		{model.MessageTypeAgentUpdate, model.PriorityNormal, s.deliverAgent},
		{model.MessageTypeNotification, model.PriorityHigh, s.deliverNotification},
		{model.MessageTypeBroadcast, model.PriorityHigh, s.deliverBroadcast},
	}

	for _, h := range handlers {
		if err := s.Queue.RegisterHandler(h.typ, s.delivery(h.fn), h.priority, maxRetries, retryDelay); err != nil {
			return fmt.Errorf("register %s handler: %w", h.typ, err)
		}
	}
	return nil
}

// delivery decodes the payload, encodes the outbound envelope once and hands
// both to fn.
func (s *Service) delivery(fn deliverFunc) func(context.Context, *model.QueuedMessage) error {
	return func(ctx context.Context, msg *model.QueuedMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		var p model.EventPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return fmt.Errorf("%w: decode payload: %v", model.ErrInvalidArgument, err)
			}
		}

		data, err := ws.Encode(string(msg.Type), Delivery{
			MessageID:   msg.ID,
			SenderID:    p.SenderID,
			WorkspaceID: p.WorkspaceID,
			AgentID:     p.AgentID,
			Topic:       p.Topic,
			Data:        p.Data,
		})
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}

		return fn(msg, p, data)
	}
}

func (s *Service) deliverWorkspace(msg *model.QueuedMessage, p model.EventPayload, data []byte) error {
	if p.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace_id is required", model.ErrInvalidArgument)
	}
	if _, err := s.Workspaces.Get(p.WorkspaceID); err != nil {
		return err
	}
	n := s.Registry.BroadcastToWorkspace(p.WorkspaceID, data)
	s.logDelivered(msg, n)
	return nil
}

func (s *Service) deliverChat(msg *model.QueuedMessage, p model.EventPayload, data []byte) error {
	if p.WorkspaceID == "" && p.Topic == "" {
		return fmt.Errorf("%w: workspace_id or topic is required", model.ErrInvalidArgument)
	}
	n := 0
	if p.WorkspaceID != "" {
		n += s.Registry.BroadcastToWorkspace(p.WorkspaceID, data)
	}
	if p.Topic != "" {
		n += s.Registry.BroadcastToTopic(p.Topic, data)
	}
	s.logDelivered(msg, n)
	return nil
}

func (s *Service) deliverAgent(msg *model.QueuedMessage, p model.EventPayload, data []byte) error {
	if p.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", model.ErrInvalidArgument)
	}
	n := s.Registry.BroadcastToTopic(AgentTopic(p.AgentID), data)
	if p.WorkspaceID != "" {
		n += s.Registry.BroadcastToWorkspace(p.WorkspaceID, data)
	}
	s.logDelivered(msg, n)
	return nil
}

func (s *Service) deliverNotification(msg *model.QueuedMessage, p model.EventPayload, data []byte) error {
	if p.TargetUserID == "" {
		return fmt.Errorf("%w: target_user_id is required", model.ErrInvalidArgument)
	}
	n := s.Registry.SendToUser(p.TargetUserID, data)
	s.logDelivered(msg, n)
	return nil
}

func (s *Service) deliverBroadcast(msg *model.QueuedMessage, _ model.EventPayload, data []byte) error {
	n := s.Registry.BroadcastToAll(data)
	s.logDelivered(msg, n)
	return nil
}

func (s *Service) logDelivered(msg *model.QueuedMessage, n int) {
	s.log.Debug().
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Int("delivered", n).
		Msg("message delivered")
}

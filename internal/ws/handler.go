package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/realtime/internal/auth"
	"github.com/remote-agent-terminal/realtime/internal/model"
	"github.com/remote-agent-terminal/realtime/internal/queue"
	"github.com/remote-agent-terminal/realtime/internal/ratelimit"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Authenticator resolves a bearer token to a session.
type Authenticator interface {
	ValidateToken(token string) (*model.Session, error)
}

// Limiter admits or denies a request for an identifier in a traffic class.
type Limiter interface {
	Allow(identifier, class string) error
}

// Workspaces is the membership view the inbound pipeline needs.
type Workspaces interface {
	IsMember(id, userID string) bool
	Join(id, userID string) error
	Leave(id, userID string) error
}

// Enqueuer accepts work for the message queue.
type Enqueuer interface {
	HasHandler(typ model.MessageType) bool
	Enqueue(typ model.MessageType, payload any, opts ...queue.EnqueueOption) (string, error)
}

// Handler upgrades authenticated HTTP requests to websocket connections and
// runs the inbound pipeline for each frame:
// token → rate limit → workspace membership → enqueue.
// The token is re-validated for every frame except ping, so a revoked or
// expired session stops being served on open connections.
type Handler struct {
	registry   *Registry
	auth       Authenticator
	limiter    Limiter
	workspaces Workspaces
	queue      Enqueuer
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewHandler creates a websocket handler.
func NewHandler(registry *Registry, authn Authenticator, limiter Limiter, workspaces Workspaces, q Enqueuer, log zerolog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		auth:       authn,
		limiter:    limiter,
		workspaces: workspaces,
		queue:      q,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetCheckOrigin sets a custom origin checker for the upgrader.
func (h *Handler) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// ServeHTTP authenticates the request, upgrades it and starts the pumps.
// The token comes from the "token" query parameter or a bearer Authorization header.
// An optional "workspace_id" query parameter attaches the connection to a workspace.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	session, err := h.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	if err := h.limiter.Allow(session.UserID, ratelimit.ClassConnection); err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID != "" && !h.workspaces.IsMember(workspaceID, session.UserID) {
		http.Error(w, "not a member of workspace", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn)
	connID := uuid.New().String()
	if err := h.registry.Add(connID, client, session.UserID); err != nil {
		h.log.Error().Err(err).Msg("failed to register connection")
		conn.Close()
		return
	}
	if workspaceID != "" {
		_ = h.registry.Update(connID, ConnectionUpdate{WorkspaceID: &workspaceID})
	}

	h.log.Info().
		Str("connection_id", connID).
		Str("user_id", session.UserID).
		Str("workspace_id", workspaceID).
		Msg("connection opened")

	h.reply(client, EnvelopeTypeConnected, map[string]string{
		"connection_id": connID,
		"user_id":       session.UserID,
		"session_id":    session.ID,
		"workspace_id":  workspaceID,
	})

	go h.writePump(client)
	go h.readPump(connID, client, token)
}

// BearerToken extracts the token from the query string or Authorization header.
func BearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// handleFrame processes one inbound frame on behalf of token.
func (h *Handler) handleFrame(connID string, client *Client, token string, frame *Frame) {
	if frame.Type == FrameTypePing {
		h.reply(client, FrameTypePong, nil)
		return
	}

	session, err := h.auth.ValidateToken(token)
	if err != nil {
		h.log.Debug().Str("connection_id", connID).Str("type", frame.Type).Msg("frame rejected, token no longer valid")
		h.replyError(client, model.ErrAuthenticationFailed)
		return
	}

	var route routing
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &route); err != nil {
			// non-object data is fine for queued types, routing just stays empty
			route = routing{}
		}
	}

	switch frame.Type {
	case FrameTypeSubscribe:
		if err := h.registry.Subscribe(connID, route.Topic); err != nil {
			h.replyError(client, err)
			return
		}
		h.reply(client, EnvelopeTypeSubscribed, map[string]string{"topic": route.Topic})

	case FrameTypeUnsubscribe:
		if err := h.registry.Unsubscribe(connID, route.Topic); err != nil {
			h.replyError(client, err)
			return
		}
		h.reply(client, EnvelopeTypeUnsubscribed, map[string]string{"topic": route.Topic})

	case FrameTypeJoinWorkspace:
		h.joinWorkspace(connID, client, session, route.WorkspaceID)

	case FrameTypeLeaveWorkspace:
		h.leaveWorkspace(connID, client, session, route.WorkspaceID)

	default:
		h.enqueue(connID, client, session, frame, route)
	}
}

func (h *Handler) joinWorkspace(connID string, client *Client, session *model.Session, workspaceID string) {
	if workspaceID == "" {
		h.replyError(client, fmt.Errorf("%w: workspace_id is required", model.ErrInvalidArgument))
		return
	}
	if err := h.limiter.Allow(session.UserID, ratelimit.ClassWorkspaceUpdate); err != nil {
		h.replyError(client, err)
		return
	}
	if err := h.workspaces.Join(workspaceID, session.UserID); err != nil {
		h.replyError(client, err)
		return
	}
	if err := h.registry.Update(connID, ConnectionUpdate{WorkspaceID: &workspaceID}); err != nil {
		h.replyError(client, err)
		return
	}
	h.reply(client, EnvelopeTypeWorkspaceJoined, map[string]string{"workspace_id": workspaceID})
}

func (h *Handler) leaveWorkspace(connID string, client *Client, session *model.Session, workspaceID string) {
	info, err := h.registry.Get(connID)
	if err != nil {
		h.replyError(client, err)
		return
	}
	if workspaceID == "" {
		workspaceID = info.WorkspaceID
	}
	if workspaceID == "" {
		h.replyError(client, fmt.Errorf("%w: workspace_id is required", model.ErrInvalidArgument))
		return
	}
	if err := h.workspaces.Leave(workspaceID, session.UserID); err != nil {
		h.replyError(client, err)
		return
	}
	if info.WorkspaceID == workspaceID {
		empty := ""
		_ = h.registry.Update(connID, ConnectionUpdate{WorkspaceID: &empty})
	}
	h.reply(client, EnvelopeTypeWorkspaceLeft, map[string]string{"workspace_id": workspaceID})
}

func (h *Handler) enqueue(connID string, client *Client, session *model.Session, frame *Frame, route routing) {
	typ := model.MessageType(frame.Type)
	if typ == "" || !h.queue.HasHandler(typ) {
		h.replyErrorCode(client, ErrorCodeUnknownType, "unknown message type: "+frame.Type, nil)
		return
	}

	if err := h.limiter.Allow(session.UserID, TrafficClass(typ)); err != nil {
		h.replyError(client, err)
		return
	}

	if perm := RequiredPermission(typ); perm != "" && !auth.HasPermission(session, perm) {
		h.replyError(client, model.ErrPermissionDenied)
		return
	}

	workspaceID := route.WorkspaceID
	if workspaceID == "" {
		if info, err := h.registry.Get(connID); err == nil {
			workspaceID = info.WorkspaceID
		}
	}
	if workspaceID != "" && !h.workspaces.IsMember(workspaceID, session.UserID) {
		h.replyError(client, model.ErrPermissionDenied)
		return
	}

	var opts []queue.EnqueueOption
	if route.Priority != "" {
		p, ok := model.ParsePriority(route.Priority)
		if !ok {
			h.replyErrorCode(client, ErrorCodeInvalidMessage, "invalid priority: "+route.Priority, nil)
			return
		}
		opts = append(opts, queue.WithPriority(p))
	}
	opts = append(opts, queue.WithMetadata(map[string]string{
		"source":        "websocket",
		"connection_id": connID,
		"user_id":       session.UserID,
	}))

	payload := model.EventPayload{
		SenderID:     session.UserID,
		ConnectionID: connID,
		WorkspaceID:  workspaceID,
		TargetUserID: route.TargetUserID,
		AgentID:      route.AgentID,
		Topic:        route.Topic,
		Data:         frame.Data,
	}

	id, err := h.queue.Enqueue(typ, payload, opts...)
	if err != nil && !errors.Is(err, model.ErrQueueCapacityExceeded) {
		h.replyError(client, err)
		return
	}
	h.reply(client, EnvelopeTypeAck, map[string]string{"message_id": id})
}

// TrafficClass maps a message type to its rate limit class.
func TrafficClass(typ model.MessageType) string {
	if typ == model.MessageTypeWorkspaceUpdate {
		return ratelimit.ClassWorkspaceUpdate
	}
	return ratelimit.ClassMessage
}

// RequiredPermission returns the permission needed to send typ, or "" if none.
func RequiredPermission(typ model.MessageType) string {
	switch typ {
	case model.MessageTypeWorkspaceUpdate:
		return model.PermissionWorkspaceEdit
	case model.MessageTypeAgentUpdate:
		return model.PermissionAgentUpdate
	case model.MessageTypeBroadcast:
		return model.PermissionBroadcast
	default:
		return model.PermissionMessageSend
	}
}

func (h *Handler) reply(client *Client, typ string, data any) {
	payload, err := Encode(typ, data)
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("failed to encode envelope")
		return
	}
	_ = client.Send(payload)
}

func (h *Handler) replyError(client *Client, err error) {
	var rlErr *model.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		blocked := rlErr.BlockedUntil
		h.replyErrorCode(client, ErrorCodeRateLimited, "rate limit exceeded", &blocked)
	case errors.Is(err, model.ErrPermissionDenied):
		h.replyErrorCode(client, ErrorCodePermissionDenied, err.Error(), nil)
	case errors.Is(err, model.ErrAuthenticationFailed):
		h.replyErrorCode(client, ErrorCodeUnauthorized, err.Error(), nil)
	case errors.Is(err, model.ErrNotFound):
		h.replyErrorCode(client, ErrorCodeNotFound, err.Error(), nil)
	case errors.Is(err, model.ErrInvalidArgument):
		h.replyErrorCode(client, ErrorCodeInvalidMessage, err.Error(), nil)
	default:
		h.log.Error().Err(err).Msg("frame handling failed")
		h.replyErrorCode(client, ErrorCodeInternal, "internal error", nil)
	}
}

func (h *Handler) replyErrorCode(client *Client, code, msg string, blockedUntil *time.Time) {
	h.reply(client, EnvelopeTypeError, ErrorData{Code: code, Message: msg, BlockedUntil: blockedUntil})
}

// readPump pumps frames from the websocket connection into the pipeline.
func (h *Handler) readPump(connID string, client *Client, token string) {
	defer func() {
		_ = h.registry.Remove(connID)
		client.Conn().Close()
		h.log.Info().Str("connection_id", connID).Msg("connection closed")
	}()

	conn := client.Conn()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.registry.Touch(connID)
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("connection_id", connID).Msg("websocket read error")
			}
			return
		}
		h.registry.Touch(connID)

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Type == "" {
			h.replyErrorCode(client, ErrorCodeInvalidMessage, "frame must be a JSON object with a type", nil)
			continue
		}

		h.handleFrame(connID, client, token, &frame)
	}
}

// writePump pumps buffered frames to the websocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	conn := client.Conn()
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry closed the client
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One envelope per frame so clients can JSON-decode each message
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

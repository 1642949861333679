package ws

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/realtime/internal/model"
)

// DefaultIdleTimeout is how long a connection may stay silent before CleanupStale removes it.
const DefaultIdleTimeout = 5 * time.Minute

// Connection is a registered transport and its routing state.
type Connection struct {
	ID           string
	UserID       string
	WorkspaceID  string
	Topics       map[string]struct{}
	CreatedAt    time.Time
	LastActivity time.Time

	transport Transport
}

// ConnectionInfo is a read-only snapshot of a Connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId,omitempty"`
	WorkspaceID  string    `json:"workspaceId,omitempty"`
	Topics       []string  `json:"topics"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (c *Connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.ID,
		UserID:       c.UserID,
		WorkspaceID:  c.WorkspaceID,
		Topics:       slices.Sorted(maps.Keys(c.Topics)),
		CreatedAt:    c.CreatedAt,
		LastActivity: c.LastActivity,
	}
}

// ConnectionUpdate changes the owner or workspace of a connection. Nil fields
// are left alone; an empty string clears the field.
type ConnectionUpdate struct {
	UserID      *string
	WorkspaceID *string
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Connections int   `json:"connections"`
	Users       int   `json:"users"`
	Workspaces  int   `json:"workspaces"`
	Topics      int   `json:"topics"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Registry owns live connections and the user, workspace and topic indices
// over them. All index mutations happen under one mutex; sends happen outside
// it on a snapshot of the targets.
type Registry struct {
	log         zerolog.Logger
	now         func() time.Time
	idleTimeout time.Duration

	mu          sync.Mutex
	conns       map[string]*Connection
	byUser      map[string]map[string]struct{}
	byWorkspace map[string]map[string]struct{}
	byTopic     map[string]map[string]struct{}
	delivered   int64
	dropped     int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIdleTimeout sets the idle window used by CleanupStale.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:         log,
		now:         time.Now,
		idleTimeout: DefaultIdleTimeout,
		conns:       make(map[string]*Connection),
		byUser:      make(map[string]map[string]struct{}),
		byWorkspace: make(map[string]map[string]struct{}),
		byTopic:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers transport under id, optionally owned by userID.
func (r *Registry) Add(id string, transport Transport, userID string) error {
	if id == "" || transport == nil {
		return fmt.Errorf("%w: connection id and transport are required", model.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return fmt.Errorf("%w: connection %s already registered", model.ErrInvalidArgument, id)
	}

	now := r.now()
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Topics:       make(map[string]struct{}),
		CreatedAt:    now,
		LastActivity: now,
		transport:    transport,
	}
	r.conns[id] = c
	if userID != "" {
		link(r.byUser, userID, id)
	}

	r.log.Debug().Str("connection_id", id).Str("user_id", userID).Msg("connection added")
	return nil
}

// Remove unregisters id and closes its transport.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	c, ok := r.removeLocked(id)
	r.mu.Unlock()

	if !ok {
		return model.ErrConnectionNotFound
	}
	_ = c.transport.Close()
	r.log.Debug().Str("connection_id", id).Msg("connection removed")
	return nil
}

// Update moves a connection to a new owner and/or workspace, migrating the reverse indices.
func (r *Registry) Update(id string, upd ConnectionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return model.ErrConnectionNotFound
	}

	if upd.UserID != nil && *upd.UserID != c.UserID {
		if c.UserID != "" {
			unlink(r.byUser, c.UserID, id)
		}
		c.UserID = *upd.UserID
		if c.UserID != "" {
			link(r.byUser, c.UserID, id)
		}
	}
	if upd.WorkspaceID != nil && *upd.WorkspaceID != c.WorkspaceID {
		if c.WorkspaceID != "" {
			unlink(r.byWorkspace, c.WorkspaceID, id)
		}
		c.WorkspaceID = *upd.WorkspaceID
		if c.WorkspaceID != "" {
			link(r.byWorkspace, c.WorkspaceID, id)
		}
	}
	c.LastActivity = r.now()
	return nil
}

// DetachWorkspace clears the workspace of every connection attached to
// workspaceID. A non-empty userID limits it to that user's connections. It
// returns the number of connections detached.
func (r *Registry) DetachWorkspace(workspaceID, userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id := range r.byWorkspace[workspaceID] {
		c := r.conns[id]
		if userID != "" && c.UserID != userID {
			continue
		}
		unlink(r.byWorkspace, workspaceID, id)
		c.WorkspaceID = ""
		n++
	}

	if n > 0 {
		r.log.Debug().Str("workspace_id", workspaceID).Str("user_id", userID).Int("connections", n).Msg("connections detached from workspace")
	}
	return n
}

// Touch marks id as active now.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.LastActivity = r.now()
	}
}

// Subscribe adds id to topic.
func (r *Registry) Subscribe(id, topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is required", model.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return model.ErrConnectionNotFound
	}
	c.Topics[topic] = struct{}{}
	link(r.byTopic, topic, id)
	return nil
}

// Unsubscribe removes id from topic. Unsubscribing from a topic never joined succeeds.
func (r *Registry) Unsubscribe(id, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return model.ErrConnectionNotFound
	}
	delete(c.Topics, topic)
	unlink(r.byTopic, topic, id)
	return nil
}

// Get returns a snapshot of connection id.
func (r *Registry) Get(id string) (ConnectionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, model.ErrConnectionNotFound
	}
	return c.info(), nil
}

// List returns snapshots of all connections ordered by creation time.
func (r *Registry) List() []ConnectionInfo {
	r.mu.Lock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.info())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b ConnectionInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Send delivers data to id. A closed or failing transport is removed and false returned.
func (r *Registry) Send(id string, data []byte) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.deliver([]target{{id: id, transport: c.transport}}, data) == 1
}

// SendToUser delivers data to every connection of userID and returns the delivery count.
func (r *Registry) SendToUser(userID string, data []byte) int {
	return r.deliver(r.targets(r.byUser, userID), data)
}

// BroadcastToWorkspace delivers data to every connection in workspaceID.
func (r *Registry) BroadcastToWorkspace(workspaceID string, data []byte) int {
	return r.deliver(r.targets(r.byWorkspace, workspaceID), data)
}

// BroadcastToTopic delivers data to every connection subscribed to topic.
func (r *Registry) BroadcastToTopic(topic string, data []byte) int {
	return r.deliver(r.targets(r.byTopic, topic), data)
}

// BroadcastToAll delivers data to every connection.
func (r *Registry) BroadcastToAll(data []byte) int {
	r.mu.Lock()
	ts := make([]target, 0, len(r.conns))
	for id, c := range r.conns {
		ts = append(ts, target{id: id, transport: c.transport})
	}
	r.mu.Unlock()
	return r.deliver(ts, data)
}

// CleanupStale removes connections idle longer than the idle timeout and returns how many were removed.
func (r *Registry) CleanupStale() int {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	var stale []*Connection
	for id, c := range r.conns {
		if c.LastActivity.Before(cutoff) {
			if removed, ok := r.removeLocked(id); ok {
				stale = append(stale, removed)
			}
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		_ = c.transport.Close()
	}
	if len(stale) > 0 {
		r.log.Info().Int("removed", len(stale)).Dur("idle_timeout", r.idleTimeout).Msg("stale connections evicted")
	}
	return len(stale)
}

// DisconnectAll closes every transport, clears all state and returns how many connections were closed.
func (r *Registry) DisconnectAll() int {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.byUser = make(map[string]map[string]struct{})
	r.byWorkspace = make(map[string]map[string]struct{})
	r.byTopic = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.transport.Close()
	}
	r.log.Info().Int("count", len(conns)).Msg("all connections closed")
	return len(conns)
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Connections: len(r.conns),
		Users:       len(r.byUser),
		Workspaces:  len(r.byWorkspace),
		Topics:      len(r.byTopic),
		Delivered:   r.delivered,
		Dropped:     r.dropped,
	}
}

type target struct {
	id        string
	transport Transport
}

func (r *Registry) targets(idx map[string]map[string]struct{}, key string) []target {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := idx[key]
	ts := make([]target, 0, len(ids))
	for id := range ids {
		if c, ok := r.conns[id]; ok {
			ts = append(ts, target{id: id, transport: c.transport})
		}
	}
	return ts
}

// deliver sends data to each target outside the lock. Targets whose transport
// is closed or fails are removed, unless the id was re-registered meanwhile.
func (r *Registry) deliver(ts []target, data []byte) int {
	sent := 0
	var failed []target
	for _, t := range ts {
		if !t.transport.IsOpen() {
			failed = append(failed, t)
			continue
		}
		if err := t.transport.Send(data); err != nil {
			r.log.Debug().Err(err).Str("connection_id", t.id).Msg("send failed")
			failed = append(failed, t)
			continue
		}
		sent++
	}

	r.mu.Lock()
	r.delivered += int64(sent)
	r.dropped += int64(len(failed))
	var removed []*Connection
	for _, t := range failed {
		if c, ok := r.conns[t.id]; ok && c.transport == t.transport {
			r.removeLocked(t.id)
			removed = append(removed, c)
		}
	}
	r.mu.Unlock()

	for _, c := range removed {
		_ = c.transport.Close()
		r.log.Debug().Str("connection_id", c.ID).Msg("dead connection removed")
	}
	return sent
}

// removeLocked drops id from the registry and every index. Caller must hold r.mu.
func (r *Registry) removeLocked(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	if c.UserID != "" {
		unlink(r.byUser, c.UserID, id)
	}
	if c.WorkspaceID != "" {
		unlink(r.byWorkspace, c.WorkspaceID, id)
	}
	for topic := range c.Topics {
		unlink(r.byTopic, topic, id)
	}
	return c, true
}

func link(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func unlink(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

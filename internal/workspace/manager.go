// Package workspace tracks workspaces, their members and attached agents, and
// keeps a bounded system-wide activity log.
package workspace

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/realtime/internal/buffer"
	"github.com/remote-agent-terminal/realtime/internal/model"
)

const (
	// DefaultID is the id of the workspace created at startup.
	DefaultID = "default"

	// SystemActor is the creator recorded for workspaces the process creates itself.
	SystemActor = "system"

	DefaultActivityLimit = 1000
)

// ActivityFunc is called after every logged activity, outside the manager lock.
type ActivityFunc func(activity model.WorkspaceActivity)

// Config holds configuration for the workspace manager.
type Config struct {
	ActivityLimit int
}

// Stats is an aggregate view over all workspaces.
type Stats struct {
	TotalWorkspaces  int            `json:"totalWorkspaces"`
	ActiveWorkspaces int            `json:"activeWorkspaces"`
	TotalMembers     int            `json:"totalMembers"`
	TotalAgents      int            `json:"totalAgents"`
	TotalActivities  int            `json:"totalActivities"`
	ActivityByType   map[string]int `json:"activityByType"`
}

// Manager manages workspaces. Every successful mutation appends exactly one
// activity entry; no-op joins and leaves append none.
type Manager struct {
	log zerolog.Logger
	now func() time.Time

	mu              sync.RWMutex
	workspaces      map[string]*model.Workspace
	userWorkspaces  map[string]map[string]struct{}
	agentWorkspaces map[string]map[string]struct{}
	activity        *buffer.Ring[model.WorkspaceActivity]

	hookMu sync.RWMutex
	hooks  []ActivityFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new workspace manager.
func NewManager(log zerolog.Logger, config Config, opts ...Option) *Manager {
	if config.ActivityLimit <= 0 {
		config.ActivityLimit = DefaultActivityLimit
	}

	m := &Manager{
		log:             log,
		now:             time.Now,
		workspaces:      make(map[string]*model.Workspace),
		userWorkspaces:  make(map[string]map[string]struct{}),
		agentWorkspaces: make(map[string]map[string]struct{}),
		activity:        buffer.NewRing[model.WorkspaceActivity](config.ActivityLimit),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnActivity registers fn to receive every logged activity.
func (m *Manager) OnActivity(fn ActivityFunc) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// EnsureDefault creates the default workspace if it does not exist yet.
func (m *Manager) EnsureDefault(name string) (*model.Workspace, error) {
	if ws, err := m.Get(DefaultID); err == nil {
		return ws, nil
	}
	if name == "" {
		name = "Default Workspace"
	}
	return m.Create(model.Workspace{
		ID:          DefaultID,
		Name:        name,
		Description: "Workspace shared by every user",
		CreatedBy:   SystemActor,
		Active:      true,
	})
}

// Create adds a workspace. An empty ID is generated; the creator becomes a member.
func (m *Manager) Create(ws model.Workspace) (*model.Workspace, error) {
	ws.Name = strings.TrimSpace(ws.Name)
	if ws.Name == "" {
		return nil, fmt.Errorf("%w: workspace name is required", model.ErrInvalidArgument)
	}
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}

	now := m.now()
	created := &model.Workspace{
		ID:          ws.ID,
		Name:        ws.Name,
		Description: ws.Description,
		CreatedBy:   ws.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Members:     []string{},
		Agents:      []string{},
		Settings:    maps.Clone(ws.Settings),
		Active:      true,
	}
	if created.Settings == nil {
		created.Settings = map[string]any{}
	}

	m.mu.Lock()
	if _, exists := m.workspaces[created.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrWorkspaceExists, created.ID)
	}

	m.workspaces[created.ID] = created
	if created.CreatedBy != "" && created.CreatedBy != SystemActor {
		m.addMemberLocked(created, created.CreatedBy)
	}
	for _, u := range ws.Members {
		m.addMemberLocked(created, u)
	}
	for _, a := range ws.Agents {
		m.addAgentLocked(created, a)
	}

	act := m.logLocked(created.ID, created.CreatedBy, model.ActivityWorkspaceCreated,
		fmt.Sprintf("Workspace %q created", created.Name), nil)
	out := created.Clone()
	m.mu.Unlock()

	m.log.Info().Str("workspace_id", out.ID).Str("created_by", out.CreatedBy).Msg("workspace created")
	m.emit(act)
	return out, nil
}

// Get returns the workspace with id.
func (m *Manager) Get(id string) (*model.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, model.ErrWorkspaceNotFound
	}
	return ws.Clone(), nil
}

// List returns all workspaces ordered by creation time.
func (m *Manager) List() []*model.Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, ws.Clone())
	}
	sortWorkspaces(out)
	return out
}

// ListForUser returns the workspaces userID is a member of.
func (m *Manager) ListForUser(userID string) []*model.Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.userWorkspaces[userID])
}

// WorkspacesForAgent returns the workspaces agentID is attached to.
func (m *Manager) WorkspacesForAgent(agentID string) []*model.Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectLocked(m.agentWorkspaces[agentID])
}

// Members returns the member ids of workspace id.
func (m *Manager) Members(id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, model.ErrWorkspaceNotFound
	}
	return slices.Clone(ws.Members), nil
}

// IsMember reports whether userID belongs to workspace id.
func (m *Manager) IsMember(id, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.userWorkspaces[userID][id]
	return ok
}

// Update applies the non-nil fields of upd. Settings are merged key by key.
func (m *Manager) Update(id, actorID string, upd model.WorkspaceUpdate) (*model.Workspace, error) {
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, fmt.Errorf("%w: workspace name must not be empty", model.ErrInvalidArgument)
	}

	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return nil, model.ErrWorkspaceNotFound
	}

	var changed []string
	if upd.Name != nil {
		ws.Name = strings.TrimSpace(*upd.Name)
		changed = append(changed, "name")
	}
	if upd.Description != nil {
		ws.Description = *upd.Description
		changed = append(changed, "description")
	}
	if upd.Settings != nil {
		if ws.Settings == nil {
			ws.Settings = map[string]any{}
		}
		maps.Copy(ws.Settings, upd.Settings)
		changed = append(changed, "settings")
	}
	if upd.Active != nil {
		ws.Active = *upd.Active
		changed = append(changed, "active")
	}
	ws.UpdatedAt = m.now()

	act := m.logLocked(id, actorID, model.ActivityWorkspaceUpdated,
		fmt.Sprintf("Workspace %q updated", ws.Name), map[string]any{"fields": changed})
	out := ws.Clone()
	m.mu.Unlock()

	m.log.Info().Str("workspace_id", id).Strs("fields", changed).Msg("workspace updated")
	m.emit(act)
	return out, nil
}

// Delete removes a workspace and drops it from every member's and agent's index.
func (m *Manager) Delete(id, actorID string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrWorkspaceNotFound
	}

	for _, u := range ws.Members {
		unindex(m.userWorkspaces, u, id)
	}
	for _, a := range ws.Agents {
		unindex(m.agentWorkspaces, a, id)
	}
	delete(m.workspaces, id)

	act := m.logLocked(id, actorID, model.ActivityWorkspaceDeleted,
		fmt.Sprintf("Workspace %q deleted", ws.Name), nil)
	m.mu.Unlock()

	m.log.Info().Str("workspace_id", id).Str("actor_id", actorID).Msg("workspace deleted")
	m.emit(act)
	return nil
}

// Join adds userID to workspace id. Joining twice is a successful no-op.
func (m *Manager) Join(id, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", model.ErrInvalidArgument)
	}

	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrWorkspaceNotFound
	}
	if !m.addMemberLocked(ws, userID) {
		m.mu.Unlock()
		return nil
	}
	ws.UpdatedAt = m.now()
	act := m.logLocked(id, userID, model.ActivityUserJoined, fmt.Sprintf("User %s joined", userID), nil)
	m.mu.Unlock()

	m.log.Debug().Str("workspace_id", id).Str("user_id", userID).Msg("user joined workspace")
	m.emit(act)
	return nil
}

// Leave removes userID from workspace id. Leaving as a non-member is a successful no-op.
func (m *Manager) Leave(id, userID string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrWorkspaceNotFound
	}
	idx := slices.Index(ws.Members, userID)
	if idx < 0 {
		m.mu.Unlock()
		return nil
	}
	ws.Members = slices.Delete(ws.Members, idx, idx+1)
	unindex(m.userWorkspaces, userID, id)
	ws.UpdatedAt = m.now()
	act := m.logLocked(id, userID, model.ActivityUserLeft, fmt.Sprintf("User %s left", userID), nil)
	m.mu.Unlock()

	m.log.Debug().Str("workspace_id", id).Str("user_id", userID).Msg("user left workspace")
	m.emit(act)
	return nil
}

// AddAgent attaches agentID to workspace id. Adding twice is a successful no-op.
func (m *Manager) AddAgent(id, agentID, actorID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id is required", model.ErrInvalidArgument)
	}

	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrWorkspaceNotFound
	}
	if !m.addAgentLocked(ws, agentID) {
		m.mu.Unlock()
		return nil
	}
	ws.UpdatedAt = m.now()
	act := m.logLocked(id, actorID, model.ActivityAgentAdded,
		fmt.Sprintf("Agent %s added", agentID), map[string]any{"agent_id": agentID})
	m.mu.Unlock()

	m.emit(act)
	return nil
}

// RemoveAgent detaches agentID from workspace id. Removing an absent agent is a successful no-op.
func (m *Manager) RemoveAgent(id, agentID, actorID string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrWorkspaceNotFound
	}
	idx := slices.Index(ws.Agents, agentID)
	if idx < 0 {
		m.mu.Unlock()
		return nil
	}
	ws.Agents = slices.Delete(ws.Agents, idx, idx+1)
	unindex(m.agentWorkspaces, agentID, id)
	ws.UpdatedAt = m.now()
	act := m.logLocked(id, actorID, model.ActivityAgentRemoved,
		fmt.Sprintf("Agent %s removed", agentID), map[string]any{"agent_id": agentID})
	m.mu.Unlock()

	m.emit(act)
	return nil
}

// Activity returns up to limit entries for workspace id, most recent first.
// An empty id returns entries across all workspaces.
func (m *Manager) Activity(id string, limit int) []model.WorkspaceActivity {
	var keep func(model.WorkspaceActivity) bool
	if id != "" {
		keep = func(a model.WorkspaceActivity) bool { return a.WorkspaceID == id }
	}
	return m.activity.Recent(limit, keep)
}

// Permissions reports what userID may do in workspace id. Only members may view;
// edit, delete and management rights belong to the creator.
func (m *Manager) Permissions(id, userID string) (model.WorkspacePermissions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return model.WorkspacePermissions{}, model.ErrWorkspaceNotFound
	}

	isCreator := userID != "" && ws.CreatedBy == userID
	return model.WorkspacePermissions{
		CanView:         slices.Contains(ws.Members, userID),
		CanEdit:         isCreator,
		CanDelete:       isCreator,
		CanManageUsers:  isCreator,
		CanManageAgents: isCreator,
	}, nil
}

// Statistics aggregates counts over all workspaces and the activity log.
func (m *Manager) Statistics() Stats {
	m.mu.RLock()
	st := Stats{
		TotalWorkspaces: len(m.workspaces),
		TotalMembers:    len(m.userWorkspaces),
		TotalAgents:     len(m.agentWorkspaces),
		ActivityByType:  make(map[string]int),
	}
	for _, ws := range m.workspaces {
		if ws.Active {
			st.ActiveWorkspaces++
		}
	}
	m.mu.RUnlock()

	for _, a := range m.activity.Items() {
		st.ActivityByType[string(a.Type)]++
		st.TotalActivities++
	}
	return st
}

// Search returns workspaces whose name or description contains query, case-insensitively.
func (m *Manager) Search(query string) []*model.Workspace {
	q := strings.ToLower(strings.TrimSpace(query))

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Workspace
	for _, ws := range m.workspaces {
		if strings.Contains(strings.ToLower(ws.Name), q) || strings.Contains(strings.ToLower(ws.Description), q) {
			out = append(out, ws.Clone())
		}
	}
	sortWorkspaces(out)
	return out
}

// addMemberLocked reports whether userID was newly added.
func (m *Manager) addMemberLocked(ws *model.Workspace, userID string) bool {
	if slices.Contains(ws.Members, userID) {
		return false
	}
	ws.Members = append(ws.Members, userID)
	index(m.userWorkspaces, userID, ws.ID)
	return true
}

func (m *Manager) addAgentLocked(ws *model.Workspace, agentID string) bool {
	if slices.Contains(ws.Agents, agentID) {
		return false
	}
	ws.Agents = append(ws.Agents, agentID)
	index(m.agentWorkspaces, agentID, ws.ID)
	return true
}

func (m *Manager) logLocked(workspaceID, actorID string, typ model.ActivityType, desc string, meta map[string]any) model.WorkspaceActivity {
	act := model.WorkspaceActivity{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		Type:        typ,
		Description: desc,
		Timestamp:   m.now(),
		Metadata:    meta,
	}
	m.activity.Push(act)
	return act
}

func (m *Manager) emit(act model.WorkspaceActivity) {
	m.hookMu.RLock()
	hooks := slices.Clone(m.hooks)
	m.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(act)
	}
}

func (m *Manager) collectLocked(ids map[string]struct{}) []*model.Workspace {
	out := make([]*model.Workspace, 0, len(ids))
	for id := range ids {
		if ws, ok := m.workspaces[id]; ok {
			out = append(out, ws.Clone())
		}
	}
	sortWorkspaces(out)
	return out
}

func index(idx map[string]map[string]struct{}, key, workspaceID string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[workspaceID] = struct{}{}
}

func unindex(idx map[string]map[string]struct{}, key, workspaceID string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, workspaceID)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func sortWorkspaces(ws []*model.Workspace) {
	slices.SortFunc(ws, func(a, b *model.Workspace) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

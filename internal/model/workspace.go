package model

import (
	"maps"
	"slices"
	"time"
)

// ActivityType names a workspace mutation.
type ActivityType string

const (
	ActivityWorkspaceCreated ActivityType = "workspace_created"
	ActivityWorkspaceUpdated ActivityType = "workspace_updated"
	ActivityWorkspaceDeleted ActivityType = "workspace_deleted"
	ActivityUserJoined       ActivityType = "user_joined"
	ActivityUserLeft         ActivityType = "user_left"
	ActivityAgentAdded       ActivityType = "agent_added"
	ActivityAgentRemoved     ActivityType = "agent_removed"
)

// Workspace is a shared space with members and attached agents.
type Workspace struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	CreatedBy   string         `json:"createdBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Members     []string       `json:"members"`
	Agents      []string       `json:"agents"`
	Settings    map[string]any `json:"settings,omitempty"`
	Active      bool           `json:"active"`
}

// Clone returns a deep-enough copy (settings values are shared).
func (w *Workspace) Clone() *Workspace {
	c := *w
	c.Members = slices.Clone(w.Members)
	c.Agents = slices.Clone(w.Agents)
	c.Settings = maps.Clone(w.Settings)
	return &c
}

// WorkspaceUpdate carries the mutable fields of a workspace. Nil fields are left unchanged.
type WorkspaceUpdate struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	Active      *bool          `json:"active,omitempty"`
}

// WorkspaceActivity is one entry in the append-only activity log.
type WorkspaceActivity struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	ActorID     string         `json:"actorId"`
	Type        ActivityType   `json:"type"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WorkspacePermissions is the per-user view of what a workspace allows.
type WorkspacePermissions struct {
	CanView         bool `json:"canView"`
	CanEdit         bool `json:"canEdit"`
	CanDelete       bool `json:"canDelete"`
	CanManageUsers  bool `json:"canManageUsers"`
	CanManageAgents bool `json:"canManageAgents"`
}

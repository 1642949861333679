package workspace

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/realtime/internal/model"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(zerolog.Nop(), Config{ActivityLimit: 100})
}

func createWorkspace(t *testing.T, m *Manager, name, creator string) *model.Workspace {
	t.Helper()
	ws, err := m.Create(model.Workspace{Name: name, CreatedBy: creator})
	require.NoError(t, err)
	return ws
}

func TestManager_Create(t *testing.T) {
	m := setupTestManager(t)

	ws := createWorkspace(t, m, "Design", "alice")
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, []string{"alice"}, ws.Members)
	assert.True(t, ws.Active)
	assert.True(t, m.IsMember(ws.ID, "alice"))

	t.Run("duplicate id rejected", func(t *testing.T) {
		_, err := m.Create(model.Workspace{ID: ws.ID, Name: "Other"})
		assert.ErrorIs(t, err, model.ErrWorkspaceExists)
	})

	t.Run("name required", func(t *testing.T) {
		_, err := m.Create(model.Workspace{Name: "  "})
		assert.ErrorIs(t, err, model.ErrInvalidArgument)
	})

	t.Run("explicit id and members", func(t *testing.T) {
		ws, err := m.Create(model.Workspace{ID: "ops", Name: "Ops", CreatedBy: "carol", Members: []string{"dave", "carol"}, Agents: []string{"bot"}})
		require.NoError(t, err)
		assert.Equal(t, "ops", ws.ID)
		assert.Equal(t, []string{"carol", "dave"}, ws.Members)
		assert.Equal(t, []string{"bot"}, ws.Agents)
	})

	activity := m.Activity("", 0)
	require.Len(t, activity, 2)
	assert.Equal(t, model.ActivityWorkspaceCreated, activity[0].Type)
	assert.Equal(t, "ops", activity[0].WorkspaceID)
}

func TestManager_EnsureDefault(t *testing.T) {
	m := setupTestManager(t)

	ws, err := m.EnsureDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultID, ws.ID)
	assert.Equal(t, SystemActor, ws.CreatedBy)
	assert.Empty(t, ws.Members)

	again, err := m.EnsureDefault("Other")
	require.NoError(t, err)
	assert.Equal(t, ws.Name, again.Name)
	assert.Len(t, m.List(), 1)
}

func TestManager_PermissionsScenario(t *testing.T) {
	m := setupTestManager(t)
	ws := createWorkspace(t, m, "W", "alice")

	perms, err := m.Permissions(ws.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.WorkspacePermissions{}, perms)

	require.NoError(t, m.Join(ws.ID, "bob"))

	perms, err = m.Permissions(ws.ID, "bob")
	require.NoError(t, err)
	assert.True(t, perms.CanView)
	assert.False(t, perms.CanEdit)
	assert.False(t, perms.CanDelete)
	assert.False(t, perms.CanManageUsers)
	assert.False(t, perms.CanManageAgents)

	perms, err = m.Permissions(ws.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.WorkspacePermissions{CanView: true, CanEdit: true, CanDelete: true, CanManageUsers: true, CanManageAgents: true}, perms)

	_, err = m.Permissions("missing", "bob")
	assert.ErrorIs(t, err, model.ErrWorkspaceNotFound)
}

func TestManager_JoinLeaveIdempotent(t *testing.T) {
	m := setupTestManager(t)
	ws := createWorkspace(t, m, "W", "alice")
	before := len(m.Activity(ws.ID, 0))

	require.NoError(t, m.Join(ws.ID, "bob"))
	require.NoError(t, m.Join(ws.ID, "bob"))

	members, err := m.Members(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
	assert.Len(t, m.ListForUser("bob"), 1)
	assert.Len(t, m.Activity(ws.ID, 0), before+1)

	require.NoError(t, m.Leave(ws.ID, "carol"))
	assert.Len(t, m.Activity(ws.ID, 0), before+1)

	require.NoError(t, m.Leave(ws.ID, "bob"))
	assert.False(t, m.IsMember(ws.ID, "bob"))
	assert.Empty(t, m.ListForUser("bob"))

	assert.ErrorIs(t, m.Join("missing", "bob"), model.ErrWorkspaceNotFound)
	assert.ErrorIs(t, m.Leave("missing", "bob"), model.ErrWorkspaceNotFound)
	assert.ErrorIs(t, m.Join(ws.ID, ""), model.ErrInvalidArgument)
}

func TestManager_Agents(t *testing.T) {
	m := setupTestManager(t)
	a := createWorkspace(t, m, "A", "alice")
	b := createWorkspace(t, m, "B", "alice")

	require.NoError(t, m.AddAgent(a.ID, "agent-1", "alice"))
	require.NoError(t, m.AddAgent(a.ID, "agent-1", "alice"))
	require.NoError(t, m.AddAgent(b.ID, "agent-1", "alice"))

	assert.Len(t, m.WorkspacesForAgent("agent-1"), 2)

	require.NoError(t, m.RemoveAgent(a.ID, "agent-1", "alice"))
	require.NoError(t, m.RemoveAgent(a.ID, "agent-1", "alice"))

	got := m.WorkspacesForAgent("agent-1")
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	st := m.Statistics()
	assert.Equal(t, 1, st.ActivityByType[string(model.ActivityAgentRemoved)])
	assert.Equal(t, 2, st.ActivityByType[string(model.ActivityAgentAdded)])
}

func TestManager_Update(t *testing.T) {
	m := setupTestManager(t)
	ws := createWorkspace(t, m, "Old", "alice")

	name := "New"
	inactive := false
	updated, err := m.Update(ws.ID, "alice", model.WorkspaceUpdate{
		Name:     &name,
		Settings: map[string]any{"theme": "dark"},
		Active:   &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, "New", updated.Name)
	assert.Equal(t, "dark", updated.Settings["theme"])
	assert.False(t, updated.Active)

	latest := m.Activity(ws.ID, 1)
	require.Len(t, latest, 1)
	assert.Equal(t, model.ActivityWorkspaceUpdated, latest[0].Type)

	empty := " "
	_, err = m.Update(ws.ID, "alice", model.WorkspaceUpdate{Name: &empty})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = m.Update("missing", "alice", model.WorkspaceUpdate{})
	assert.ErrorIs(t, err, model.ErrWorkspaceNotFound)
}

func TestManager_DeleteCascades(t *testing.T) {
	m := setupTestManager(t)
	ws := createWorkspace(t, m, "W", "alice")
	require.NoError(t, m.Join(ws.ID, "bob"))
	require.NoError(t, m.AddAgent(ws.ID, "agent-1", "alice"))

	require.NoError(t, m.Delete(ws.ID, "alice"))

	_, err := m.Get(ws.ID)
	assert.ErrorIs(t, err, model.ErrWorkspaceNotFound)
	assert.Empty(t, m.ListForUser("alice"))
	assert.Empty(t, m.ListForUser("bob"))
	assert.Empty(t, m.WorkspacesForAgent("agent-1"))
	assert.Equal(t, 0, m.Statistics().TotalMembers)

	assert.ErrorIs(t, m.Delete(ws.ID, "alice"), model.ErrWorkspaceNotFound)
}

func TestManager_ActivityCapIsSystemWide(t *testing.T) {
	m := NewManager(zerolog.Nop(), Config{ActivityLimit: 5})
	a := createWorkspace(t, m, "A", "alice")
	b := createWorkspace(t, m, "B", "bob")

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Join(a.ID, fmt.Sprintf("u%d", i)))
	}

	all := m.Activity("", 0)
	assert.Len(t, all, 5)
	// a's creation entry is the one evicted
	assert.Len(t, m.Activity(b.ID, 0), 1)
	assert.Len(t, m.Activity(a.ID, 0), 4)
	assert.Equal(t, 5, m.Statistics().TotalActivities)
}

func TestManager_OnActivity(t *testing.T) {
	m := setupTestManager(t)

	var (
		mu  sync.Mutex
		got []model.ActivityType
	)
	m.OnActivity(func(a model.WorkspaceActivity) {
		// hooks run outside the manager lock
		_, _ = m.Get(a.WorkspaceID)
		mu.Lock()
		got = append(got, a.Type)
		mu.Unlock()
	})

	ws := createWorkspace(t, m, "W", "alice")
	require.NoError(t, m.Join(ws.ID, "bob"))
	require.NoError(t, m.Join(ws.ID, "bob"))
	require.NoError(t, m.Leave(ws.ID, "bob"))

	assert.Equal(t, []model.ActivityType{
		model.ActivityWorkspaceCreated,
		model.ActivityUserJoined,
		model.ActivityUserLeft,
	}, got)
}

func TestManager_Search(t *testing.T) {
	clock := time.Now()
	m := NewManager(zerolog.Nop(), Config{}, WithClock(func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}))

	_, err := m.Create(model.Workspace{Name: "Frontend", Description: "React app"})
	require.NoError(t, err)
	_, err = m.Create(model.Workspace{Name: "Backend", Description: "Go services"})
	require.NoError(t, err)

	got := m.Search("END")
	require.Len(t, got, 2)
	assert.Equal(t, "Frontend", got[0].Name)

	got = m.Search("react")
	require.Len(t, got, 1)
	assert.Equal(t, "Frontend", got[0].Name)

	assert.Empty(t, m.Search("python"))
}

func TestManager_Statistics(t *testing.T) {
	m := setupTestManager(t)
	a := createWorkspace(t, m, "A", "alice")
	createWorkspace(t, m, "B", "alice")
	require.NoError(t, m.Join(a.ID, "bob"))

	inactive := false
	_, err := m.Update(a.ID, "alice", model.WorkspaceUpdate{Active: &inactive})
	require.NoError(t, err)

	st := m.Statistics()
	assert.Equal(t, 2, st.TotalWorkspaces)
	assert.Equal(t, 1, st.ActiveWorkspaces)
	assert.Equal(t, 2, st.TotalMembers)
	assert.Equal(t, 4, st.TotalActivities)
	assert.Equal(t, 2, st.ActivityByType[string(model.ActivityWorkspaceCreated)])
}

// TestMembershipIndexProperty applies random join/leave sequences and checks
// that workspace membership and the user reverse index agree, and that the
// activity log grows only on effective changes.
func TestMembershipIndexProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	type op struct {
		join bool
		ws   int
		user int
	}
	genOp := gopter.CombineGens(gen.Bool(), gen.IntRange(0, 2), gen.IntRange(0, 3)).Map(func(v []any) op {
		return op{join: v[0].(bool), ws: v[1].(int), user: v[2].(int)}
	})

	properties.Property("membership and reverse index stay in sync", prop.ForAll(
		func(ops []op) bool {
			m := NewManager(zerolog.Nop(), Config{ActivityLimit: 10000})
			ids := make([]string, 3)
			for i := range ids {
				ws, err := m.Create(model.Workspace{ID: fmt.Sprintf("w%d", i), Name: "W"})
				if err != nil {
					return false
				}
				ids[i] = ws.ID
			}

			for _, o := range ops {
				user := fmt.Sprintf("u%d", o.user)
				wasMember := m.IsMember(ids[o.ws], user)
				before := len(m.Activity("", 0))

				var err error
				if o.join {
					err = m.Join(ids[o.ws], user)
				} else {
					err = m.Leave(ids[o.ws], user)
				}
				if err != nil {
					return false
				}

				changed := wasMember != o.join
				after := len(m.Activity("", 0))
				if changed && after != before+1 || !changed && after != before {
					return false
				}
			}

			for _, id := range ids {
				members, _ := m.Members(id)
				seen := map[string]bool{}
				for _, u := range members {
					if seen[u] || !m.IsMember(id, u) {
						return false
					}
					seen[u] = true
				}
			}
			for u := 0; u < 4; u++ {
				user := fmt.Sprintf("u%d", u)
				for _, ws := range m.ListForUser(user) {
					members, _ := m.Members(ws.ID)
					found := false
					for _, mem := range members {
						if mem == user {
							found = true
						}
					}
					if !found {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}

package ws

import (
	"errors"
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

// fakeTransport records frames in memory.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failing bool
	onSend  func()
}

func (f *fakeTransport) Send(data []byte) error {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func ptr(s string) *string { return &s }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zerolog.Nop())
}

// checkIndexes verifies that every reverse index matches the forward references exactly.
func checkIndexes(r *Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := func(key func(*Connection) []string) map[string]map[string]struct{} {
		out := map[string]map[string]struct{}{}
		for id, c := range r.conns {
			for _, k := range key(c) {
				if out[k] == nil {
					out[k] = map[string]struct{}{}
				}
				out[k][id] = struct{}{}
			}
		}
		return out
	}
	same := func(name string, got, exp map[string]map[string]struct{}) error {
		if len(got) != len(exp) {
			return fmt.Errorf("%s index has %d keys, want %d", name, len(got), len(exp))
		}
		for k, ids := range exp {
			if len(got[k]) != len(ids) {
				return fmt.Errorf("%s index for %q has %d ids, want %d", name, k, len(got[k]), len(ids))
			}
			for id := range ids {
				if _, ok := got[k][id]; !ok {
					return fmt.Errorf("%s index for %q misses %s", name, k, id)
				}
			}
		}
		return nil
	}

	users := want(func(c *Connection) []string {
		if c.UserID == "" {
			return nil
		}
		return []string{c.UserID}
	})
	workspaces := want(func(c *Connection) []string {
		if c.WorkspaceID == "" {
			return nil
		}
		return []string{c.WorkspaceID}
	})
	topics := want(func(c *Connection) []string {
		var out []string
		for t := range c.Topics {
			out = append(out, t)
		}
		return out
	})

	if err := same("user", r.byUser, users); err != nil {
		return err
	}
	if err := same("workspace", r.byWorkspace, workspaces); err != nil {
		return err
	}
	return same("topic", r.byTopic, topics)
}

func TestRegistry_AddRemove(t *testing.T) {
	r := newTestRegistry(t)
	tr := &fakeTransport{}

	require.NoError(t, r.Add("c1", tr, "alice"))
	assert.ErrorIs(t, r.Add("c1", &fakeTransport{}, "bob"), model.ErrInvalidArgument)
	assert.ErrorIs(t, r.Add("", tr, ""), model.ErrInvalidArgument)

	info, err := r.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserID)
	assert.Equal(t, 1, r.Stats().Users)

	require.NoError(t, r.Remove("c1"))
	assert.True(t, tr.closed)
	assert.ErrorIs(t, r.Remove("c1"), model.ErrConnectionNotFound)
	assert.Equal(t, Stats{}, r.Stats())
	require.NoError(t, checkIndexes(r))
}

func TestRegistry_UpdateMigratesIndexes(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add("c1", &fakeTransport{}, "alice"))

	require.NoError(t, r.Update("c1", ConnectionUpdate{WorkspaceID: ptr("w1")}))
	require.NoError(t, checkIndexes(r))
	assert.Equal(t, 1, r.BroadcastToWorkspace("w1", []byte("x")))

	require.NoError(t, r.Update("c1", ConnectionUpdate{UserID: ptr("bob"), WorkspaceID: ptr("w2")}))
	require.NoError(t, checkIndexes(r))
	assert.Equal(t, 0, r.BroadcastToWorkspace("w1", []byte("x")))
	assert.Equal(t, 0, r.SendToUser("alice", []byte("x")))
	assert.Equal(t, 1, r.SendToUser("bob", []byte("x")))

	require.NoError(t, r.Update("c1", ConnectionUpdate{WorkspaceID: ptr("")}))
	require.NoError(t, checkIndexes(r))
	assert.Equal(t, 0, r.Stats().Workspaces)

	assert.ErrorIs(t, r.Update("missing", ConnectionUpdate{}), model.ErrConnectionNotFound)
}

func TestRegistry_DetachWorkspace(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add("c1", &fakeTransport{}, "alice"))
	require.NoError(t, r.Add("c2", &fakeTransport{}, "alice"))
	require.NoError(t, r.Add("c3", &fakeTransport{}, "bob"))
	require.NoError(t, r.Add("c4", &fakeTransport{}, "bob"))
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.Update(id, ConnectionUpdate{WorkspaceID: ptr("w1")}))
	}
	require.NoError(t, r.Update("c4", ConnectionUpdate{WorkspaceID: ptr("w2")}))

	assert.Equal(t, 2, r.DetachWorkspace("w1", "alice"))
	require.NoError(t, checkIndexes(r))
	assert.Equal(t, 1, r.BroadcastToWorkspace("w1", []byte("x")))

	info, err := r.Get("c1")
	require.NoError(t, err)
	assert.Empty(t, info.WorkspaceID)

	assert.Equal(t, 1, r.DetachWorkspace("w1", ""))
	assert.Equal(t, 0, r.DetachWorkspace("w1", ""))
	require.NoError(t, checkIndexes(r))
	assert.Equal(t, 0, r.BroadcastToWorkspace("w1", []byte("x")))
	assert.Equal(t, 1, r.BroadcastToWorkspace("w2", []byte("x")))
	assert.Equal(t, 1, r.Stats().Workspaces)
}

func TestRegistry_Topics(t *testing.T) {
	r := newTestRegistry(t)
	a, b := &fakeTransport{}, &fakeTransport{}
	require.NoError(t, r.Add("a", a, "alice"))
	require.NoError(t, r.Add("b", b, "bob"))

	require.NoError(t, r.Subscribe("a", "agent:1"))
	require.NoError(t, r.Subscribe("b", "agent:1"))
	require.NoError(t, r.Subscribe("b", "agent:2"))
	assert.ErrorIs(t, r.Subscribe("a", ""), model.ErrInvalidArgument)
	assert.ErrorIs(t, r.Subscribe("missing", "t"), model.ErrConnectionNotFound)

	assert.Equal(t, 2, r.BroadcastToTopic("agent:1", []byte("x")))
	assert.Equal(t, 1, r.BroadcastToTopic("agent:2", []byte("x")))

	require.NoError(t, r.Unsubscribe("b", "agent:1"))
	require.NoError(t, r.Unsubscribe("b", "never"))
	assert.Equal(t, 1, r.BroadcastToTopic("agent:1", []byte("x")))

	info, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent:2"}, info.Topics)

	require.NoError(t, r.Remove("b"))
	assert.Equal(t, 0, r.BroadcastToTopic("agent:2", []byte("x")))
	require.NoError(t, checkIndexes(r))
}

func TestRegistry_SendRemovesDeadTransports(t *testing.T) {
	r := newTestRegistry(t)
	ok, closed, failing := &fakeTransport{}, &fakeTransport{}, &fakeTransport{failing: true}
	require.NoError(t, r.Add("ok", ok, "alice"))
	require.NoError(t, r.Add("closed", closed, "alice"))
	require.NoError(t, r.Add("failing", failing, "alice"))
	closed.Close()

	assert.Equal(t, 1, r.SendToUser("alice", []byte("hello")))
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, r.Stats().Connections)
	assert.True(t, failing.closed)

	assert.True(t, r.Send("ok", []byte("again")))
	assert.False(t, r.Send("closed", []byte("again")))

	st := r.Stats()
	assert.Equal(t, int64(2), st.Delivered)
	assert.Equal(t, int64(2), st.Dropped)
	require.NoError(t, checkIndexes(r))
}

func TestRegistry_BroadcastToAll(t *testing.T) {
	r := newTestRegistry(t)
	transports := make([]*fakeTransport, 5)
	for i := range transports {
		transports[i] = &fakeTransport{}
		require.NoError(t, r.Add(fmt.Sprintf("c%d", i), transports[i], ""))
	}

	assert.Equal(t, 5, r.BroadcastToAll([]byte("all")))
	for _, tr := range transports {
		assert.Equal(t, 1, tr.count())
	}
}

func TestRegistry_RemoveDuringBroadcast(t *testing.T) {
	r := newTestRegistry(t)
	victim := &fakeTransport{}
	first := &fakeTransport{}
	first.onSend = func() { _ = r.Remove("victim") }

	require.NoError(t, r.Add("first", first, "alice"))
	require.NoError(t, r.Add("victim", victim, "alice"))

	// The snapshot still holds victim; its transport is closed by the time we reach it.
	sent := r.SendToUser("alice", []byte("x"))
	assert.GreaterOrEqual(t, sent, 1)
	assert.LessOrEqual(t, sent, 2)
	assert.Equal(t, 1, r.Stats().Connections)
	require.NoError(t, checkIndexes(r))
}

func TestRegistry_CleanupStale(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewRegistry(zerolog.Nop(), WithClock(clock), WithIdleTimeout(time.Minute))

	idle, active := &fakeTransport{}, &fakeTransport{}
	require.NoError(t, r.Add("idle", idle, "alice"))
	require.NoError(t, r.Add("active", active, "bob"))
	require.NoError(t, r.Subscribe("idle", "t"))

	now = now.Add(45 * time.Second)
	r.Touch("active")
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, r.CleanupStale())
	assert.True(t, idle.closed)
	assert.False(t, active.closed)
	_, err := r.Get("idle")
	assert.ErrorIs(t, err, model.ErrConnectionNotFound)
	require.NoError(t, checkIndexes(r))
}

func TestRegistry_DisconnectAll(t *testing.T) {
	r := newTestRegistry(t)
	a, b := &fakeTransport{}, &fakeTransport{}
	require.NoError(t, r.Add("a", a, "alice"))
	require.NoError(t, r.Add("b", b, "bob"))
	require.NoError(t, r.Subscribe("a", "t"))

	assert.Equal(t, 2, r.DisconnectAll())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Empty(t, r.List())
	assert.Equal(t, 0, r.Stats().Topics)
}

func TestClient_SendBufferFull(t *testing.T) {
	c := NewClient(nil)
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, c.Send([]byte("x")))
	}
	assert.ErrorIs(t, c.Send([]byte("overflow")), ErrSendBufferFull)
	assert.False(t, c.IsOpen())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrClientClosed)
	assert.NoError(t, c.Close())
}

// TestRegistryIndexConsistencyProperty runs random add/update/subscribe/remove
// sequences and checks every reverse index after each step.
func TestRegistryIndexConsistencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	type op struct {
		kind int
		conn int
		key  int
	}
	genOp := gopter.CombineGens(gen.IntRange(0, 5), gen.IntRange(0, 4), gen.IntRange(0, 3)).Map(func(v []any) op {
		return op{kind: v[0].(int), conn: v[1].(int), key: v[2].(int)}
	})

	properties.Property("reverse indexes equal forward references", prop.ForAll(
		func(ops []op) bool {
			r := NewRegistry(zerolog.Nop())
			for _, o := range ops {
				id := fmt.Sprintf("c%d", o.conn)
				key := fmt.Sprintf("k%d", o.key)
				switch o.kind {
				case 0:
					_ = r.Add(id, &fakeTransport{}, key)
				case 1:
					_ = r.Remove(id)
				case 2:
					_ = r.Update(id, ConnectionUpdate{UserID: ptr(key)})
				case 3:
					ws := key
					if o.key == 0 {
						ws = ""
					}
					_ = r.Update(id, ConnectionUpdate{WorkspaceID: &ws})
				case 4:
					_ = r.Subscribe(id, key)
				case 5:
					_ = r.Unsubscribe(id, key)
				}
				if err := checkIndexes(r); err != nil {
					t.Log(err)
					return false
				}
			}
			return true
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}

package membership

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/xerr"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	r, err := NewRegistry(Options{SuspectAfter: 10 * time.Second, DeadAfter: 30 * time.Second, Now: clock.Now})
	require.NoError(t, err)
	return r, clock
}

func TestRegister(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "node-1", "http://localhost:8081"))
	n, ok := r.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, cluster.NodeAlive, n.State)
	assert.Equal(t, "http://localhost:8081", n.Addr)

	err := r.Register(ctx, "node-1", "http://localhost:9999")
	require.Error(t, err)
	assert.Equal(t, xerr.DuplicateNode, xerr.CodeOf(err))

	assert.Equal(t, xerr.BadRequest, xerr.CodeOf(r.Register(ctx, "", "addr")))
	assert.Equal(t, xerr.BadRequest, xerr.CodeOf(r.Register(ctx, "id", "")))
}

func TestDeregister(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "node-1", "a"))
	require.NoError(t, r.Deregister(ctx, "node-1"))
	_, ok := r.Get("node-1")
	assert.False(t, ok)

	assert.NoError(t, r.Deregister(ctx, "never-seen"), "unknown ids are a no-op")
	assert.NoError(t, r.Register(ctx, "node-1", "a"), "a removed node may register again")
}

func TestLeaseStateMachine(t *testing.T) {
	r, clock := newTestRegistry(t)
	require.NoError(t, r.Register(context.Background(), "n1", "a"))

	// Within the lease nothing changes.
	assert.Empty(t, r.Sweep(clock.Advance(9*time.Second)))

	events := r.Sweep(clock.Advance(2 * time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, cluster.NodeAlive, events[0].Prev)
	assert.Equal(t, cluster.NodeSuspected, events[0].Node.State)

	// A touch brings a suspected node back.
	assert.True(t, r.Touch("n1"))
	n, _ := r.Get("n1")
	assert.Equal(t, cluster.NodeAlive, n.State)

	r.Sweep(clock.Advance(15 * time.Second))
	events = r.Sweep(clock.Advance(15 * time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, cluster.NodeDead, events[0].Node.State)

	// Dead nodes are not revived by checks, only by registering again.
	assert.False(t, r.Touch("n1"))
	require.NoError(t, r.Register(context.Background(), "n1", "a2"))
	n, _ = r.Get("n1")
	assert.Equal(t, cluster.NodeAlive, n.State)
	assert.Equal(t, "a2", n.Addr)
}

func TestSweepSkipsStraightToDead(t *testing.T) {
	r, clock := newTestRegistry(t)
	require.NoError(t, r.Register(context.Background(), "n1", "a"))

	events := r.Sweep(clock.Advance(time.Minute))
	require.Len(t, events, 1)
	assert.Equal(t, cluster.NodeAlive, events[0].Prev)
	assert.Equal(t, cluster.NodeDead, events[0].Node.State)
	assert.Empty(t, r.Sweep(clock.Advance(time.Minute)))
}

func TestSuspect(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(context.Background(), "n1", "a"))

	assert.True(t, r.Suspect("n1"))
	assert.False(t, r.Suspect("n1"), "already suspected")
	assert.False(t, r.Suspect("missing"))

	counts := r.Counts()
	assert.Equal(t, 1, counts["suspected"])
	assert.Equal(t, 0, counts["alive"])
}

func TestListOrderedAndCopied(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(ctx, id, "addr-"+id))
	}

	nodes, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID})

	nodes[0].State = cluster.NodeDead
	n, _ := r.Get("a")
	assert.Equal(t, cluster.NodeAlive, n.State)
}

func TestWatch(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := r.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Register(context.Background(), "n1", "a"))
	r.Sweep(clock.Advance(11 * time.Second))
	require.NoError(t, r.Deregister(context.Background(), "n1"))

	want := []EventType{Joined, StateChanged, Left}
	for _, typ := range want {
		select {
		case ev := <-ch:
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, "n1", ev.Node.ID)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)

	// Emitting after the watcher left must not block or panic.
	require.NoError(t, r.Register(context.Background(), "n2", "b"))
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta", "coordinator.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)

	r, err := NewRegistry(Options{Store: store})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "n1", "http://n1"))
	require.NoError(t, r.Register(ctx, "n2", "http://n2"))
	require.NoError(t, r.Deregister(ctx, "n2"))

	require.NoError(t, store.SaveShards(ShardSnapshot{Version: 4, NumShards: 2, Assignments: [][]string{{"n1"}, {"n1"}}}))
	require.NoError(t, store.Close())

	store, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	restored, err := NewRegistry(Options{Store: store})
	require.NoError(t, err)
	nodes := restored.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, cluster.NodeSuspected, nodes[0].State, "restored nodes must prove liveness first")

	assert.True(t, restored.Touch("n1"))
	err = restored.Register(ctx, "n1", "http://n1")
	assert.Equal(t, xerr.DuplicateNode, xerr.CodeOf(err))

	snap, err := store.LoadShards()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(4), snap.Version)
	assert.Equal(t, [][]string{{"n1"}, {"n1"}}, snap.Assignments)
}

func TestLoadShardsEmpty(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.LoadShards()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "joined", Joined.String())
	assert.Equal(t, "left", Left.String())
	assert.Equal(t, "state_changed", StateChanged.String())
	assert.Equal(t, "unknown", EventType(0).String())
}

package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/membership"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/xerr"
)

// staticNodes is a NodeSource whose states tests flip directly.
type staticNodes struct {
	mu    sync.Mutex
	nodes []membership.Node
}

func newStaticNodes(ids ...string) *staticNodes {
	s := &staticNodes{}
	for _, id := range ids {
		s.nodes = append(s.nodes, membership.Node{ID: id, Addr: "http://" + id, State: cluster.NodeAlive})
	}
	return s
}

func (s *staticNodes) Nodes() []membership.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]membership.Node(nil), s.nodes...)
}

func (s *staticNodes) set(id string, st cluster.NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nodes {
		if s.nodes[i].ID == id {
			s.nodes[i].State = st
		}
	}
}

func newTestRouter(t *testing.T, nodes NodeSource, numShards, replicas int) *Router {
	t.Helper()
	r, err := NewRouter(nodes, RouterOptions{NumShards: numShards, Replicas: replicas})
	require.NoError(t, err)
	r.Rebalance()
	return r
}

func ids(nodes []cluster.NodeInfo) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestNewRouterValidation(t *testing.T) {
	_, err := NewRouter(newStaticNodes(), RouterOptions{NumShards: 0})
	assert.Error(t, err)

	r, err := NewRouter(newStaticNodes(), RouterOptions{NumShards: 4})
	require.NoError(t, err)
	assert.Nil(t, r.Table())
	assert.Equal(t, 4, r.NumShards())
}

func TestRouteWriteFollowsTable(t *testing.T) {
	r := newTestRouter(t, newStaticNodes("a", "b", "c"), 4, 3)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("doc-%d", i)
		targets, shardID, err := r.RouteWrite(key, 0)
		require.NoError(t, err)
		assert.Equal(t, cluster.ShardForKey(key, 4), shardID)
		assert.Equal(t, r.Table().Assignment(shardID).Nodes, ids(targets))

		again, _, _ := r.RouteWrite(key, 0)
		assert.Equal(t, ids(targets), ids(again), "routing must be deterministic")
	}
}

func TestRouteWriteReplicaNum(t *testing.T) {
	r := newTestRouter(t, newStaticNodes("a", "b", "c"), 4, 2)

	tests := []struct {
		name       string
		replicaNum int
		want       int
	}{
		{"default uses table width", 0, 2},
		{"truncate", 1, 1},
		{"extend with other nodes", 3, 3},
		{"capped by cluster size", 5, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, shardID, err := r.RouteWrite("k", tt.replicaNum)
			require.NoError(t, err)
			assert.Len(t, targets, tt.want)
			assert.Equal(t, r.Table().Assignment(shardID).Primary(), targets[0].ID)
			seen := map[string]bool{}
			for _, n := range targets {
				assert.False(t, seen[n.ID], "duplicate target %s", n.ID)
				seen[n.ID] = true
			}
		})
	}
}

func TestRouteWriteFailsOverToReplica(t *testing.T) {
	nodes := newStaticNodes("a", "b", "c")
	r := newTestRouter(t, nodes, 1, 3)
	require.Equal(t, []string{"a", "b", "c"}, r.Table().Assignment(0).Nodes)

	nodes.set("a", cluster.NodeSuspected)
	targets, _, err := r.RouteWrite("k", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, ids(targets))
	assert.Equal(t, cluster.NodeSuspected, targets[1].State, "down targets stay listed with their state")

	nodes.set("b", cluster.NodeDead)
	nodes.set("c", cluster.NodeDead)
	nodes.set("a", cluster.NodeDead)
	_, _, err = r.RouteWrite("k", 0)
	require.Error(t, err)
	assert.Equal(t, xerr.NoAvailableNode, xerr.CodeOf(err))
}

func TestRouteWriteBeforeFirstTable(t *testing.T) {
	r, err := NewRouter(newStaticNodes("b", "a"), RouterOptions{NumShards: 2, Replicas: 2})
	require.NoError(t, err)

	targets, _, err := r.RouteWrite("k", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(targets))
}

func TestRouteDelete(t *testing.T) {
	nodes := newStaticNodes("a", "b", "c")
	r := newTestRouter(t, nodes, 1, 3)

	targets, shardID, err := r.RouteDelete("k")
	require.NoError(t, err)
	assert.Equal(t, 0, shardID)
	assert.Equal(t, []string{"a", "b", "c"}, ids(targets))

	nodes.set("b", cluster.NodeSuspected)
	targets, _, err = r.RouteDelete("k")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(targets))
}

func TestRouteSearchReportsUnreachable(t *testing.T) {
	nodes := newStaticNodes("a", "b", "c")
	r := newTestRouter(t, nodes, 3, 1)

	targets, unreachable := r.RouteSearch()
	assert.Len(t, targets, 3)
	assert.Empty(t, unreachable)

	nodes.set("b", cluster.NodeDead)
	targets, unreachable = r.RouteSearch()
	assert.Len(t, targets, 2)
	assert.Equal(t, []int{1}, unreachable)
	for _, tgt := range targets {
		assert.NotEqual(t, "b", tgt.Node.ID)
	}
}

func TestRouteSearchPrefersPrimary(t *testing.T) {
	nodes := newStaticNodes("a", "b")
	r := newTestRouter(t, nodes, 2, 2)

	targets, _ := r.RouteSearch()
	require.Len(t, targets, 2)
	assert.Equal(t, "a", targets[0].Node.ID)
	assert.Equal(t, "b", targets[1].Node.ID)

	nodes.set("a", cluster.NodeSuspected)
	targets, _ = r.RouteSearch()
	assert.Equal(t, "b", targets[0].Node.ID)
	assert.Equal(t, []cluster.NodeInfo{{ID: "b", Addr: "http://b", State: cluster.NodeAlive}}, r.AliveHolders(0))
}

// keyInShard returns some key owned by shardID.
func keyInShard(t *testing.T, shardID, numShards int) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		if key := fmt.Sprintf("k%d", i); cluster.ShardForKey(key, numShards) == shardID {
			return key
		}
	}
	t.Fatalf("no key found for shard %d", shardID)
	return ""
}

// TestRouterRevivedNodeCatchesUp tests that a node coming back from
// suspected serves neither writes as primary nor reads until it is marked
// caught up.
func TestRouterRevivedNodeCatchesUp(t *testing.T) {
	nodes := newStaticNodes("a", "b", "c")
	r, err := NewRouter(nodes, RouterOptions{NumShards: 3, Replicas: 2})
	require.NoError(t, err)
	var pending map[int][]string
	r.OnCatchUp(func(_ *ShardTable, p map[int][]string) { pending = p })

	r.Rebalance()
	require.Equal(t, []string{"a", "b"}, r.Table().Assignment(0).Nodes)
	require.Equal(t, []string{"c", "a"}, r.Table().Assignment(2).Nodes)
	assert.Nil(t, pending, "the first table has nothing to catch up from")

	nodes.set("a", cluster.NodeSuspected)
	r.Rebalance()
	assert.Nil(t, pending)

	nodes.set("a", cluster.NodeAlive)
	r.Rebalance()
	assert.Equal(t, map[int][]string{0: {"a"}, 2: {"a"}}, pending)
	assert.True(t, r.CatchingUp(0, "a"))
	assert.False(t, r.CatchingUp(1, "a"))

	key := keyInShard(t, 0, 3)
	targets, _, err := r.RouteWrite(key, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(targets), "a still receives the write")

	search, unreachable := r.RouteSearch()
	assert.Empty(t, unreachable)
	for _, tgt := range search {
		assert.NotEqual(t, "a", tgt.Node.ID, "shard %d read from a node catching up", tgt.ShardID)
	}
	assert.Equal(t, []string{"b", "a"}, ids(r.AliveHolders(0)))

	r.MarkCaughtUp(0, "a")
	targets, _, err = r.RouteWrite(key, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(targets))
	search, _ = r.RouteSearch()
	assert.Equal(t, "a", search[0].Node.ID)
	assert.Equal(t, "c", search[2].Node.ID)
}

// TestRouterCatchingUpHolderServesWhenAlone tests that a holder catching up
// is still used when it is the only alive one.
func TestRouterCatchingUpHolderServesWhenAlone(t *testing.T) {
	nodes := newStaticNodes("a", "b")
	r, err := NewRouter(nodes, RouterOptions{NumShards: 1, Replicas: 2})
	require.NoError(t, err)
	r.Rebalance()

	nodes.set("a", cluster.NodeSuspected)
	r.Rebalance()
	nodes.set("a", cluster.NodeAlive)
	nodes.set("b", cluster.NodeSuspected)
	r.Rebalance()
	require.True(t, r.CatchingUp(0, "a"))

	targets, _, err := r.RouteWrite("k", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", targets[0].ID)
	search, unreachable := r.RouteSearch()
	assert.Empty(t, unreachable)
	assert.Equal(t, "a", search[0].Node.ID)
}

// TestRouterAddedHolderCatchesUp tests that a node moved into a shard by a
// rebalance is reported and kept out of reads.
func TestRouterAddedHolderCatchesUp(t *testing.T) {
	nodes := newStaticNodes("a", "b")
	r, err := NewRouter(nodes, RouterOptions{NumShards: 1, Replicas: 2})
	require.NoError(t, err)
	var pending map[int][]string
	r.OnCatchUp(func(_ *ShardTable, p map[int][]string) { pending = p })
	r.Rebalance()

	nodes.set("a", cluster.NodeDead)
	nodes.mu.Lock()
	nodes.nodes = append(nodes.nodes, membership.Node{ID: "c", Addr: "http://c", State: cluster.NodeAlive})
	nodes.mu.Unlock()
	r.Rebalance()

	require.Equal(t, []string{"b", "c"}, r.Table().Assignment(0).Nodes)
	assert.Equal(t, map[int][]string{0: {"c"}}, pending)
	search, _ := r.RouteSearch()
	assert.Equal(t, "b", search[0].Node.ID)
}

func TestMergeHits(t *testing.T) {
	tests := []struct {
		name     string
		perShard [][]storage.Hit
		topK     int
		want     []string
	}{
		{
			name: "interleaves by score",
			perShard: [][]storage.Hit{
				{{Key: "a", Score: 0.9}, {Key: "b", Score: 0.5}},
				{{Key: "c", Score: 0.7}},
			},
			topK: 2,
			want: []string{"a", "c"},
		},
		{
			name: "ties break by key",
			perShard: [][]storage.Hit{
				{{Key: "z", Score: 0.8}},
				{{Key: "m", Score: 0.8}},
			},
			topK: 10,
			want: []string{"m", "z"},
		},
		{
			name:     "empty",
			perShard: [][]storage.Hit{nil, {}},
			topK:     5,
			want:     []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := []string{}
			for _, h := range MergeHits(tt.perShard, tt.topK) {
				got = append(got, h.Key)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouterPersistsAndRestoresTable(t *testing.T) {
	store, err := membership.OpenBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer store.Close()

	nodes := newStaticNodes("a", "b")
	r, err := NewRouter(nodes, RouterOptions{NumShards: 2, Replicas: 2, Store: store})
	require.NoError(t, err)

	first := r.Rebalance()
	assert.Equal(t, uint64(1), first.Version)
	assert.Same(t, first, r.Rebalance(), "no change, no new table")

	restored, err := NewRouter(nodes, RouterOptions{NumShards: 2, Replicas: 2, Store: store})
	require.NoError(t, err)
	require.NotNil(t, restored.Table())
	assert.Equal(t, first.Version, restored.Table().Version)
	assert.Equal(t, assignments(first), assignments(restored.Table()))
}

func TestRouterRunRebalancesOnEvents(t *testing.T) {
	reg, err := membership.NewRegistry(membership.Options{})
	require.NoError(t, err)
	r, err := NewRouter(reg, RouterOptions{NumShards: 2, Replicas: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := reg.Watch(ctx)
	require.NoError(t, err)
	go r.Run(ctx, events)

	require.NoError(t, reg.Register(ctx, "a", "http://a"))
	assert.Eventually(t, func() bool {
		return r.Table() != nil && r.Table().Assignment(0).Primary() == "a"
	}, time.Second, 5*time.Millisecond)
}

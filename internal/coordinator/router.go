package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/membership"
	"github.com/dreamware/shardvec/internal/metrics"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/xerr"
)

// ErrNoAvailableNode is returned when no node holding a shard is alive.
var ErrNoAvailableNode = xerr.New(xerr.NoAvailableNode, "no available node")

// NodeSource supplies the current node list. *membership.Registry is one.
type NodeSource interface {
	Nodes() []membership.Node
}

// RouterOptions configures a Router.
type RouterOptions struct {
	NumShards int
	Replicas  int
	// Store persists every new table. Optional.
	Store   *membership.BoltStore
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Router maps keys to shards and shards to nodes.
//
// Routing reads the current table through an atomic pointer and never
// blocks on a rebalance; a rebalance builds a new table and swaps it in.
// Requests already in flight keep the target list they resolved.
//
// A holder that may have missed writes is catching up: it was added to the
// shard by a rebalance, or it came back to alive after being suspected.
// Until MarkCaughtUp it still receives writes and deletes, but it is never
// picked as primary or as the node answering reads while another alive
// holder is up to date.
type Router struct {
	nodes  NodeSource
	opts   RouterOptions
	logger *zap.Logger

	table     atomic.Pointer[ShardTable]
	mu        sync.Mutex                   // serialises rebalances
	states    map[string]cluster.NodeState // liveness seen by the last rebalance
	onCatchUp func(t *ShardTable, pending map[int][]string)

	staleMu sync.RWMutex
	stale   map[int]map[string]struct{} // shard -> holders catching up
}

// NewRouter creates a router over nodes. The initial table is restored
// from opts.Store when it matches the shard count.
func NewRouter(nodes NodeSource, opts RouterOptions) (*Router, error) {
	if opts.NumShards <= 0 {
		return nil, fmt.Errorf("num_shards must be positive, got %d", opts.NumShards)
	}
	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Router{
		nodes:  nodes,
		opts:   opts,
		logger: opts.Logger.Named("router"),
		states: make(map[string]cluster.NodeState),
		stale:  make(map[int]map[string]struct{}),
	}

	if opts.Store != nil {
		snap, err := opts.Store.LoadShards()
		if err != nil {
			return nil, fmt.Errorf("restore shard table: %w", err)
		}
		if t := TableFromSnapshot(snap, opts.NumShards, opts.Replicas); t != nil {
			r.table.Store(t)
			r.logger.Info("restored shard table", zap.Uint64("version", t.Version))
		}
	}
	return r, nil
}

// OnCatchUp registers a callback that receives, after each rebalance, the
// holders per shard that must be brought up to date before they serve
// reads again.
func (r *Router) OnCatchUp(fn func(t *ShardTable, pending map[int][]string)) {
	r.onCatchUp = fn
}

// Table returns the current table. It may be nil before the first
// rebalance.
func (r *Router) Table() *ShardTable {
	return r.table.Load()
}

// NumShards returns the configured shard count.
func (r *Router) NumShards() int {
	return r.opts.NumShards
}

// Rebalance recomputes the table from the current node list, publishes it
// if it changed, and reports holders that have to catch up.
func (r *Router) Rebalance() *ShardTable {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes := r.nodes.Nodes()
	revived := r.observe(nodes)
	prev := r.table.Load()
	next := Rebalance(prev, nodes, r.opts.NumShards, r.opts.Replicas)
	if next != prev {
		r.table.Store(next)
		r.logger.Info("shard table updated", zap.Uint64("version", next.Version))
		if r.opts.Metrics != nil {
			r.opts.Metrics.ShardTableVersion.Set(float64(next.Version))
		}
		if r.opts.Store != nil {
			if err := r.opts.Store.SaveShards(next.Snapshot()); err != nil {
				r.logger.Error("persist shard table", zap.Error(err))
			}
		}
	}

	pending := r.markStale(prev, next, revived)
	if len(pending) > 0 {
		r.logger.Info("holders catching up", zap.Any("shards", pending))
		if r.onCatchUp != nil {
			r.onCatchUp(next, pending)
		}
	}
	return next
}

// observe records the liveness of every node and returns the ids that are
// alive now but were not at the previous rebalance. Callers hold mu.
func (r *Router) observe(nodes []membership.Node) []string {
	var revived []string
	seen := make(map[string]cluster.NodeState, len(nodes))
	for _, n := range nodes {
		seen[n.ID] = n.State
		if before, ok := r.states[n.ID]; ok && before != cluster.NodeAlive && n.State == cluster.NodeAlive {
			revived = append(revived, n.ID)
		}
	}
	r.states = seen
	sort.Strings(revived)
	return revived
}

// markStale flags the holders added between prev and next, and every shard
// held by a revived node, as catching up. The first table has nothing to
// catch up from. Callers hold mu.
func (r *Router) markStale(prev, next *ShardTable, revived []string) map[int][]string {
	pending := make(map[int][]string)
	if !prev.empty() {
		for shardID, added := range Added(prev, next) {
			pending[shardID] = append(pending[shardID], added...)
		}
	}
	for _, id := range revived {
		for _, shardID := range next.NodeShards(id) {
			if !slices.Contains(pending[shardID], id) {
				pending[shardID] = append(pending[shardID], id)
			}
		}
	}

	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	for shardID, set := range r.stale {
		holders := next.Assignment(shardID).Nodes
		for id := range set {
			if !slices.Contains(holders, id) {
				delete(set, id)
			}
		}
	}
	for shardID, ids := range pending {
		sort.Strings(ids)
		set, ok := r.stale[shardID]
		if !ok {
			set = make(map[string]struct{})
			r.stale[shardID] = set
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}
	return pending
}

// CatchingUp reports whether nodeID may be missing writes for shardID.
func (r *Router) CatchingUp(shardID int, nodeID string) bool {
	r.staleMu.RLock()
	defer r.staleMu.RUnlock()
	_, ok := r.stale[shardID][nodeID]
	return ok
}

// MarkCaughtUp lets nodeID serve shardID again.
func (r *Router) MarkCaughtUp(shardID int, nodeID string) {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	delete(r.stale[shardID], nodeID)
}

// Run rebalances on every membership event until events is closed or ctx
// is done.
func (r *Router) Run(ctx context.Context, events <-chan membership.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.logger.Debug("membership event",
				zap.String("type", ev.Type.String()),
				zap.String("node_id", ev.Node.ID),
				zap.String("state", string(ev.Node.State)))
			r.Rebalance()
		case <-ctx.Done():
			return
		}
	}
}

// ShardForKey returns the shard that owns key.
func (r *Router) ShardForKey(key string) int {
	return cluster.ShardForKey(key, r.opts.NumShards)
}

func (r *Router) nodeIndex() map[string]cluster.NodeInfo {
	nodes := r.nodes.Nodes()
	idx := make(map[string]cluster.NodeInfo, len(nodes))
	for _, n := range nodes {
		idx[n.ID] = n.Info()
	}
	return idx
}

func (r *Router) resolve(ids []string, idx map[string]cluster.NodeInfo) []cluster.NodeInfo {
	out := make([]cluster.NodeInfo, 0, len(ids))
	for _, id := range ids {
		if n, ok := idx[id]; ok {
			out = append(out, n)
		} else {
			out = append(out, cluster.NodeInfo{ID: id, State: cluster.NodeDead})
		}
	}
	return out
}

// RouteWrite returns the targets for a write to key, primary first, along
// with the key's shard.
//
// The shard's node list is truncated or extended to replicaNum copies
// (replicaNum <= 0 means the configured replica count); extension appends
// other alive nodes in id order. If the primary is not alive, the first
// alive replica is moved to the front; a primary that is catching up is
// passed over the same way while an up to date holder is alive. Every
// target carries its liveness state so the primary can skip the ones that
// are down.
//
// Returns ErrNoAvailableNode when none of the targets is alive.
func (r *Router) RouteWrite(key string, replicaNum int) ([]cluster.NodeInfo, int, error) {
	shardID := r.ShardForKey(key)
	if replicaNum <= 0 {
		replicaNum = r.opts.Replicas
	}

	idx := r.nodeIndex()
	ids := r.Table().Assignment(shardID).Nodes
	if len(ids) > replicaNum {
		ids = ids[:replicaNum]
	}
	if len(ids) < replicaNum {
		var extra []string
		for id, n := range idx {
			if n.Alive() && !slices.Contains(ids, id) {
				extra = append(extra, id)
			}
		}
		sort.Strings(extra)
		for _, id := range extra {
			if len(ids) == replicaNum {
				break
			}
			ids = append(ids, id)
		}
	}

	targets := r.resolve(ids, idx)
	first := slices.IndexFunc(targets, func(n cluster.NodeInfo) bool {
		return n.Alive() && !r.CatchingUp(shardID, n.ID)
	})
	if first < 0 {
		first = slices.IndexFunc(targets, func(n cluster.NodeInfo) bool { return n.Alive() })
	}
	if first < 0 {
		return nil, shardID, fmt.Errorf("%w: shard %d", ErrNoAvailableNode, shardID)
	}
	if first > 0 {
		primary := targets[first]
		targets = append(targets[:first:first], targets[first+1:]...)
		targets = append([]cluster.NodeInfo{primary}, targets...)
	}
	return targets, shardID, nil
}

// RouteDelete returns every alive node holding key's shard.
func (r *Router) RouteDelete(key string) ([]cluster.NodeInfo, int, error) {
	shardID := r.ShardForKey(key)
	targets := r.aliveHolders(shardID, r.nodeIndex())
	if len(targets) == 0 {
		return nil, shardID, fmt.Errorf("%w: shard %d", ErrNoAvailableNode, shardID)
	}
	return targets, shardID, nil
}

// aliveHolders lists the alive holders of shardID in table order, with the
// ones catching up moved behind the rest.
func (r *Router) aliveHolders(shardID int, idx map[string]cluster.NodeInfo) []cluster.NodeInfo {
	var fresh, behind []cluster.NodeInfo
	for _, n := range r.resolve(r.Table().Assignment(shardID).Nodes, idx) {
		switch {
		case !n.Alive():
		case r.CatchingUp(shardID, n.ID):
			behind = append(behind, n)
		default:
			fresh = append(fresh, n)
		}
	}
	return append(fresh, behind...)
}

// ShardTarget is the node chosen to answer a query for one shard.
type ShardTarget struct {
	ShardID int
	Node    cluster.NodeInfo
}

// RouteSearch picks one node per shard: the primary if alive and up to
// date, otherwise the first such replica. Shards with no alive node are returned as
// unreachable.
func (r *Router) RouteSearch() ([]ShardTarget, []int) {
	idx := r.nodeIndex()
	var targets []ShardTarget
	var unreachable []int
	for s := 0; s < r.opts.NumShards; s++ {
		holders := r.aliveHolders(s, idx)
		if len(holders) == 0 {
			unreachable = append(unreachable, s)
			continue
		}
		targets = append(targets, ShardTarget{ShardID: s, Node: holders[0]})
	}
	return targets, unreachable
}

// AliveHolders returns every alive node holding shardID, primary first and
// holders catching up last.
func (r *Router) AliveHolders(shardID int) []cluster.NodeInfo {
	return r.aliveHolders(shardID, r.nodeIndex())
}

// MergeHits combines per-shard results into one ranking: score descending,
// key ascending on ties, truncated to topK.
//
// Example:
//
//	shard 0: [a 0.9, b 0.5]
//	shard 1: [c 0.7]
//	topK 2:  [a 0.9, c 0.7]
func MergeHits(perShard [][]storage.Hit, topK int) []storage.Hit {
	var all []storage.Hit
	for _, hits := range perShard {
		all = append(all, hits...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Key < all[j].Key
	})
	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}
	return all
}

// Added returns, per shard, the nodes present in next but not in prev.
func Added(prev, next *ShardTable) map[int][]string {
	out := make(map[int][]string)
	if next == nil {
		return out
	}
	for _, a := range next.Assignments {
		before := prev.Assignment(a.ShardID).Nodes
		for _, id := range a.Nodes {
			if !slices.Contains(before, id) {
				out[a.ShardID] = append(out[a.ShardID], id)
			}
		}
	}
	return out
}

package coordinator

import (
	"sort"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/membership"
)

// ShardAssignment lists the nodes holding one shard. Nodes[0] is the
// primary; the rest are replicas in promotion order.
type ShardAssignment struct {
	ShardID int      `json:"shard_id"`
	Nodes   []string `json:"nodes"`
}

// Primary returns the primary's id, or "" for an unassigned shard.
func (a ShardAssignment) Primary() string {
	if len(a.Nodes) == 0 {
		return ""
	}
	return a.Nodes[0]
}

// ShardTable is an immutable, versioned snapshot of every shard's
// assignment. Routers swap whole tables; nothing mutates one after it has
// been published.
//
// Example:
//
//	version 3, 4 shards, 2 copies
//	  shard 0: [node-1 node-2]
//	  shard 1: [node-2 node-3]
//	  shard 2: [node-3 node-1]
//	  shard 3: [node-1 node-2]
type ShardTable struct {
	Version     uint64            `json:"version"`
	NumShards   int               `json:"num_shards"`
	Replicas    int               `json:"replicas"`
	Assignments []ShardAssignment `json:"shards"`
}

// Assignment returns a copy of one shard's assignment.
func (t *ShardTable) Assignment(shardID int) ShardAssignment {
	if t == nil || shardID < 0 || shardID >= len(t.Assignments) {
		return ShardAssignment{ShardID: shardID}
	}
	a := t.Assignments[shardID]
	return ShardAssignment{ShardID: a.ShardID, Nodes: slices.Clone(a.Nodes)}
}

// NodeShards returns the shards a node holds, ascending.
func (t *ShardTable) NodeShards(nodeID string) []int {
	var out []int
	if t == nil {
		return out
	}
	for _, a := range t.Assignments {
		if slices.Contains(a.Nodes, nodeID) {
			out = append(out, a.ShardID)
		}
	}
	return out
}

// Snapshot converts the table to its persisted form.
func (t *ShardTable) Snapshot() membership.ShardSnapshot {
	snap := membership.ShardSnapshot{Version: t.Version, NumShards: t.NumShards}
	for _, a := range t.Assignments {
		snap.Assignments = append(snap.Assignments, slices.Clone(a.Nodes))
	}
	return snap
}

// TableFromSnapshot rebuilds a table from its persisted form. It returns
// nil when the snapshot does not match numShards.
func TableFromSnapshot(snap *membership.ShardSnapshot, numShards, replicas int) *ShardTable {
	if snap == nil || snap.NumShards != numShards || len(snap.Assignments) != numShards {
		return nil
	}
	t := &ShardTable{Version: snap.Version, NumShards: numShards, Replicas: replicas}
	for i, nodes := range snap.Assignments {
		t.Assignments = append(t.Assignments, ShardAssignment{ShardID: i, Nodes: slices.Clone(nodes)})
	}
	return t
}

func (t *ShardTable) equal(o *ShardTable) bool {
	if t == nil || o == nil || t.NumShards != o.NumShards || len(t.Assignments) != len(o.Assignments) {
		return false
	}
	for i := range t.Assignments {
		if !slices.Equal(t.Assignments[i].Nodes, o.Assignments[i].Nodes) {
			return false
		}
	}
	return true
}

func (t *ShardTable) empty() bool {
	if t == nil {
		return true
	}
	for _, a := range t.Assignments {
		if len(a.Nodes) > 0 {
			return false
		}
	}
	return true
}

// Rebalance computes the next shard table from prev and the current node
// list.
//
// Rules:
//   - With no previous assignment, shards are dealt round-robin:
//     primary = nodes[shard % n], replica i = nodes[(shard+i) % n].
//   - Members that are not dead keep their slots and their order, so when a
//     primary dies the first surviving replica becomes primary.
//   - Each shard holds min(replicas, non-dead nodes) copies; empty slots go
//     to the alive node holding the fewest slots, ties broken by id.
//
// If nothing changed prev is returned as is, so the version only moves when
// the assignment does.
func Rebalance(prev *ShardTable, nodes []membership.Node, numShards, replicas int) *ShardTable {
	var candidates, members []string
	registered := make(map[string]cluster.NodeState, len(nodes))
	for _, n := range nodes {
		registered[n.ID] = n.State
		if n.State == cluster.NodeDead {
			continue
		}
		members = append(members, n.ID)
		if n.State == cluster.NodeAlive {
			candidates = append(candidates, n.ID)
		}
	}
	sort.Strings(members)
	sort.Strings(candidates)
	if len(candidates) == 0 {
		candidates = members
	}

	width := replicas
	if width > len(members) {
		width = len(members)
	}

	next := &ShardTable{NumShards: numShards, Replicas: replicas}
	if prev != nil {
		next.Version = prev.Version
	}

	if prev.empty() || prev.NumShards != numShards || len(prev.Assignments) != numShards {
		pool := candidates
		if len(pool) < width {
			pool = members
		}
		for s := 0; s < numShards; s++ {
			a := ShardAssignment{ShardID: s}
			for i := 0; i < width; i++ {
				a.Nodes = append(a.Nodes, pool[(s+i)%len(pool)])
			}
			next.Assignments = append(next.Assignments, a)
		}
	} else {
		load := make(map[string]int)
		for s := 0; s < numShards; s++ {
			a := ShardAssignment{ShardID: s}
			for _, id := range prev.Assignments[s].Nodes {
				if st, ok := registered[id]; ok && st != cluster.NodeDead && len(a.Nodes) < width {
					a.Nodes = append(a.Nodes, id)
					load[id]++
				}
			}
			next.Assignments = append(next.Assignments, a)
		}
		for s := range next.Assignments {
			a := &next.Assignments[s]
			for len(a.Nodes) < width {
				pick := leastLoaded(candidates, a.Nodes, load)
				if pick == "" {
					break
				}
				a.Nodes = append(a.Nodes, pick)
				load[pick]++
			}
		}
	}

	if next.equal(prev) {
		return prev
	}
	next.Version++
	return next
}

func leastLoaded(candidates, exclude []string, load map[string]int) string {
	best := ""
	for _, id := range candidates {
		if slices.Contains(exclude, id) {
			continue
		}
		if best == "" || load[id] < load[best] {
			best = id
		}
	}
	return best
}

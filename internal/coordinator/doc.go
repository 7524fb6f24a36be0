// Package coordinator holds the control-plane logic of the coordinator
// process: the shard table, the router that resolves keys and shards to
// nodes, the health monitor that feeds node leases, and the hydrator that
// brings added or revived holders up to date.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│              COORDINATOR                 │
//	├──────────────────────────────────────────┤
//	│  membership.Registry  (leases, bbolt)    │
//	│        │ events                          │
//	│        v                                 │
//	│  Router ── Rebalance ──> ShardTable vN   │
//	│        │                    │            │
//	│        │                OnCatchUp        │
//	│        │                    v            │
//	│        │               Hydrator          │
//	│        v                                 │
//	│  RouteWrite / RouteDelete / RouteSearch  │
//	│                                          │
//	│  HealthMonitor ── Touch / Suspect ──>    │
//	│                   membership.Registry    │
//	└──────────────────────────────────────────┘
//
// # Shard Table
//
// Keys map to shards by murmur3 (see cluster.ShardForKey); shards map to
// nodes through a versioned ShardTable. Every shard has an ordered node
// list whose first entry is the primary:
//
//	shard 0: [node-1 node-2 node-3]
//	shard 1: [node-2 node-3 node-1]
//
// The first table is dealt round-robin over the alive nodes. Later tables
// are derived from the previous one: surviving members keep their slots in
// order, so when a primary dies its first replica is promoted, and empty
// slots go to the least loaded alive node. A table is never modified after
// it is published; the router swaps the pointer and bumps the version.
//
// # Routing
//
// Writes go to the shard's primary together with the full target list; the
// primary applies the write and replicates it. Deletes go to every alive
// holder. Queries go to one alive holder per shard, and shards with no
// alive holder are reported as unreachable so the caller can return a
// partial result.
//
// A holder added by a rebalance, or one that was suspected and is alive
// again, may be missing writes. The router keeps it catching up until the
// hydrator has reconciled it against the other holders. Such a holder is
// read last and is never chosen as primary while a caught up holder is
// alive.
//
// # Failure Detection
//
// A node is alive while its lease is renewed. The health monitor checks
// /health on every node each interval; success renews the lease, and a run
// of failures marks the node suspected straight away. Data nodes report
// replicas that miss writes through the same suspicion path.
//
// # Limitations
//
// Primaries only move when they fail. A node that joins a settled cluster
// fills replica slots, and shards keep their primary until it dies.
package coordinator

// Package shard wraps a shard's local store with the runtime bookkeeping a
// data node needs: lifecycle state, the role it last played for a write,
// and operation counters.
//
// # Overview
//
// A shard is the unit of data distribution. The coordinator maps each record
// key to a shard by hashing it, and assigns each shard an ordered list of
// nodes: the first is the primary, the rest are replicas. A data node holds
// one Shard per shard id it has been asked to serve, each backed by its own
// WAL directory:
//
//	<wal_dir>/
//	  shard-0/   WAL segments + snapshot for shard 0
//	  shard-3/
//
// # Key Space Partitioning
//
//	shard = murmur3_64(key) mod num_shards
//
// The hash depends only on the key, so routing is deterministic for as long
// as the shard count is unchanged. OwnsKey exposes the same computation so a
// node can reject writes for keys it should never see.
//
// # Lifecycle
//
//	           Open (replay)
//	               |
//	               v
//	  +--------> active <---------+
//	  |            |              |
//	  |   Replay   v              |
//	  +------ recovering ---------+
//	               |
//	            Close
//	               v
//	            closed
//
// A shard is recovering while its WAL is being replayed and must not serve
// reads or writes in that window.
//
// # Statistics
//
// Counters for gets, puts, deletes, searches and replicated writes are
// updated atomically and exposed through GetStats and Info for the node's
// /info and /shard/{id}/stats endpoints.
package shard

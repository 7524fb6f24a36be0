// Package storage implements the local store a data node keeps for each
// shard: a key to record table, a similarity index and an attribute filter
// index, all made durable through the shard's write-ahead log.
//
// # Overview
//
// A Store owns one WAL directory. Every Put and Delete is appended to the
// log and flushed before it touches memory, so the return of a successful
// call is the durability barrier the node relies on before it acknowledges
// a write upstream:
//
//	Put(record)
//	    |
//	    v
//	+-----------+   fsync    +---------------------------------+
//	| WAL append| ---------> | apply: records / index / attrs  |
//	+-----------+            +---------------------------------+
//
// # Records
//
// A Record carries a key, a fixed-dimension float32 vector, string
// attributes, optional provenance (file type and path) and optional chunk
// linkage (root key, chunk id, chunk text). A chunk id without a root key is
// rejected, as is a vector whose length differs from the deployment's
// dimension or whose components are all zero.
//
// # Similarity
//
// Scores are cosine similarity in [-1, 1]; higher is closer. A query
// threshold is a minimum similarity: hits scoring below it are dropped.
// Every node in a deployment uses the same metric, so scores from different
// shards can be merged by direct comparison.
//
// The Index interface is the pluggable nearest-neighbour primitive. The
// shipped FlatIndex is a brute-force scan over normalised vectors with a
// bounded heap; a graph index can replace it without touching the WAL or
// replication code.
//
// # Filters
//
// Attribute equality filters are answered from a roaring bitmap per
// attr=value pair. The intersection of the filter's bitmaps restricts the
// candidates the index scans, so top_k counts only matching records. A
// filter-only query (no vector) returns matching records ordered by key.
//
// # Recovery
//
// Open loads the newest snapshot and replays WAL entries newer than it.
// ReplayWAL does the same on a running store. Replay is idempotent:
// overwrite-by-key and no-op deletes mean applying an entry twice leaves the
// same state as applying it once. Snapshot writes the table to disk and
// checkpoints the log so old segments can be removed.
//
// # Concurrency Model
//
// Writes to the same key are linearised by a striped key lock held across
// the WAL append and the in-memory apply. Writes to different keys proceed
// concurrently and meet only at the WAL's append mutex. Reads take a shared
// lock on the tables. Snapshot and ReplayWAL exclude writers for their
// duration.
package storage

// Package cluster holds what the coordinator and the data nodes share: node
// identity, the wire types of both HTTP APIs, the response envelope, the
// JSON client, and the key to shard hash.
//
// # Overview
//
// The cluster is hub-and-spoke. Clients talk only to the coordinator; the
// coordinator talks to the data nodes, and a primary talks to its replicas
// when it propagates a write:
//
//	                 +--------------+
//	   client ---->  | Coordinator  |
//	                 |  registry    |
//	                 |  router      |
//	                 |  health mon  |
//	                 +------+-------+
//	                        |
//	       +----------------+----------------+
//	       |                |                |
//	 +-----v-----+    +-----v-----+    +-----v-----+
//	 |  Node 1   |--->|  Node 2   |    |  Node 3   |
//	 | shard 0 P |    | shard 0 R |    | shard 1 P |
//	 | shard 1 R |    | shard 2 P |    | shard 2 R |
//	 +-----------+    +-----------+    +-----------+
//
// # Envelope
//
// Every endpoint answers with the same JSON envelope:
//
//	{"code": 0, "message": "ok", "data": {...}}
//
// code is one of the stable values in package xerr and the HTTP status
// follows its class. PartialResult is the one non-zero code that still
// carries data and a 200.
//
// # Client
//
// Client encodes bodies with goccy/go-json, forwards the coordinator's
// request id in X-Request-ID, injects the W3C trace context of the calling
// span, and turns non-zero envelope codes back into *xerr.CodeError values
// so callers can branch on xerr.CodeOf across process boundaries. Failures
// to reach a peer surface as ErrUnreachable (code Unavailable).
//
// # Key Hashing
//
//	shard = murmur3_64(key) mod num_shards
//
// ShardForKey is the single definition used by the router and by the nodes.
package cluster

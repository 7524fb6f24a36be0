package cluster

import (
	"github.com/dreamware/shardvec/internal/aggregate"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/wal"
	"github.com/dreamware/shardvec/internal/xerr"
)

// NodeState is a node's liveness as seen by the coordinator.
type NodeState string

const (
	NodeAlive     NodeState = "alive"
	NodeSuspected NodeState = "suspected"
	NodeDead      NodeState = "dead"
)

// NodeInfo identifies a data node and where to reach it. State is filled in
// by the coordinator when it hands node lists out; nodes leave it empty when
// they register.
type NodeInfo struct {
	ID    string    `json:"id"`
	Addr  string    `json:"addr"`
	State NodeState `json:"state,omitempty"`
}

// Alive reports whether the node may receive traffic.
func (n NodeInfo) Alive() bool {
	return n.State == NodeAlive
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// NodeIDRequest is the body of POST /deregister and POST /suspect.
type NodeIDRequest struct {
	NodeID string `json:"node_id"`
}

// NodesResponse is the data of GET /nodes.
type NodesResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

// WriteRequest is a client write to the coordinator (add or update).
type WriteRequest struct {
	Record     storage.Record `json:"record"`
	ReplicaNum int            `json:"replica_num,omitempty"`
}

// BatchWriteRequest is the body of POST /records/batch.
type BatchWriteRequest struct {
	Records    []storage.Record `json:"records"`
	ReplicaNum int              `json:"replica_num,omitempty"`
}

// PrimaryWriteRequest is what the coordinator sends to a shard's primary.
// Replicas is the rest of the target list the coordinator resolved for this
// write; the primary propagates to exactly these nodes.
type PrimaryWriteRequest struct {
	Record     storage.Record `json:"record"`
	Replicas   []NodeInfo     `json:"replicas"`
	ReplicaNum int            `json:"replica_num"`
}

// WriteResult reports how a write was committed.
type WriteResult struct {
	Key      string `json:"key"`
	ShardID  int    `json:"shard_id"`
	Seq      uint64 `json:"seq,omitempty"`
	Acks     int    `json:"acks"`
	Required int    `json:"required"`
	Degraded bool   `json:"degraded"`
}

// BatchItemResult is the outcome of one record of a batch write.
type BatchItemResult struct {
	Key     string    `json:"key"`
	Code    xerr.Code `json:"code"`
	Message string    `json:"message,omitempty"`
}

// BatchWriteResponse is the data of POST /records/batch.
type BatchWriteResponse struct {
	Results   []BatchItemResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// ReplicateOp names the mutation carried by a ReplicateRequest.
type ReplicateOp string

const (
	OpPut    ReplicateOp = "put"
	OpDelete ReplicateOp = "delete"
)

// ReplicateRequest is a mutation forwarded to a replica by the shard's
// primary, or by the coordinator while a holder catches up.
//
// Version is the key's version after the mutation; the replica skips it
// when it already holds the key at that version or newer. With IfVersion
// set the replica applies it only while the key is at exactly that
// version, which is how a rollback undoes one specific write.
type ReplicateRequest struct {
	Op        ReplicateOp     `json:"op"`
	Key       string          `json:"key"`
	Record    *storage.Record `json:"record,omitempty"`
	Version   uint64          `json:"version,omitempty"`
	IfVersion *uint64         `json:"if_version,omitempty"`
	OriginSeq uint64          `json:"origin_seq"`
}

// Mutation converts the request to the store's form.
func (r ReplicateRequest) Mutation() (storage.Mutation, error) {
	op, err := wal.ParseOpType(string(r.Op))
	if err != nil {
		return storage.Mutation{}, xerr.New(xerr.BadRequest, err.Error())
	}
	version := r.Version
	if version == 0 && r.Record != nil {
		version = r.Record.Version
	}
	return storage.Mutation{
		Op:        op,
		Key:       r.Key,
		Record:    r.Record,
		Version:   version,
		IfVersion: r.IfVersion,
	}, nil
}

// ReplicateResponse carries the replica's own WAL sequence for the write.
// Applied is false when the replica already held a newer version.
type ReplicateResponse struct {
	Seq     uint64 `json:"seq"`
	Applied bool   `json:"applied"`
}

// VersionsResponse is the data of GET /shard/{id}/versions: the version of
// every live key and of every tombstone a node holds for the shard.
type VersionsResponse struct {
	ShardID int               `json:"shard_id"`
	Live    map[string]uint64 `json:"live"`
	Deleted map[string]uint64 `json:"deleted"`
}

// DeleteRootRequest asks a node to remove every chunk of a document.
type DeleteRootRequest struct {
	RootKey string `json:"root_key"`
}

// DeleteRootResponse reports how many chunks a node removed.
type DeleteRootResponse struct {
	Deleted int `json:"deleted"`
}

// DeleteResponse is the data of DELETE /records/{key}.
type DeleteResponse struct {
	Key           string   `json:"key"`
	DeletedOn     []string `json:"deleted_on"`
	ChunksDeleted int      `json:"chunks_deleted"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	storage.Query
	Aggregate bool `json:"aggregate,omitempty"`
}

// ShardSearchResponse is one shard's contribution to a query.
type ShardSearchResponse struct {
	ShardID int           `json:"shard_id"`
	Hits    []storage.Hit `json:"hits"`
}

// QueryResponse is the data of POST /query.
type QueryResponse struct {
	Hits              []storage.Hit               `json:"hits"`
	Partial           bool                        `json:"partial"`
	UnreachableShards []int                       `json:"unreachable_shards,omitempty"`
	Groups            []aggregate.Document        `json:"groups,omitempty"`
	Aggregated        map[string][]storage.Record `json:"aggregated,omitempty"`
}

// VectorsResponse is the data of GET /shard/{id}/vectors.
type VectorsResponse struct {
	ShardID int              `json:"shard_id"`
	Records []storage.Record `json:"records"`
	Count   int              `json:"count"`
}

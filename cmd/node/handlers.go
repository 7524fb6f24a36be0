package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/shard"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/tracing"
	"github.com/dreamware/shardvec/internal/xerr"
)

// NodeInfoResponse is the data of GET /info.
type NodeInfoResponse struct {
	ID        string            `json:"id"`
	Addr      string            `json:"addr"`
	State     string            `json:"state"`
	NumShards int               `json:"num_shards"`
	Shards    []shard.ShardInfo `json:"shards"`
}

// ShardStatsResponse is the data of GET /shard/{id}/stats.
type ShardStatsResponse struct {
	Info  shard.ShardInfo      `json:"info"`
	Ops   shard.OperationStats `json:"ops"`
	Store storage.StoreStats   `json:"store"`
}

// ReplayResponse is the data of POST /replay_wal.
type ReplayResponse struct {
	Shards int `json:"shards"`
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("PUT /shard/{id}/records", n.api("put", n.handlePut))
	mux.Handle("GET /shard/{id}/records/{key}", n.api("get", n.handleGet))
	mux.Handle("DELETE /shard/{id}/records/{key}", n.api("delete", n.handleDelete))
	mux.Handle("POST /shard/{id}/search", n.api("search", n.handleSearch))
	mux.Handle("POST /shard/{id}/replicate", n.api("replicate", n.handleReplicate))
	mux.Handle("POST /shard/{id}/delete_root", n.api("delete_root", n.handleDeleteRoot))
	mux.Handle("GET /shard/{id}/vectors", n.api("get_all_vectors", n.handleVectors))
	mux.Handle("GET /shard/{id}/versions", n.api("versions", n.handleVersions))
	mux.Handle("POST /shard/{id}/checkpoint", n.api("checkpoint", n.handleCheckpoint))
	mux.Handle("GET /shard/{id}/stats", n.api("shard_stats", n.handleShardStats))

	mux.Handle("POST /replay_wal", n.api("replay_wal", n.handleReplay))
	mux.Handle("POST /offline", n.api("offline", n.handleOffline))
	mux.Handle("GET /info", n.api("info", n.handleNodeInfo))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := n.ready(); err != nil {
			cluster.WriteError(w, err)
			return
		}
		cluster.WriteOK(w, map[string]string{"status": "ok", "id": n.ID})
	})
	if n.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", n.metrics.Handler())
	}
	return mux
}

type apiFunc func(r *http.Request) (any, error)

// api wraps fn in a span named after op, continuing the caller's trace,
// and adds request id propagation, envelope encoding and request metrics.
func (n *Node) api(op string, fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := tracing.Extract(r)
		if id := r.Header.Get(cluster.RequestIDHeader); id != "" {
			ctx = cluster.WithRequestID(ctx, id)
		}
		ctx, span := tracing.Start(ctx, "node."+op, attribute.String("shard_id", r.PathValue("id")))
		data, err := fn(r.WithContext(ctx))
		tracing.End(span, err)
		code := xerr.CodeOf(err)
		if err != nil {
			if code.IsServer() && code != xerr.Unavailable {
				n.logger.Error("request failed",
					zap.String("op", op),
					zap.String("request_id", cluster.RequestIDFrom(ctx)),
					zap.Error(err))
			}
			cluster.WriteJSON(w, code, err.Error(), data)
		} else {
			cluster.WriteOK(w, data)
		}
		n.metrics.ObserveRequest(op, code, start)
	})
}

// shardFromPath resolves the {id} path segment to an open shard.
func (n *Node) shardFromPath(r *http.Request) (*shard.Shard, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		return nil, xerr.New(xerr.BadRequest, "invalid shard id "+strconv.Quote(r.PathValue("id")))
	}
	return n.Shard(id)
}

// readyShard is shardFromPath for data operations, which wait for replay
// and stop once the node is offline. The caller runs release when done.
func (n *Node) readyShard(r *http.Request) (s *shard.Shard, release func(), err error) {
	release, err = n.enter()
	if err != nil {
		return nil, nil, err
	}
	s, err = n.shardFromPath(r)
	if err != nil {
		release()
		return nil, nil, err
	}
	return s, release, nil
}

func (n *Node) handlePut(r *http.Request) (any, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		return nil, xerr.New(xerr.BadRequest, "invalid shard id")
	}
	var req cluster.PrimaryWriteRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	// Accepted writes finish even if the caller goes away.
	res, err := n.Write(context.WithoutCancel(r.Context()), id, req)
	return res, err
}

func (n *Node) handleGet(r *http.Request) (any, error) {
	s, release, err := n.readyShard(r)
	if err != nil {
		return nil, err
	}
	defer release()
	rec, err := s.Get(r.PathValue("key"))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// handleDelete removes a key from this node's copy only. The coordinator
// sends it to every holder of the shard.
func (n *Node) handleDelete(r *http.Request) (any, error) {
	s, release, err := n.readyShard(r)
	if err != nil {
		return nil, err
	}
	defer release()
	key := r.PathValue("key")
	unlock := s.LockKey(key)
	defer unlock()
	start := time.Now()
	seq, prev, err := s.Delete(key)
	if err != nil {
		return nil, err
	}
	n.metrics.ObserveWrite("delete", start)
	return map[string]any{"key": key, "seq": seq, "existed": prev != nil}, nil
}

func (n *Node) handleSearch(r *http.Request) (any, error) {
	s, release, err := n.readyShard(r)
	if err != nil {
		return nil, err
	}
	defer release()
	var q storage.Query
	if err := cluster.DecodeBody(r, &q); err != nil {
		return nil, err
	}
	if err := q.Validate(n.cfg.Storage.VectorDim); err != nil {
		return nil, err
	}
	hits, err := s.Search(q)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []storage.Hit{}
	}
	return cluster.ShardSearchResponse{ShardID: s.ID, Hits: hits}, nil
}

func (n *Node) handleReplicate(r *http.Request) (any, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		return nil, xerr.New(xerr.BadRequest, "invalid shard id")
	}
	var req cluster.ReplicateRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	return n.Replicate(id, req)
}

func (n *Node) handleDeleteRoot(r *http.Request) (any, error) {
	s, release, err := n.readyShard(r)
	if err != nil {
		return nil, err
	}
	defer release()
	var req cluster.DeleteRootRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.RootKey == "" {
		return nil, xerr.New(xerr.BadRequest, "root_key is required")
	}
	deleted, err := s.DeleteByRoot(req.RootKey)
	return cluster.DeleteRootResponse{Deleted: deleted}, err
}

func (n *Node) handleVectors(r *http.Request) (any, error) {
	s, release, err := n.readyShard(r)
	if err != nil {
		return nil, err
	}
	defer release()
	records := s.Store.All()
	if records == nil {
		records = []storage.Record{}
	}
	return cluster.VectorsResponse{ShardID: s.ID, Records: records, Count: len(records)}, nil
}

// handleVersions lists the version of every key and tombstone in the
// shard, which the coordinator diffs when a copy catches up.
func (n *Node) handleVersions(r *http.Request) (any, error) {
	s, release, err := n.readyShard(r)
	if err != nil {
		return nil, err
	}
	defer release()
	live, deleted := s.Store.Versions()
	return cluster.VersionsResponse{ShardID: s.ID, Live: live, Deleted: deleted}, nil
}

func (n *Node) handleCheckpoint(r *http.Request) (any, error) {
	s, release, err := n.readyShard(r)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := s.Store.Snapshot(); err != nil {
		return nil, err
	}
	return s.Info(), nil
}

func (n *Node) handleShardStats(r *http.Request) (any, error) {
	s, err := n.shardFromPath(r)
	if err != nil {
		return nil, err
	}
	stats := s.GetStats()
	return ShardStatsResponse{Info: s.Info(), Ops: stats.Ops, Store: stats.Storage}, nil
}

func (n *Node) handleReplay(r *http.Request) (any, error) {
	if n.offline.Load() {
		return nil, ErrOffline
	}
	count, err := n.ReplayWAL()
	if err != nil {
		return nil, err
	}
	return ReplayResponse{Shards: count}, nil
}

func (n *Node) handleOffline(r *http.Request) (any, error) {
	if err := n.Offline(r.Context()); err != nil {
		// The node stays offline; the coordinator's lease sweep removes it.
		n.logger.Warn("deregister on offline failed", zap.Error(err))
	}
	return map[string]string{"id": n.ID, "state": n.state()}, nil
}

func (n *Node) handleNodeInfo(r *http.Request) (any, error) {
	shards := n.sortedShards()
	infos := make([]shard.ShardInfo, 0, len(shards))
	for _, s := range shards {
		infos = append(infos, s.Info())
	}
	return NodeInfoResponse{
		ID:        n.ID,
		Addr:      n.cfg.Node.Addr,
		State:     n.state(),
		NumShards: n.cfg.Cluster.NumShards,
		Shards:    infos,
	}, nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardvec/internal/aggregate"
	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/coordinator"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/tracing"
	"github.com/dreamware/shardvec/internal/xerr"
)

// batchParallelism bounds concurrent record writes of one batch.
const batchParallelism = 16

func shardPath(shardID int, format string, args ...any) string {
	return fmt.Sprintf("/shard/%d", shardID) + fmt.Sprintf(format, args...)
}

// handleAdd serves add_record (POST) and update_record (PUT). Both
// overwrite by key.
func (s *server) handleAdd(r *http.Request) (any, error) {
	var req cluster.WriteRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	res, err := s.write(r.Context(), req.Record, req.ReplicaNum)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *server) handleBatchAdd(r *http.Request) (any, error) {
	var req cluster.BatchWriteRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	if len(req.Records) == 0 {
		return nil, fmt.Errorf("%w: records is empty", xerr.ErrBadRequest)
	}

	resp := cluster.BatchWriteResponse{Results: make([]cluster.BatchItemResult, len(req.Records))}
	var (
		mu     sync.Mutex
		failed *multierror.Error
	)
	g, ctx := errgroup.WithContext(context.WithoutCancel(r.Context()))
	g.SetLimit(batchParallelism)
	for i := range req.Records {
		i := i
		g.Go(func() error {
			rec := req.Records[i]
			item := cluster.BatchItemResult{Key: rec.Key}
			if _, err := s.write(ctx, rec, req.ReplicaNum); err != nil {
				item.Code = xerr.CodeOf(err)
				item.Message = err.Error()
				mu.Lock()
				failed = multierror.Append(failed, fmt.Errorf("%s: %w", rec.Key, err))
				mu.Unlock()
			}
			resp.Results[i] = item
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range resp.Results {
		if item.Code == xerr.OK {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	if err := failed.ErrorOrNil(); err != nil {
		s.logger.Warn("batch add partially failed",
			zap.Int("succeeded", resp.Succeeded),
			zap.Int("failed", resp.Failed),
			zap.Error(err))
	}
	return resp, nil
}

// write validates rec and sends it to the primary of its shard together
// with the replica list. If the primary cannot be reached it is suspected
// and the write is routed once more, which lands on the promoted replica.
func (s *server) write(ctx context.Context, rec storage.Record, replicaNum int) (cluster.WriteResult, error) {
	ctx, span := tracing.Start(ctx, "coordinator.write", attribute.String("key", rec.Key))
	var err error
	defer func() { tracing.End(span, err) }()

	if err = rec.Validate(s.cfg.Storage.VectorDim); err != nil {
		return cluster.WriteResult{}, err
	}

	// An accepted write runs to completion even if the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout)
	defer cancel()

	var res cluster.WriteResult
	for attempt := 0; attempt < 2; attempt++ {
		var targets []cluster.NodeInfo
		var shardID int
		targets, shardID, err = s.router.RouteWrite(rec.Key, replicaNum)
		if err != nil {
			return res, err
		}
		primary := targets[0]
		req := cluster.PrimaryWriteRequest{Record: rec, Replicas: targets[1:], ReplicaNum: len(targets)}
		err = s.client.PutJSON(ctx, cluster.URL(primary.Addr, shardPath(shardID, "/records")), req, &res)
		if err == nil || xerr.CodeOf(err) != xerr.Unavailable {
			return res, err
		}
		s.logger.Warn("primary unreachable",
			zap.String("node_id", primary.ID),
			zap.Int("shard_id", shardID),
			zap.String("request_id", cluster.RequestIDFrom(ctx)),
			zap.Error(err))
		if !s.registry.Suspect(primary.ID) {
			return res, err
		}
		s.router.Rebalance()
	}
	return res, err
}

// handleGet reads a record from the first reachable holder of its shard.
func (s *server) handleGet(r *http.Request) (any, error) {
	key := r.PathValue("key")
	targets, shardID, err := s.router.RouteDelete(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	for _, n := range targets {
		var rec storage.Record
		err = s.client.GetJSON(ctx, cluster.URL(n.Addr, shardPath(shardID, "/records/%s", url.PathEscape(key))), &rec)
		if err == nil {
			return rec, nil
		}
		if xerr.CodeOf(err) != xerr.Unavailable {
			return nil, err
		}
	}
	return nil, err
}

// handleDelete removes a key from every alive holder of its shard. Unless
// ?cascade=false, chunks whose root_key is the key are removed from every
// shard as well. Deleting a missing key succeeds.
func (s *server) handleDelete(r *http.Request) (any, error) {
	key := r.PathValue("key")
	cascade := r.URL.Query().Get("cascade") != "false"

	ctx, span := tracing.Start(r.Context(), "coordinator.delete",
		attribute.String("key", key), attribute.Bool("cascade", cascade))
	var err error
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout)
	defer cancel()

	var resp cluster.DeleteResponse
	resp, err = s.deleteKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if cascade {
		resp.ChunksDeleted, err = s.deleteRoot(ctx, key)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *server) deleteKey(ctx context.Context, key string) (cluster.DeleteResponse, error) {
	resp := cluster.DeleteResponse{Key: key, DeletedOn: []string{}}
	targets, shardID, err := s.router.RouteDelete(key)
	if err != nil {
		return resp, err
	}

	var (
		mu     sync.Mutex
		failed *multierror.Error
	)
	var g errgroup.Group
	for _, n := range targets {
		n := n
		g.Go(func() error {
			u := cluster.URL(n.Addr, shardPath(shardID, "/records/%s", url.PathEscape(key)))
			err := s.client.DeleteJSON(ctx, u, nil)
			mu.Lock()
			defer mu.Unlock()
			switch xerr.CodeOf(err) {
			case xerr.OK, xerr.NotFound:
				resp.DeletedOn = append(resp.DeletedOn, n.ID)
			default:
				failed = multierror.Append(failed, fmt.Errorf("%s: %w", n.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(resp.DeletedOn)

	if len(resp.DeletedOn) == 0 {
		return resp, failed.ErrorOrNil()
	}
	if err := failed.ErrorOrNil(); err != nil {
		s.logger.Warn("delete missed some copies", zap.String("key", key), zap.Error(err))
	}
	return resp, nil
}

// deleteRoot removes the chunks of rootKey on every shard and returns how
// many distinct chunks went away.
func (s *server) deleteRoot(ctx context.Context, rootKey string) (int, error) {
	counts := make([]int, s.router.NumShards())
	var (
		mu     sync.Mutex
		failed *multierror.Error
	)
	var g errgroup.Group
	for shardID := 0; shardID < s.router.NumShards(); shardID++ {
		for _, n := range s.router.AliveHolders(shardID) {
			shardID, n := shardID, n
			g.Go(func() error {
				var out cluster.DeleteRootResponse
				err := s.client.PostJSON(ctx, cluster.URL(n.Addr, shardPath(shardID, "/delete_root")),
					cluster.DeleteRootRequest{RootKey: rootKey}, &out)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed = multierror.Append(failed, fmt.Errorf("shard %d on %s: %w", shardID, n.ID, err))
					return nil
				}
				if out.Deleted > counts[shardID] {
					counts[shardID] = out.Deleted
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	if err := failed.ErrorOrNil(); err != nil {
		s.logger.Warn("cascade delete missed some copies", zap.String("root_key", rootKey), zap.Error(err))
	}
	return total, nil
}

// handleQuery fans the query out to one holder per shard and merges the
// answers. Shards that do not answer before the search deadline make the
// result partial.
func (s *server) handleQuery(r *http.Request) (any, error) {
	var req cluster.QueryRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := req.Query.Validate(s.cfg.Storage.VectorDim); err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(r.Context(), "coordinator.query",
		attribute.Int("top_k", req.TopK), attribute.Bool("aggregate", req.Aggregate))
	var err error
	defer func() { tracing.End(span, err) }()

	targets, unreachable := s.router.RouteSearch()
	if len(targets) == 0 {
		err = fmt.Errorf("%w: no shard has an alive node", coordinator.ErrNoAvailableNode)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()

	perShard := make([][]storage.Hit, len(targets))
	failed := make([]bool, len(targets))
	var g errgroup.Group
	for i, tgt := range targets {
		i, tgt := i, tgt
		g.Go(func() error {
			hits, ok := s.searchShard(ctx, tgt.ShardID, req.Query)
			perShard[i] = hits
			failed[i] = !ok
			return nil
		})
	}
	_ = g.Wait()

	for i, tgt := range targets {
		if failed[i] {
			unreachable = append(unreachable, tgt.ShardID)
		}
	}
	sort.Ints(unreachable)

	resp := cluster.QueryResponse{
		Hits:              coordinator.MergeHits(perShard, req.TopK),
		Partial:           len(unreachable) > 0,
		UnreachableShards: unreachable,
	}
	if resp.Hits == nil {
		resp.Hits = []storage.Hit{}
	}
	if req.Aggregate {
		resp.Groups = aggregate.Group(resp.Hits)
		resp.Aggregated = aggregate.ToMap(resp.Groups)
	}
	if resp.Partial {
		s.metrics.UnreachableShards.Add(float64(len(unreachable)))
		err = xerr.New(xerr.PartialResult, fmt.Sprintf("%d of %d shards unreachable", len(unreachable), s.router.NumShards()))
		return resp, err
	}
	return resp, nil
}

// searchShard queries the alive holders of one shard in order until one
// answers.
func (s *server) searchShard(ctx context.Context, shardID int, q storage.Query) ([]storage.Hit, bool) {
	for _, n := range s.router.AliveHolders(shardID) {
		var out cluster.ShardSearchResponse
		err := s.client.PostJSON(ctx, cluster.URL(n.Addr, shardPath(shardID, "/search")), q, &out)
		if err == nil {
			return out.Hits, true
		}
		s.logger.Debug("shard search failed",
			zap.Int("shard_id", shardID),
			zap.String("node_id", n.ID),
			zap.Error(err))
		if ctx.Err() != nil || xerr.CodeOf(err).IsClient() {
			break
		}
	}
	return nil, false
}

func (s *server) handleRegister(r *http.Request) (any, error) {
	var req cluster.RegisterRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.registry.Register(r.Context(), req.Node.ID, req.Node.Addr); err != nil {
		return nil, err
	}
	s.router.Rebalance()
	n, _ := s.registry.Get(req.Node.ID)
	return n.Info(), nil
}

func (s *server) handleDeregister(r *http.Request) (any, error) {
	var req cluster.NodeIDRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.NodeID == "" {
		return nil, fmt.Errorf("%w: node_id is required", xerr.ErrBadRequest)
	}
	if err := s.registry.Deregister(r.Context(), req.NodeID); err != nil {
		return nil, err
	}
	s.router.Rebalance()
	return nil, nil
}

// handleSuspect lets a primary report a replica that missed writes.
func (s *server) handleSuspect(r *http.Request) (any, error) {
	var req cluster.NodeIDRequest
	if err := cluster.DecodeBody(r, &req); err != nil {
		return nil, err
	}
	if _, ok := s.registry.Get(req.NodeID); !ok {
		return nil, xerr.New(xerr.NotFound, "unknown node "+req.NodeID)
	}
	changed := s.registry.Suspect(req.NodeID)
	return map[string]bool{"changed": changed}, nil
}

func (s *server) handleListNodes(r *http.Request) (any, error) {
	return cluster.NodesResponse{Nodes: s.nodeInfos()}, nil
}

// NodeDetail is one node as the coordinator sees it.
type NodeDetail struct {
	Node       cluster.NodeInfo        `json:"node"`
	Shards     []int                   `json:"shards"`
	CatchingUp []int                   `json:"catching_up"`
	Healthy    bool                    `json:"healthy"`
	Health     *coordinator.NodeHealth `json:"health,omitempty"`
}

func (s *server) handleNode(r *http.Request) (any, error) {
	id := r.PathValue("id")
	n, ok := s.registry.Get(id)
	if !ok {
		return nil, xerr.New(xerr.NotFound, "unknown node "+id)
	}
	detail := NodeDetail{
		Node:       n.Info(),
		Shards:     s.router.Table().NodeShards(id),
		CatchingUp: []int{},
		Healthy:    s.monitor.IsHealthy(id),
		Health:     s.monitor.GetNodeHealth(id),
	}
	if detail.Shards == nil {
		detail.Shards = []int{}
	}
	for _, shardID := range detail.Shards {
		if s.router.CatchingUp(shardID, id) {
			detail.CatchingUp = append(detail.CatchingUp, shardID)
		}
	}
	return detail, nil
}

// handleHealth reports the coordinator as up and lists the nodes whose
// last health check failed.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	unhealthy := []string{}
	for id, h := range s.monitor.GetAllNodeHealth() {
		if h.Status == coordinator.StatusUnhealthy {
			unhealthy = append(unhealthy, id)
		}
	}
	sort.Strings(unhealthy)
	cluster.WriteOK(w, map[string]any{
		"status":    "ok",
		"nodes":     s.registry.Counts(),
		"unhealthy": unhealthy,
	})
}

func (s *server) handleShards(r *http.Request) (any, error) {
	if t := s.router.Table(); t != nil {
		return t, nil
	}
	return &coordinator.ShardTable{NumShards: s.router.NumShards(), Replicas: s.cfg.Cluster.ReplicaCount}, nil
}

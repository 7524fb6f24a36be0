// Package main implements the shardvec data node, which holds shard copies
// on local disk and serves them to the coordinator and to peer nodes.
//
// The node is a worker in the shardvec cluster, responsible for:
//   - Recovering every shard from its snapshot and WAL before serving
//   - Executing record operations (put, get, delete, search)
//   - Propagating primary writes to replicas and reporting quorum
//   - Applying replicated writes sent by other primaries
//   - Registering with the coordinator and deregistering when going offline
//   - Watching its data disk and leaving the cluster when it fills up
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /info         - Node information     │
//	│    /shard/*      - Shard operations     │
//	│    /replay_wal   - Rebuild from WAL     │
//	│    /offline      - Leave the cluster    │
//	│    /metrics      - Prometheus metrics   │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    shards map    - Open shard stores    │
//	│    replication   - Primary fan-out      │
//	│    disk monitor  - Usage and health     │
//	│    Registration  - Coordinator link     │
//	└─────────────────────────────────────────┘
//
// Configuration (environment, see internal/config):
//   - NODE_ID: Unique node identifier (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - COORDINATOR_ADDR: Coordinator URL (required)
//   - WAL_DIR: Root directory for shard data (default: "./data/wal")
//   - VECTOR_DIM: Expected vector dimension, 0 to accept any
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	WAL_DIR=/var/lib/shardvec/node-1 \
//	./node
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/config"
	"github.com/dreamware/shardvec/internal/logging"
	"github.com/dreamware/shardvec/internal/metrics"
	"github.com/dreamware/shardvec/internal/replication"
	"github.com/dreamware/shardvec/internal/shard"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/tracing"
	"github.com/dreamware/shardvec/internal/wal"
	"github.com/dreamware/shardvec/internal/xerr"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

var (
	// ErrReplaying is returned for data operations while the WAL replays.
	ErrReplaying = xerr.New(xerr.Unavailable, "node is replaying its WAL")
	// ErrOffline is returned once the node has been taken offline.
	ErrOffline = xerr.New(xerr.Unavailable, "node is offline")
	// ErrDiskUnhealthy is returned while the data disk fails its checks.
	ErrDiskUnhealthy = xerr.New(xerr.Unavailable, "node disk is unhealthy")
)

// Node is a data node holding shard copies on local disk.
//
// Shard management:
//   - Shards found under the data directory are opened at startup
//   - Other shards are created lazily when first addressed
//   - A shard is primary or replica per write, as the coordinator decides
//
// Concurrency model:
//   - Multiple readers can access the shard map concurrently
//   - Opening a shard takes the exclusive lock
//   - Data operations hold gate shared; Offline takes it exclusively to
//     wait for them
//   - Primary writes to one key run one at a time, rollback included
//   - Individual shards and stores handle their own synchronization
type Node struct {
	// shards maps shard IDs to their open stores.
	// Protected by mu.
	shards map[int]*shard.Shard

	// ID uniquely identifies this node in the cluster.
	ID string

	mu   sync.RWMutex
	gate sync.RWMutex

	cfg       *config.Config
	storeOpts storage.Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
	client    *cluster.Client
	repl      *replication.Manager
	disk      *metrics.SystemCollector

	// registerInterval is the first wait between registration attempts.
	registerInterval time.Duration

	replaying   atomic.Bool
	offline     atomic.Bool
	diskHealthy atomic.Bool

	wg sync.WaitGroup
}

// NewNode creates a node from cfg. No shard is opened until OpenShards.
func NewNode(cfg *config.Config, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		shards:           make(map[int]*shard.Shard),
		ID:               cfg.Node.ID,
		cfg:              cfg,
		logger:           logger,
		metrics:          metrics.New("node"),
		registerInterval: 500 * time.Millisecond,
		storeOpts: storage.Options{
			Dim:         cfg.Storage.VectorDim,
			Compression: wal.Compression(cfg.Storage.Compression),
			SegmentSize: cfg.Storage.SegmentSizeBytes,
			NoSync:      cfg.Storage.NoSync,
			Logger:      logger,
		},
	}
	n.diskHealthy.Store(true)

	timeout := config.ParseDuration(cfg.Replication.Timeout, 2*time.Second, logger)
	n.client = cluster.NewClient(timeout)
	n.repl = replication.NewManager(replication.NewHTTPTransport(n.client), replication.Options{
		Timeout:        timeout,
		MaxRetries:     cfg.Replication.MaxRetries,
		InitialBackoff: config.ParseDuration(cfg.Replication.InitialBackoff, 50*time.Millisecond, logger),
		Metrics:        n.metrics,
		Logger:         logger,
	})
	n.repl.OnReplicaFailure(n.reportReplicaFailure)

	interval := config.ParseDuration(cfg.Node.DiskCheckInterval, 10*time.Second, logger)
	n.disk = metrics.NewSystemCollector(n.metrics, cfg.Storage.WALDir, interval, cfg.Node.DiskMaxUsedPercent, logger)
	n.disk.OnDiskHealthChange(n.onDiskHealthChange)
	if cfg.Metrics.Enabled {
		n.disk.SampleSystem(config.ParseDuration(cfg.Metrics.SystemInterval, 15*time.Second, logger))
	}
	return n
}

// AddShard makes s available for operations, replacing any shard with the
// same ID.
func (n *Node) AddShard(s *shard.Shard) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shards[s.ID] = s
}

// GetShard returns the open shard with id, or nil.
func (n *Node) GetShard(id int) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[id]
}

// Shard returns shard id, opening it on first use. IDs outside the
// cluster's shard count are rejected.
func (n *Node) Shard(id int) (*shard.Shard, error) {
	if id < 0 || id >= n.cfg.Cluster.NumShards {
		return nil, xerr.New(xerr.BadRequest, fmt.Sprintf("shard %d out of range [0,%d)", id, n.cfg.Cluster.NumShards))
	}
	if s := n.GetShard(id); s != nil {
		return s, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.shards[id]; ok {
		return s, nil
	}
	s, err := shard.Open(n.cfg.Storage.WALDir, id, n.storeOpts)
	if err != nil {
		return nil, err
	}
	n.shards[id] = s
	n.logger.Info("opened shard", zap.Int("shard_id", id))
	return s, nil
}

// sortedShards returns the open shards ordered by ID.
func (n *Node) sortedShards() []*shard.Shard {
	n.mu.RLock()
	out := make([]*shard.Shard, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, s)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenShards opens every shard directory found under the data root. Each
// store recovers from its snapshot and WAL while opening, so the node holds
// its pre-crash state once this returns.
func (n *Node) OpenShards() error {
	root := n.cfg.Storage.WALDir
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}

	n.replaying.Store(true)
	defer n.replaying.Store(false)

	var result *multierror.Error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "shard-") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "shard-"))
		if err != nil {
			continue
		}
		if id >= n.cfg.Cluster.NumShards {
			n.logger.Warn("ignoring shard outside the configured count",
				zap.Int("shard_id", id), zap.Int("num_shards", n.cfg.Cluster.NumShards))
			continue
		}
		s, err := shard.Open(root, id, n.storeOpts)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		n.AddShard(s)
		n.logger.Info("recovered shard", zap.Int("shard_id", id), zap.Int("records", s.Store.Len()))
	}
	return result.ErrorOrNil()
}

// ReplayWAL rebuilds every open shard from its snapshot and WAL. Only one
// replay runs at a time; data operations are refused until it finishes.
func (n *Node) ReplayWAL() (int, error) {
	if !n.replaying.CompareAndSwap(false, true) {
		return 0, ErrReplaying
	}
	defer n.replaying.Store(false)

	var result *multierror.Error
	shards := n.sortedShards()
	for _, s := range shards {
		if err := s.Replay(); err != nil {
			result = multierror.Append(result, fmt.Errorf("replay shard %d: %w", s.ID, err))
		}
	}
	n.logger.Info("replayed WAL", zap.Int("shards", len(shards)))
	return len(shards), result.ErrorOrNil()
}

// Checkpoint snapshots every open shard so later recoveries replay less WAL.
func (n *Node) Checkpoint() error {
	var result *multierror.Error
	for _, s := range n.sortedShards() {
		if err := s.Store.Snapshot(); err != nil {
			result = multierror.Append(result, fmt.Errorf("checkpoint shard %d: %w", s.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// ready reports why the node cannot serve data operations, if it cannot.
func (n *Node) ready() error {
	switch {
	case n.offline.Load():
		return ErrOffline
	case n.replaying.Load():
		return ErrReplaying
	case !n.diskHealthy.Load():
		return ErrDiskUnhealthy
	}
	return nil
}

// enter admits a data operation and returns its release function. Offline
// waits for every admitted operation to release.
func (n *Node) enter() (func(), error) {
	n.gate.RLock()
	if err := n.ready(); err != nil {
		n.gate.RUnlock()
		return nil, err
	}
	return n.gate.RUnlock, nil
}

// state names the node's serving state for /info.
func (n *Node) state() string {
	switch n.ready() {
	case nil:
		return "ready"
	case ErrOffline:
		return "offline"
	case ErrReplaying:
		return "replaying"
	default:
		return "disk_unhealthy"
	}
}

// Write runs a primary write: append locally, propagate to the replicas
// the coordinator chose, and report whether a majority acknowledged. On
// quorum failure the local append and every replica the write was sent to
// are rolled back, so no failed write stays visible. Writes to one key are
// serialized from the local append through the rollback.
func (n *Node) Write(ctx context.Context, shardID int, req cluster.PrimaryWriteRequest) (cluster.WriteResult, error) {
	ctx, span := tracing.Start(ctx, "node.write")
	var err error
	defer func() { tracing.End(span, err) }()

	release, err := n.enter()
	if err != nil {
		return cluster.WriteResult{}, err
	}
	defer release()

	s, err := n.Shard(shardID)
	if err != nil {
		return cluster.WriteResult{}, err
	}
	rec := req.Record
	if err = rec.Validate(n.cfg.Storage.VectorDim); err != nil {
		return cluster.WriteResult{}, err
	}
	if !replication.CanReachQuorum(req.Replicas) {
		err = fmt.Errorf("%w: too few alive replicas for shard %d", replication.ErrQuorum, shardID)
		return cluster.WriteResult{}, err
	}

	unlock := s.LockKey(rec.Key)
	defer unlock()

	start := time.Now()
	s.SetPrimary(true)
	seq, prev, err := s.Put(rec)
	if err != nil {
		return cluster.WriteResult{}, err
	}
	n.metrics.ObserveWrite("put", start)

	stored := rec.Clone()
	stored.Version = s.Store.Version(rec.Key)
	op := replication.Op{
		ShardID:   shardID,
		Type:      cluster.OpPut,
		Key:       rec.Key,
		Record:    &stored,
		Version:   stored.Version,
		OriginSeq: seq,
	}
	res := n.repl.Propagate(ctx, op, req.Replicas)
	result := cluster.WriteResult{
		Key:      rec.Key,
		ShardID:  shardID,
		Seq:      seq,
		Acks:     res.Acks,
		Required: res.Required,
		Degraded: res.Degraded(),
	}
	if err = res.Err(); err != nil {
		n.rollback(context.WithoutCancel(ctx), s, op, prev, res.Attempted())
		result.Seq = 0
		return result, err
	}
	return result, nil
}

// rollback restores the state before op on this node, then sends the
// restored state to every replica op was sent to. The restored state gets
// a version above op's, so replicas drop op whether it arrives before or
// after the undo. Callers hold op's key lock.
func (n *Node) rollback(ctx context.Context, s *shard.Shard, op replication.Op, prev *storage.Record, attempted []cluster.NodeInfo) {
	var err error
	if prev == nil {
		_, _, err = s.Delete(op.Key)
	} else {
		_, _, err = s.Put(*prev)
	}
	if err != nil {
		n.logger.Error("local rollback failed", zap.Int("shard_id", op.ShardID), zap.String("key", op.Key), zap.Error(err))
		return
	}
	undo := op.Undo(prev, s.Store.Version(op.Key))
	if err := n.repl.Compensate(ctx, undo, attempted); err != nil {
		n.logger.Error("replica rollback failed", zap.Int("shard_id", op.ShardID), zap.String("key", op.Key), zap.Error(err))
	}
}

// Replicate applies a mutation forwarded by the shard's primary, or by the
// coordinator while a copy catches up. A mutation older than the copy's
// version of the key is skipped.
func (n *Node) Replicate(shardID int, req cluster.ReplicateRequest) (cluster.ReplicateResponse, error) {
	release, err := n.enter()
	if err != nil {
		return cluster.ReplicateResponse{}, err
	}
	defer release()

	s, err := n.Shard(shardID)
	if err != nil {
		return cluster.ReplicateResponse{}, err
	}
	m, err := req.Mutation()
	if err != nil {
		return cluster.ReplicateResponse{}, err
	}
	seq, applied, err := s.Apply(m)
	if err != nil {
		return cluster.ReplicateResponse{}, err
	}
	if !applied {
		n.logger.Debug("skipped stale replicated write",
			zap.Int("shard_id", shardID),
			zap.String("key", req.Key),
			zap.Uint64("version", m.Version))
	}
	return cluster.ReplicateResponse{Seq: seq, Applied: applied}, nil
}

// reportReplicaFailure asks the coordinator to suspect a replica that
// exhausted its retries.
func (n *Node) reportReplicaFailure(node cluster.NodeInfo, err error) {
	n.logger.Warn("replica failed", zap.String("replica", node.ID), zap.Error(err))
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		url := cluster.URL(n.cfg.Node.CoordinatorAddr, "/suspect")
		if err := n.client.PostJSON(ctx, url, cluster.NodeIDRequest{NodeID: node.ID}, nil); err != nil {
			n.logger.Warn("report suspect failed", zap.String("replica", node.ID), zap.Error(err))
		}
	}()
}

// onDiskHealthChange leaves the cluster when the data disk fails and joins
// again once it recovers.
func (n *Node) onDiskHealthChange(healthy bool, reason error) {
	n.diskHealthy.Store(healthy)
	if n.offline.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !healthy {
		n.logger.Error("disk unhealthy, deregistering", zap.Error(reason))
		if err := n.deregister(ctx); err != nil {
			n.logger.Warn("deregister failed", zap.Error(err))
		}
		return
	}
	n.logger.Info("disk healthy again, registering")
	if err := n.register(ctx); err != nil {
		n.logger.Warn("register failed", zap.Error(err))
	}
}

// register announces the node to the coordinator, retrying with
// exponential backoff. A DuplicateNode answer means the coordinator still
// holds this node's earlier registration, which is kept.
func (n *Node) register(ctx context.Context) error {
	url := cluster.URL(n.cfg.Node.CoordinatorAddr, "/register")
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: n.ID, Addr: n.cfg.Node.Addr}}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.registerInterval
	b.MaxInterval = 10 * n.registerInterval
	retries := n.cfg.Node.RegisterRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := n.client.PostJSON(ctx, url, body, nil)
		switch {
		case err == nil:
			n.logger.Info("registered with coordinator", zap.String("coordinator", n.cfg.Node.CoordinatorAddr))
			return nil
		case xerr.CodeOf(err) == xerr.DuplicateNode:
			n.logger.Info("already registered with coordinator")
			return nil
		case xerr.CodeOf(err).IsClient():
			return backoff.Permanent(err)
		}
		n.logger.Warn("register attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, policy)
}

// deregister removes the node from the coordinator's membership.
func (n *Node) deregister(ctx context.Context) error {
	url := cluster.URL(n.cfg.Node.CoordinatorAddr, "/deregister")
	err := n.client.PostJSON(ctx, url, cluster.NodeIDRequest{NodeID: n.ID}, nil)
	if xerr.CodeOf(err) == xerr.NotFound {
		return nil
	}
	return err
}

// Offline stops admitting data operations, waits for those in flight and
// deregisters the node. Stores stay open so a later restart recovers from a
// clean WAL.
func (n *Node) Offline(ctx context.Context) error {
	if n.offline.Swap(true) {
		return nil
	}
	n.logger.Info("going offline, draining requests")
	n.gate.Lock()
	n.logger.Info("drained")
	n.gate.Unlock()
	return n.deregister(ctx)
}

// Start launches the disk monitor and the checkpoint loop. Both stop when
// ctx is done.
func (n *Node) Start(ctx context.Context) {
	n.disk.Start()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-ctx.Done()
		n.disk.Stop()
	}()

	interval := config.ParseDuration(n.cfg.Node.CheckpointInterval, 5*time.Minute, n.logger)
	if interval <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := n.Checkpoint(); err != nil {
					n.logger.Error("checkpoint failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close waits for background work and closes every shard.
func (n *Node) Close() error {
	n.repl.Wait()
	n.wg.Wait()

	var result *multierror.Error
	for _, s := range n.sortedShards() {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close shard %d: %w", s.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// main recovers local shards, starts serving, registers with the
// coordinator and runs until SIGINT or SIGTERM.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logFatal("config: %v", err)
	}
	if cfg.Node.ID == "" {
		logFatal("missing env NODE_ID")
	}
	if cfg.Node.CoordinatorAddr == "" {
		logFatal("missing env COORDINATOR_ADDR")
	}

	logger := logging.Must(cfg.Logging).With(zap.String("node_id", cfg.Node.ID))
	defer logger.Sync()

	_, shutdownTracing, err := tracing.Init(cfg.Tracing, "shardvec-node", logger)
	if err != nil {
		logFatal("tracing: %v", err)
	}
	defer shutdownTracing()

	node := NewNode(cfg, logger)
	if err := node.OpenShards(); err != nil {
		logFatal("recover shards: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("node listening", zap.String("addr", cfg.Node.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	node.Start(ctx)

	regCtx, regCancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := node.register(regCtx); err != nil {
		logFatal("register: %v", err)
	}
	regCancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	if err := node.Close(); err != nil {
		logger.Error("close shards", zap.Error(err))
	}
	logger.Info("node stopped")
}

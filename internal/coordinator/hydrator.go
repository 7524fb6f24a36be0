package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/storage"
)

// Hydrator brings shard holders that are catching up level with the
// holders that are not, then lets the router read from them again.
//
//	table v1: shard 2 -> [n1 n3]
//	n3 dies, n4 joins
//	table v2: shard 2 -> [n1 n4]
//	catch up n4:
//	  GET  n4/shard/2/versions                      what n4 holds
//	  GET  n1/shard/2/vectors, n1/shard/2/versions  what n4 should hold
//	  POST n4/shard/2/replicate                     put newer records
//	  POST n4/shard/2/replicate                     delete keys n1 dropped
//	  router.MarkCaughtUp(2, n4)
//
// Every mutation carries a version. n4 skips a put or delete older than
// what it holds, so writes reaching n4 directly while the copy runs are
// kept. A key only n4 holds is deleted only while n4 still has it at the
// version listed first.
type Hydrator struct {
	router *Router
	client *cluster.Client
	logger *zap.Logger

	// Parallel bounds concurrent shard copies.
	Parallel int
	// MaxRetries and RetryInterval control retries of one holder's copy.
	MaxRetries    int
	RetryInterval time.Duration

	mu      sync.Mutex
	running sync.WaitGroup
}

// NewHydrator creates a hydrator that reads node addresses and catch-up
// state from router.
func NewHydrator(router *Router, client *cluster.Client, logger *zap.Logger) *Hydrator {
	if client == nil {
		client = cluster.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hydrator{
		router:        router,
		client:        client,
		logger:        logger.Named("hydrator"),
		Parallel:      4,
		MaxRetries:    5,
		RetryInterval: 500 * time.Millisecond,
	}
}

// OnCatchUp starts a background copy for every pending (shard, node) pair.
// It is meant to be passed to Router.OnCatchUp.
func (h *Hydrator) OnCatchUp(t *ShardTable, pending map[int][]string) {
	h.running.Add(1)
	go func() {
		defer h.running.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := h.Hydrate(ctx, pending); err != nil {
			h.logger.Error("hydration incomplete", zap.Uint64("version", t.Version), zap.Error(err))
		}
	}()
}

// Hydrate catches up the nodes listed per shard in pending. A node whose
// copy fails stays catching up.
func (h *Hydrator) Hydrate(ctx context.Context, pending map[int][]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		errMu  sync.Mutex
		result *multierror.Error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.Parallel)
	for shardID, targets := range pending {
		for _, target := range targets {
			shardID, target := shardID, target
			g.Go(func() error {
				if err := h.catchUpWithRetry(ctx, shardID, target); err != nil {
					errMu.Lock()
					result = multierror.Append(result, err)
					errMu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (h *Hydrator) catchUpWithRetry(ctx context.Context, shardID int, target string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.RetryInterval
	b.MaxInterval = 10 * h.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := h.catchUp(ctx, shardID, target)
		if err != nil {
			h.logger.Warn("catch up attempt failed",
				zap.Int("shard_id", shardID),
				zap.String("node_id", target),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, policy)
}

// catchUp runs one reconcile of target's copy of shardID.
func (h *Hydrator) catchUp(ctx context.Context, shardID int, target string) error {
	idx := h.router.nodeIndex()
	node, ok := idx[target]
	if !ok || !node.Alive() {
		return backoff.Permanent(fmt.Errorf("shard %d: %s is not alive", shardID, target))
	}

	// The target is listed before the sources, so a write reaching both
	// in between is seen by the sources.
	var have cluster.VersionsResponse
	if err := h.client.GetJSON(ctx, cluster.URL(node.Addr, fmt.Sprintf("/shard/%d/versions", shardID)), &have); err != nil {
		return fmt.Errorf("shard %d: list %s: %w", shardID, target, err)
	}

	var sources []cluster.NodeInfo
	for _, n := range h.router.AliveHolders(shardID) {
		if n.ID != target && !h.router.CatchingUp(shardID, n.ID) {
			sources = append(sources, n)
		}
	}
	if len(sources) == 0 {
		h.logger.Warn("no up to date holder to copy from, serving as is",
			zap.Int("shard_id", shardID), zap.String("node_id", target))
		h.router.MarkCaughtUp(shardID, target)
		return nil
	}

	want, used, err := h.collect(ctx, shardID, sources)
	if err != nil {
		return err
	}

	url := cluster.URL(node.Addr, fmt.Sprintf("/shard/%d/replicate", shardID))
	var puts, deletes, skipped int
	for _, req := range Reconcile(want, have) {
		var resp cluster.ReplicateResponse
		if err := h.client.PostJSON(ctx, url, req, &resp); err != nil {
			return fmt.Errorf("shard %d to %s: %w", shardID, target, err)
		}
		switch {
		case !resp.Applied:
			skipped++
		case req.Op == cluster.OpPut:
			puts++
		default:
			deletes++
		}
	}

	h.router.MarkCaughtUp(shardID, target)
	h.logger.Info("shard caught up",
		zap.Int("shard_id", shardID),
		zap.Strings("from", used),
		zap.String("to", target),
		zap.Int("puts", puts),
		zap.Int("deletes", deletes),
		zap.Int("skipped", skipped))
	return nil
}

// collect merges the state of every reachable source, keeping the newest
// version of each key. It fails when no source answers.
func (h *Hydrator) collect(ctx context.Context, shardID int, sources []cluster.NodeInfo) (map[string]KeyState, []string, error) {
	want := make(map[string]KeyState)
	var used []string
	var result *multierror.Error
	for _, n := range sources {
		var vectors cluster.VectorsResponse
		if err := h.client.GetJSON(ctx, cluster.URL(n.Addr, fmt.Sprintf("/shard/%d/vectors", shardID)), &vectors); err != nil {
			result = multierror.Append(result, fmt.Errorf("shard %d: read %s: %w", shardID, n.ID, err))
			continue
		}
		var versions cluster.VersionsResponse
		if err := h.client.GetJSON(ctx, cluster.URL(n.Addr, fmt.Sprintf("/shard/%d/versions", shardID)), &versions); err != nil {
			result = multierror.Append(result, fmt.Errorf("shard %d: list %s: %w", shardID, n.ID, err))
			continue
		}
		for i := range vectors.Records {
			rec := vectors.Records[i]
			if ks, seen := want[rec.Key]; !seen || rec.Version > ks.Version {
				want[rec.Key] = KeyState{Version: rec.Version, Record: &rec}
			}
		}
		for key, v := range versions.Deleted {
			if ks, seen := want[key]; !seen || v > ks.Version {
				want[key] = KeyState{Version: v}
			}
		}
		used = append(used, n.ID)
	}
	if len(used) == 0 {
		return nil, nil, fmt.Errorf("shard %d: no source answered: %w", shardID, result.ErrorOrNil())
	}
	return want, used, nil
}

// KeyState is the newest state of a key among the up to date holders. A
// nil Record is a delete.
type KeyState struct {
	Version uint64
	Record  *storage.Record
}

// Reconcile returns the mutations, ordered by key, that bring a holder
// listing have to want:
//
//   - a put for every record newer in want
//   - a delete for every key have holds that want deleted later
//   - a delete, guarded by the listed version, for every key have holds
//     that want does not know
func Reconcile(want map[string]KeyState, have cluster.VersionsResponse) []cluster.ReplicateRequest {
	var out []cluster.ReplicateRequest
	for key, ks := range want {
		cur, live := have.Live[key]
		if d := have.Deleted[key]; d > cur {
			cur = d
		}
		if ks.Version <= cur {
			continue
		}
		switch {
		case ks.Record != nil:
			out = append(out, cluster.ReplicateRequest{Op: cluster.OpPut, Key: key, Record: ks.Record, Version: ks.Version})
		case live:
			out = append(out, cluster.ReplicateRequest{Op: cluster.OpDelete, Key: key, Version: ks.Version})
		}
	}
	for key, v := range have.Live {
		if _, ok := want[key]; ok {
			continue
		}
		listed := v
		out = append(out, cluster.ReplicateRequest{Op: cluster.OpDelete, Key: key, Version: v + 1, IfVersion: &listed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Wait blocks until background copies started by OnCatchUp finish.
func (h *Hydrator) Wait() {
	h.running.Wait()
}

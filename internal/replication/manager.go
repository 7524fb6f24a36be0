// Package replication propagates a primary's writes to the shard's replicas
// and decides whether the write reached a majority of copies.
//
// The primary's own durable append is the first ack. Replicas are written in
// parallel, each with its own retry schedule; Propagate returns as soon as a
// majority of copies (primary included) has acknowledged, and the remaining
// sends finish in the background.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/metrics"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/xerr"
)

// ErrQuorum is returned when fewer than a majority of copies acknowledged.
var ErrQuorum = xerr.New(xerr.QuorumFailure, "write quorum not reached")

// Majority is the number of acks needed out of n copies.
func Majority(n int) int {
	return n/2 + 1
}

// Op is one mutation as the primary applied it. Version is the key's
// version after the mutation; replicas holding a newer one skip it.
type Op struct {
	ShardID   int
	Type      cluster.ReplicateOp
	Key       string
	Record    *storage.Record
	Version   uint64
	OriginSeq uint64
}

// Undo returns the op that restores the state before op, given the record
// op replaced (nil if the key was absent) and the version the primary gave
// the restored state. version is above op.Version, so the undo outranks op
// on every replica whichever of the two arrives first.
func (op Op) Undo(prev *storage.Record, version uint64) Op {
	undo := Op{ShardID: op.ShardID, Type: cluster.OpDelete, Key: op.Key, Version: version}
	if prev != nil {
		rec := prev.Clone()
		rec.Version = version
		undo.Type = cluster.OpPut
		undo.Record = &rec
	}
	return undo
}

// Transport delivers an op to one replica.
type Transport interface {
	Replicate(ctx context.Context, node cluster.NodeInfo, op Op) error
}

// Failure is a replica that did not acknowledge.
type Failure struct {
	NodeID string
	Node   cluster.NodeInfo
	Err    error
}

// Result summarises one propagation.
type Result struct {
	Copies   int // primary + replicas
	Acks     int // primary included
	Required int
	Acked    []cluster.NodeInfo
	Failed   []Failure
	Skipped  []string // replicas not alive at send time
}

// Err returns ErrQuorum when the write did not reach a majority.
func (r Result) Err() error {
	if r.Acks >= r.Required {
		return nil
	}
	return fmt.Errorf("%w: %d of %d acks, need %d", ErrQuorum, r.Acks, r.Copies, r.Required)
}

// Attempted returns every replica the op was sent to, acked or not. A
// replica whose answer was lost may still have applied the op.
func (r Result) Attempted() []cluster.NodeInfo {
	out := make([]cluster.NodeInfo, 0, len(r.Acked)+len(r.Failed))
	out = append(out, r.Acked...)
	for _, f := range r.Failed {
		out = append(out, f.Node)
	}
	return out
}

// Degraded reports whether some copy is missing the write.
func (r Result) Degraded() bool {
	return r.Acks < r.Copies
}

// Options configures a Manager.
type Options struct {
	// Timeout bounds every replica send, retries included.
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Manager runs propagation on a primary.
type Manager struct {
	transport Transport
	opts      Options
	logger    *zap.Logger
	onFailure func(node cluster.NodeInfo, err error)
	wg        sync.WaitGroup
}

// NewManager creates a Manager sending through t.
func NewManager(t Transport, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{transport: t, opts: opts, logger: opts.Logger.Named("replication")}
}

// OnReplicaFailure registers a callback for replicas that failed every
// retry. It also fires for sends that finish after Propagate returned.
func (m *Manager) OnReplicaFailure(fn func(node cluster.NodeInfo, err error)) {
	m.onFailure = fn
}

// CanReachQuorum reports whether enough replicas are alive for a write to
// succeed at all.
func CanReachQuorum(replicas []cluster.NodeInfo) bool {
	alive := 1
	for _, r := range replicas {
		if r.Alive() {
			alive++
		}
	}
	return alive >= Majority(1+len(replicas))
}

type outcome struct {
	node cluster.NodeInfo
	err  error
}

// Propagate sends op to every alive replica and waits until a majority of
// copies acknowledged or every replica answered.
func (m *Manager) Propagate(ctx context.Context, op Op, replicas []cluster.NodeInfo) Result {
	res := Result{Copies: 1 + len(replicas), Acks: 1}
	res.Required = Majority(res.Copies)

	var targets []cluster.NodeInfo
	for _, r := range replicas {
		if r.Alive() {
			targets = append(targets, r)
		} else {
			res.Skipped = append(res.Skipped, r.ID)
		}
	}

	// Sends outlive the caller's request once the majority is in.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.Timeout)
	results := make(chan outcome, len(targets))
	var pending sync.WaitGroup
	for _, node := range targets {
		pending.Add(1)
		m.wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer m.wg.Done()
			defer pending.Done()
			err := m.send(sendCtx, node, op)
			if err != nil {
				m.fail(node, op, err)
			} else if m.opts.Metrics != nil {
				m.opts.Metrics.ReplicationAcks.Inc()
			}
			results <- outcome{node: node, err: err}
		}(node)
	}
	go func() {
		pending.Wait()
		cancel()
	}()

	for received := 0; received < len(targets) && res.Acks < res.Required; received++ {
		o := <-results
		if o.err != nil {
			res.Failed = append(res.Failed, Failure{NodeID: o.node.ID, Node: o.node, Err: o.err})
			continue
		}
		res.Acks++
		res.Acked = append(res.Acked, o.node)
	}

	if res.Err() == nil && res.Degraded() {
		m.degraded(op, res)
	}
	return res
}

func (m *Manager) degraded(op Op, res Result) {
	m.logger.Warn("ReplicationDegraded",
		zap.Int("shard_id", op.ShardID),
		zap.String("key", op.Key),
		zap.Int("acks", res.Acks),
		zap.Int("copies", res.Copies),
		zap.Strings("skipped", res.Skipped))
	if m.opts.Metrics != nil {
		m.opts.Metrics.ReplicationDegraded.Inc()
	}
}

func (m *Manager) fail(node cluster.NodeInfo, op Op, err error) {
	m.logger.Warn("replica did not acknowledge",
		zap.String("node_id", node.ID),
		zap.Int("shard_id", op.ShardID),
		zap.String("key", op.Key),
		zap.Error(err))
	if m.opts.Metrics != nil {
		m.opts.Metrics.ReplicationFailures.Inc()
	}
	if m.onFailure != nil {
		m.onFailure(node, err)
	}
}

func (m *Manager) send(ctx context.Context, node cluster.NodeInfo, op Op) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.Timeout / 2
	b.MaxElapsedTime = m.opts.Timeout

	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := m.transport.Replicate(ctx, node, op)
		if err != nil && xerr.CodeOf(err).IsClient() {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.MaxRetries)), ctx))
}

// Compensate sends undo to every node that may hold the original op. It is
// best effort: every node is tried and the failures are returned together.
func (m *Manager) Compensate(ctx context.Context, undo Op, acked []cluster.NodeInfo) error {
	var mu sync.Mutex
	var result *multierror.Error
	var wg sync.WaitGroup
	for _, node := range acked {
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			if err := m.send(ctx, node, undo); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("compensate %s: %w", node.ID, err))
				mu.Unlock()
			}
		}(node)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// Wait blocks until every background send has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

package shard

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/storage"
)

// ShardState represents the lifecycle state of a shard on a node.
type ShardState string

const (
	// ShardStateActive indicates the shard is serving reads and writes.
	ShardStateActive ShardState = "active"

	// ShardStateRecovering indicates the shard is replaying its WAL and
	// must not serve traffic.
	ShardStateRecovering ShardState = "recovering"

	// ShardStateClosed indicates the shard's store has been closed.
	ShardStateClosed ShardState = "closed"
)

// Shard is one partition of the key space as held by a data node. It wraps
// the WAL-backed store and counts the operations that reach it.
//
// A node holds the same Shard object whether it is currently primary or
// replica for it; the role travels with each write request, so Primary only
// reflects the most recent write seen.
type Shard struct {
	ID    int            // Unique shard identifier
	Store *storage.Store // The storage backend for this shard
	Stats *ShardStats    // Operation statistics

	primary atomic.Bool
	mu      sync.RWMutex // Protects state changes
	state   ShardState

	// keys serialises whole primary writes per key, from the local append
	// through propagation and any rollback.
	keys [keyStripes]sync.Mutex
}

const keyStripes = 256

// ShardStats contains operational statistics for a shard.
type ShardStats struct {
	Ops     OperationStats     // Operation counts
	Storage storage.StoreStats // Storage statistics
}

// OperationStats tracks the number of operations performed on a shard.
// Counters are updated atomically.
type OperationStats struct {
	Gets       uint64 `json:"gets"`
	Puts       uint64 `json:"puts"`
	Deletes    uint64 `json:"deletes"`
	Searches   uint64 `json:"searches"`
	Replicated uint64 `json:"replicated"`
}

// ShardInfo provides a summary of shard information for reporting.
type ShardInfo struct {
	ID       int        `json:"id"`
	Primary  bool       `json:"primary"`
	State    ShardState `json:"state"`
	Records  int        `json:"records"`
	LastSeq  uint64     `json:"last_seq"`
	ByteSize int        `json:"bytes"`
}

// Dir returns the directory holding a shard's WAL and snapshot under root.
func Dir(root string, id int) string {
	return filepath.Join(root, fmt.Sprintf("shard-%d", id))
}

// Open opens (and recovers) the shard's store. opts.Dir is overridden with
// the shard's own directory under root.
func Open(root string, id int, opts storage.Options) (*Shard, error) {
	opts.Dir = Dir(root, id)
	store, err := storage.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open shard %d: %w", id, err)
	}
	return &Shard{
		ID:    id,
		Store: store,
		Stats: &ShardStats{},
		state: ShardStateActive,
	}, nil
}

// Get retrieves a record by key.
func (s *Shard) Get(key string) (storage.Record, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores a record, returning its WAL sequence and the record it
// replaced.
func (s *Shard) Put(rec storage.Record) (uint64, *storage.Record, error) {
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	return s.Store.Put(rec)
}

// Delete removes a record. Deleting an absent key is not an error.
func (s *Shard) Delete(key string) (uint64, *storage.Record, error) {
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	return s.Store.Delete(key)
}

// Apply runs a versioned mutation received from another holder.
func (s *Shard) Apply(m storage.Mutation) (uint64, bool, error) {
	atomic.AddUint64(&s.Stats.Ops.Replicated, 1)
	return s.Store.Apply(m)
}

// LockKey locks key for the duration of a primary write and returns the
// unlock function. Keys sharing a stripe wait for each other.
func (s *Shard) LockKey(key string) func() {
	m := &s.keys[murmur3.Sum32([]byte(key))%keyStripes]
	m.Lock()
	return m.Unlock
}

// DeleteByRoot deletes every chunk of rootKey, each under its key lock so
// it cannot interleave with a primary write to the same chunk.
func (s *Shard) DeleteByRoot(rootKey string) (int, error) {
	n := 0
	for _, k := range s.Store.ChunkKeys(rootKey) {
		unlock := s.LockKey(k)
		_, prev, err := s.Delete(k)
		unlock()
		if err != nil {
			return n, err
		}
		if prev != nil {
			n++
		}
	}
	return n, nil
}

// Search runs a query against the shard.
func (s *Shard) Search(q storage.Query) ([]storage.Hit, error) {
	atomic.AddUint64(&s.Stats.Ops.Searches, 1)
	return s.Store.Search(q)
}

// SetPrimary records whether this node acted as primary on the latest write.
func (s *Shard) SetPrimary(primary bool) {
	s.primary.Store(primary)
}

// OwnsKey determines if this shard is responsible for the given key.
func (s *Shard) OwnsKey(key string, numShards int) bool {
	if numShards <= 0 {
		return false
	}
	return cluster.ShardForKey(key, numShards) == s.ID
}

// GetStats returns a snapshot of the shard's statistics.
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:       atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:       atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes:    atomic.LoadUint64(&s.Stats.Ops.Deletes),
			Searches:   atomic.LoadUint64(&s.Stats.Ops.Searches),
			Replicated: atomic.LoadUint64(&s.Stats.Ops.Replicated),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns summary information about the shard.
func (s *Shard) Info() ShardInfo {
	st := s.Store.Stats()
	return ShardInfo{
		ID:       s.ID,
		Primary:  s.primary.Load(),
		State:    s.State(),
		Records:  st.Records,
		LastSeq:  st.LastSeq,
		ByteSize: st.VectorBytes,
	}
}

// State returns the shard's lifecycle state.
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the shard's lifecycle state.
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Replay rebuilds the shard's in-memory state from its snapshot and WAL.
// The shard reports ShardStateRecovering while this runs.
func (s *Shard) Replay() error {
	s.SetState(ShardStateRecovering)
	err := s.Store.ReplayWAL()
	s.SetState(ShardStateActive)
	return err
}

// Close closes the underlying store.
func (s *Shard) Close() error {
	s.SetState(ShardStateClosed)
	return s.Store.Close()
}

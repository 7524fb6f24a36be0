package storage

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/dreamware/shardvec/internal/wal"
)

// Options configures a Store.
type Options struct {
	// Dir holds the shard's WAL segments and snapshot.
	Dir string
	// Dim is the deployment's vector dimension. Zero disables the check.
	Dim         int
	Compression wal.Compression
	SegmentSize int64
	// NoSync disables fsync on the WAL. Only tests should set it.
	NoSync bool
	// NewIndex builds the similarity index. Defaults to NewFlatIndex.
	NewIndex func() Index
	// Clock feeds record versions. Defaults to the wall clock in
	// nanoseconds.
	Clock  func() uint64
	Logger *zap.Logger
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Records     int    `json:"records"`      // Number of records
	Tombstones  int    `json:"tombstones"`   // Deleted keys still versioned
	VectorBytes int    `json:"vector_bytes"` // Bytes held by vectors
	LastSeq     uint64 `json:"last_seq"`     // Newest applied WAL sequence
	Checkpoint  uint64 `json:"checkpoint"`   // Sequence covered by the snapshot
}

type slot struct {
	id  uint32
	rec Record
}

const lockStripes = 256

// Store is a shard's record table. Every mutation is appended to the WAL
// before it is applied to the record map, the similarity index and the
// attribute index.
//
// Lock order: applyMu, then the key stripe, then mu.
type Store struct {
	opts   Options
	logger *zap.Logger
	log    *wal.WAL

	// applyMu is held shared by writers and exclusively by Snapshot,
	// ReplayWAL and Close.
	applyMu sync.RWMutex
	stripes [lockStripes]sync.Mutex

	mu         sync.RWMutex
	records    map[string]*slot
	tombs      map[string]uint64 // deleted key -> version of the delete
	byID       map[uint32]string
	roots      map[string]map[string]struct{}
	index      Index
	attrs      *attrIndex
	nextID     uint32
	free       []uint32 // ids released by deletes
	appliedSeq uint64
	vecBytes   int
	closed     bool
}

// tombstone is the WAL payload of a delete.
type tombstone struct {
	Version uint64 `msgpack:"v"`
}

// Open opens the store in opts.Dir and rebuilds its state from the newest
// snapshot plus the WAL. The store must not serve traffic before Open
// returns.
func Open(opts Options) (*Store, error) {
	if opts.NewIndex == nil {
		opts.NewIndex = func() Index { return NewFlatIndex() }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = func() uint64 { return uint64(time.Now().UnixNano()) }
	}

	log, err := wal.Open(wal.Options{
		Dir:         opts.Dir,
		SegmentSize: opts.SegmentSize,
		Compression: opts.Compression,
		NoSync:      opts.NoSync,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{opts: opts, logger: opts.Logger, log: log}
	if err := s.rebuild(); err != nil {
		_ = log.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) reset() {
	s.records = make(map[string]*slot)
	s.tombs = make(map[string]uint64)
	s.byID = make(map[uint32]string)
	s.roots = make(map[string]map[string]struct{})
	s.index = s.opts.NewIndex()
	s.attrs = newAttrIndex()
	s.nextID = 0
	s.free = nil
	s.appliedSeq = 0
	s.vecBytes = 0
}

// rebuild resets in-memory state and reapplies the snapshot and the WAL.
// Callers hold applyMu exclusively or own the store outright.
func (s *Store) rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()

	snap, err := readSnapshot(s.opts.Dir)
	if err != nil {
		return err
	}
	if snap != nil {
		for _, rec := range snap.Records {
			s.applyPut(rec)
		}
		for key, version := range snap.Tombstones {
			s.tombs[key] = version
		}
		s.appliedSeq = snap.Seq
	}

	replayed := 0
	err = s.log.Replay(func(e wal.Entry) error {
		if e.Seq <= s.appliedSeq {
			return nil
		}
		switch e.Op {
		case wal.OpPut:
			var rec Record
			if err := msgpack.Unmarshal(e.Payload, &rec); err != nil {
				return fmt.Errorf("decode wal entry %d: %w", e.Seq, err)
			}
			s.applyPut(rec)
		case wal.OpDelete:
			version := s.versionLocked(e.Key) + 1
			if len(e.Payload) > 0 {
				var ts tombstone
				if err := msgpack.Unmarshal(e.Payload, &ts); err != nil {
					return fmt.Errorf("decode wal entry %d: %w", e.Seq, err)
				}
				version = ts.Version
			}
			s.applyDelete(e.Key, version)
		default:
			return fmt.Errorf("wal entry %d: unknown op %v", e.Seq, e.Op)
		}
		s.appliedSeq = e.Seq
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	s.logger.Info("store recovered",
		zap.String("dir", s.opts.Dir),
		zap.Int("records", len(s.records)),
		zap.Int("replayed", replayed),
		zap.Uint64("last_seq", s.appliedSeq))
	return nil
}

func (s *Store) lockKey(key string) func() {
	m := &s.stripes[murmur3.Sum32([]byte(key))%lockStripes]
	m.Lock()
	return m.Unlock
}

// Put inserts or overwrites a record with a freshly assigned version. It
// returns the WAL sequence of the write and the record it replaced, if any.
func (s *Store) Put(rec Record) (uint64, *Record, error) {
	if err := rec.Validate(s.opts.Dim); err != nil {
		return 0, nil, err
	}
	rec = rec.Clone()

	s.applyMu.RLock()
	defer s.applyMu.RUnlock()
	if s.isClosed() {
		return 0, nil, ErrClosed
	}

	unlock := s.lockKey(rec.Key)
	defer unlock()

	rec.Version = s.nextVersion(s.Version(rec.Key))
	return s.put(rec)
}

// Delete removes a record. Deleting an absent key succeeds; a tombstone is
// still logged so replicas see the same sequence of operations.
func (s *Store) Delete(key string) (uint64, *Record, error) {
	if key == "" {
		return 0, nil, fmt.Errorf("%w: key is required", ErrInvalidRecord)
	}

	s.applyMu.RLock()
	defer s.applyMu.RUnlock()
	if s.isClosed() {
		return 0, nil, ErrClosed
	}

	unlock := s.lockKey(key)
	defer unlock()

	return s.del(key, s.nextVersion(s.Version(key)))
}

// Mutation is a versioned write received from another holder of the shard.
type Mutation struct {
	Op      wal.OpType
	Key     string
	Record  *Record // OpPut only
	Version uint64
	// IfVersion applies the mutation only while the key is at exactly this
	// version (0 for a key never written). The key then takes Version even
	// when it is lower.
	IfVersion *uint64
}

// Apply runs m when it is newer than the store's version of the key, or,
// with IfVersion, when the key is still at that version. A zero Version
// without IfVersion is applied as a local write. It reports whether m was
// written; a skipped mutation is not an error.
func (s *Store) Apply(m Mutation) (uint64, bool, error) {
	if m.Key == "" {
		return 0, false, fmt.Errorf("%w: key is required", ErrInvalidRecord)
	}
	var rec Record
	switch m.Op {
	case wal.OpPut:
		if m.Record == nil {
			return 0, false, fmt.Errorf("%w: put requires a record", ErrInvalidRecord)
		}
		if m.Record.Key != m.Key {
			return 0, false, fmt.Errorf("%w: record key %q does not match %q", ErrInvalidRecord, m.Record.Key, m.Key)
		}
		if err := m.Record.Validate(s.opts.Dim); err != nil {
			return 0, false, err
		}
		rec = m.Record.Clone()
	case wal.OpDelete:
	default:
		return 0, false, fmt.Errorf("%w: unknown op %v", ErrInvalidRecord, m.Op)
	}

	s.applyMu.RLock()
	defer s.applyMu.RUnlock()
	if s.isClosed() {
		return 0, false, ErrClosed
	}

	unlock := s.lockKey(m.Key)
	defer unlock()

	cur := s.Version(m.Key)
	version := m.Version
	switch {
	case m.IfVersion != nil:
		if cur != *m.IfVersion {
			return 0, false, nil
		}
		if version == 0 && m.Op == wal.OpPut {
			version = s.nextVersion(cur)
		}
	case version == 0:
		version = s.nextVersion(cur)
	case version <= cur:
		return 0, false, nil
	}

	var (
		seq uint64
		err error
	)
	if m.Op == wal.OpPut {
		rec.Version = version
		seq, _, err = s.put(rec)
	} else {
		seq, _, err = s.del(m.Key, version)
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// put logs and applies rec. Callers hold applyMu shared and rec's stripe.
func (s *Store) put(rec Record) (uint64, *Record, error) {
	if s.exhausted(rec.Key) {
		return 0, nil, fmt.Errorf("put %s: %w", rec.Key, ErrShardFull)
	}
	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return 0, nil, fmt.Errorf("encode record %s: %w", rec.Key, err)
	}
	seq, err := s.log.Append(wal.OpPut, rec.Key, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", rec.Key, err)
	}

	s.mu.Lock()
	prev := s.applyPut(rec)
	s.advance(seq)
	s.mu.Unlock()
	return seq, prev, nil
}

// del logs and applies a tombstone. Callers hold applyMu shared and the
// key's stripe.
func (s *Store) del(key string, version uint64) (uint64, *Record, error) {
	payload, err := msgpack.Marshal(&tombstone{Version: version})
	if err != nil {
		return 0, nil, fmt.Errorf("encode tombstone %s: %w", key, err)
	}
	seq, err := s.log.Append(wal.OpDelete, key, payload)
	if err != nil {
		return 0, nil, fmt.Errorf("delete %s: %w", key, err)
	}

	s.mu.Lock()
	prev := s.applyDelete(key, version)
	s.advance(seq)
	s.mu.Unlock()
	return seq, prev, nil
}

// nextVersion returns a version above cur that also tracks the wall clock,
// so a key written by a newly promoted primary still sorts after the writes
// of the one it replaced.
func (s *Store) nextVersion(cur uint64) uint64 {
	if now := s.opts.Clock(); now > cur {
		return now
	}
	return cur + 1
}

// Version returns the version of key's record or tombstone, or 0 for a key
// never written.
func (s *Store) Version(key string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versionLocked(key)
}

func (s *Store) versionLocked(key string) uint64 {
	if sl, ok := s.records[key]; ok {
		return sl.rec.Version
	}
	return s.tombs[key]
}

// Versions returns the version of every live key and every tombstone.
func (s *Store) Versions() (live, deleted map[string]uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live = make(map[string]uint64, len(s.records))
	for k, sl := range s.records {
		live[k] = sl.rec.Version
	}
	return live, maps.Clone(s.tombs)
}

// exhausted reports whether inserting key would need an id the store no
// longer has.
func (s *Store) exhausted(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[key]; ok {
		return false
	}
	return len(s.free) == 0 && s.nextID == math.MaxUint32
}

// ChunkKeys returns the keys whose root key is rootKey, ordered.
func (s *Store) ChunkKeys(rootKey string) []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.roots[rootKey]))
	for k := range s.roots[rootKey] {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// advance moves the applied sequence forward. Writers on different keys
// may finish out of order. Callers hold mu.
func (s *Store) advance(seq uint64) {
	if seq > s.appliedSeq {
		s.appliedSeq = seq
	}
}

// applyPut installs rec and returns the record it replaced. Callers hold mu.
func (s *Store) applyPut(rec Record) *Record {
	var prev *Record
	var id uint32
	if old, ok := s.records[rec.Key]; ok {
		p := old.rec
		prev = &p
		s.unindex(old)
		s.index.Delete(old.id)
		id = old.id
	} else {
		id = s.allocID()
	}
	delete(s.tombs, rec.Key)

	sl := &slot{id: id, rec: rec}
	s.records[rec.Key] = sl
	s.byID[id] = rec.Key
	if err := s.index.Insert(id, normalize(rec.Vector)); err != nil {
		s.logger.Error("index insert failed", zap.String("key", rec.Key), zap.Error(err))
	}
	s.attrs.add(id, rec.Attrs)
	if rec.RootKey != "" {
		chunks, ok := s.roots[rec.RootKey]
		if !ok {
			chunks = make(map[string]struct{})
			s.roots[rec.RootKey] = chunks
		}
		chunks[rec.Key] = struct{}{}
	}
	s.vecBytes += 4 * len(rec.Vector)
	return prev
}

// allocID hands out an internal id, reusing ids freed by deletes first.
// Callers hold mu.
func (s *Store) allocID() uint32 {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		return id
	}
	s.nextID++
	return s.nextID
}

// applyDelete removes key, records the tombstone version and returns the
// removed record. Callers hold mu.
func (s *Store) applyDelete(key string, version uint64) *Record {
	s.tombs[key] = version
	old, ok := s.records[key]
	if !ok {
		return nil
	}
	s.unindex(old)
	s.index.Delete(old.id)
	delete(s.byID, old.id)
	delete(s.records, key)
	s.free = append(s.free, old.id)
	p := old.rec
	return &p
}

func (s *Store) unindex(old *slot) {
	s.attrs.remove(old.id, old.rec.Attrs)
	if root := old.rec.RootKey; root != "" {
		if chunks, ok := s.roots[root]; ok {
			delete(chunks, old.rec.Key)
			if len(chunks) == 0 {
				delete(s.roots, root)
			}
		}
	}
	s.vecBytes -= 4 * len(old.rec.Vector)
}

// Get returns a copy of the record stored under key.
func (s *Store) Get(key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}
	sl, ok := s.records[key]
	if !ok {
		return Record{}, ErrKeyNotFound
	}
	return sl.rec.Clone(), nil
}

// Search runs a similarity query, a filter-only query, or both. Filters are
// applied before ranking so top_k counts only matching records. A
// filter-only query returns matches ordered by key with a zero score.
func (s *Store) Search(q Query) ([]Hit, error) {
	if err := q.Validate(s.opts.Dim); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	allow := s.attrs.match(q.Filter)
	if allow != nil && allow.IsEmpty() {
		return []Hit{}, nil
	}

	if len(q.Vector) == 0 {
		keys := make([]string, 0, allow.GetCardinality())
		for _, id := range allow.ToArray() {
			if k, ok := s.byID[id]; ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		if len(keys) > q.TopK {
			keys = keys[:q.TopK]
		}
		hits := make([]Hit, 0, len(keys))
		for _, k := range keys {
			hits = append(hits, Hit{Key: k, Record: s.records[k].rec.Clone()})
		}
		return hits, nil
	}

	cands := s.index.Search(normalize(q.Vector), q.TopK, allow)
	hits := make([]Hit, 0, len(cands))
	for _, c := range cands {
		if q.Threshold != nil && c.Score < *q.Threshold {
			continue
		}
		key, ok := s.byID[c.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Key: key, Score: c.Score, Record: s.records[key].rec.Clone()})
	}
	return hits, nil
}

// All returns every record, ordered by key.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked()
}

func (s *Store) allLocked() []Record {
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.records[k].rec.Clone())
	}
	return out
}

// Keys returns every key, ordered.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReplayWAL discards in-memory state and rebuilds it from the snapshot and
// the log. Running it twice leaves the same state as running it once.
func (s *Store) ReplayWAL() error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}
	return s.rebuild()
}

// Snapshot writes every record to disk tagged with the last applied
// sequence, then checkpoints the WAL so older segments can be dropped.
func (s *Store) Snapshot() error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.isClosed() {
		return ErrClosed
	}

	s.mu.RLock()
	snap := snapshot{Seq: s.appliedSeq, Records: s.allLocked(), Tombstones: maps.Clone(s.tombs)}
	s.mu.RUnlock()

	if err := writeSnapshot(s.opts.Dir, s.opts.Compression, &snap); err != nil {
		return err
	}
	if snap.Seq == 0 {
		return nil
	}
	if err := s.log.Checkpoint(snap.Seq); err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}
	s.logger.Info("snapshot written",
		zap.String("dir", s.opts.Dir),
		zap.Int("records", len(snap.Records)),
		zap.Uint64("seq", snap.Seq))
	return nil
}

// Stats returns storage statistics
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		Records:     len(s.records),
		Tombstones:  len(s.tombs),
		VectorBytes: s.vecBytes,
		LastSeq:     s.appliedSeq,
		Checkpoint:  s.log.Checkpointed(),
	}
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close closes the WAL. Further operations return ErrClosed.
func (s *Store) Close() error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.log.Close(); err != nil && !errors.Is(err, wal.ErrClosed) {
		return err
	}
	return nil
}

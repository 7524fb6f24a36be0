// Package wal implements the per-shard write-ahead log.
//
// Every mutation a data node accepts is appended here and flushed to disk
// before the caller is told it succeeded. After a crash, Replay hands the
// entries back in sequence order so the store can rebuild itself.
//
// On-disk layout:
//
//	<dir>/
//	  00000000000000000001.wal   segment, named after its first sequence number
//	  00000000000000004097.wal
//	  CHECKPOINT                 highest sequence reflected in a snapshot
//
// Each segment starts with an 8 byte magic header followed by records:
//
//	+-----------+-----------+---------------------------------+
//	| len (u32) | crc (u32) | body: flag (1) | msgpack entry  |
//	+-----------+-----------+---------------------------------+
//
// The flag byte says whether the entry bytes are zstd compressed. It is
// stored per record so a log written with one compression setting can be
// replayed under another.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/shardvec/internal/xerr"
)

// OpType identifies the mutation recorded by an entry.
type OpType uint8

const (
	OpPut    OpType = 1
	OpDelete OpType = 2
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", o)
	}
}

// ParseOpType converts the wire name of an operation back to an OpType.
func ParseOpType(s string) (OpType, error) {
	switch strings.ToLower(s) {
	case "put":
		return OpPut, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown op type %q", s)
	}
}

// Entry is a single logged mutation.
type Entry struct {
	Seq     uint64 `msgpack:"s"`
	Op      OpType `msgpack:"o"`
	Key     string `msgpack:"k"`
	Payload []byte `msgpack:"p,omitempty"`
}

// Compression selects how entry bodies are stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Options configures a WAL.
type Options struct {
	Dir         string
	SegmentSize int64
	Compression Compression
	// NoSync skips fsync after each append. Only tests should set it.
	NoSync bool
}

const (
	DefaultSegmentSize = 64 << 20

	segmentExt     = ".wal"
	checkpointFile = "CHECKPOINT"
	recordHeader   = 8
	maxRecordSize  = 64 << 20

	flagPlain byte = 0
	flagZstd  byte = 1
)

var segmentMagic = []byte{'S', 'V', 'W', 'A', 'L', 0, 0, 1}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrClosed is returned by operations on a closed WAL.
	ErrClosed = errors.New("wal: closed")
	// ErrCorrupt is returned when a record outside the tail of the newest
	// segment cannot be read back.
	ErrCorrupt = errors.New("wal: corrupt segment")
	// ErrIOFailure marks an append that could not be made durable.
	ErrIOFailure = xerr.New(xerr.DurabilityFailure, "wal append failed")
)

type segment struct {
	path  string
	first uint64
}

// WAL is an append-only, segmented log. Appends are serialised by a single
// mutex; it is the only global lock on a shard's write path.
type WAL struct {
	opts Options

	mu         sync.Mutex
	segments   []segment
	file       *os.File
	size       int64
	lastSeq    uint64
	checkpoint uint64
	closed     bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens the log in opts.Dir, creating it if needed. The newest segment
// is scanned to recover the last sequence number and a torn tail left by a
// crash mid-append is cut off.
func Open(opts Options) (*WAL, error) {
	if opts.Dir == "" {
		return nil, errors.New("wal: directory is required")
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	if opts.Compression != CompressionNone && opts.Compression != CompressionZstd {
		return nil, fmt.Errorf("wal: unsupported compression %q", opts.Compression)
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	w := &WAL{opts: opts}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("wal: create decoder: %w", err)
	}
	w.decoder = decoder
	if opts.Compression == CompressionZstd {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("wal: create encoder: %w", err)
		}
		w.encoder = encoder
	}

	if err := w.recover(); err != nil {
		w.releaseCodecs()
		return nil, err
	}
	return w, nil
}

func (w *WAL) recover() error {
	ckpt, err := readCheckpoint(w.opts.Dir)
	if err != nil {
		return err
	}
	w.checkpoint = ckpt
	w.lastSeq = ckpt

	segments, err := listSegments(w.opts.Dir)
	if err != nil {
		return err
	}
	w.segments = segments

	if len(segments) == 0 {
		return w.openSegment(ckpt + 1)
	}

	tail := segments[len(segments)-1]
	last := tail.first - 1
	validEnd, torn, err := w.readSegment(tail.path, func(e Entry) error {
		last = e.Seq
		return nil
	})
	if err != nil {
		return err
	}
	if last > w.lastSeq {
		w.lastSeq = last
	}

	f, err := os.OpenFile(tail.path, os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	if torn || validEnd < int64(len(segmentMagic)) {
		if validEnd < int64(len(segmentMagic)) {
			validEnd = 0
		}
		if err := f.Truncate(validEnd); err != nil {
			f.Close()
			return fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	if _, err := f.Seek(validEnd, 0); err != nil {
		f.Close()
		return fmt.Errorf("wal: seek segment: %w", err)
	}
	if validEnd == 0 {
		if _, err := f.Write(segmentMagic); err != nil {
			f.Close()
			return fmt.Errorf("wal: write header: %w", err)
		}
		validEnd = int64(len(segmentMagic))
	}
	w.file = f
	w.size = validEnd
	return nil
}

func (w *WAL) openSegment(first uint64) error {
	path := filepath.Join(w.opts.Dir, fmt.Sprintf("%020d%s", first, segmentExt))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("wal: create segment: %w", err)
	}
	if _, err := f.Write(segmentMagic); err != nil {
		f.Close()
		return fmt.Errorf("wal: write header: %w", err)
	}
	if !w.opts.NoSync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("wal: sync header: %w", err)
		}
	}
	w.file = f
	w.size = int64(len(segmentMagic))
	w.segments = append(w.segments, segment{path: path, first: first})
	return nil
}

func (w *WAL) rotate(first uint64) error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("wal: close segment: %w", err)
		}
		w.file = nil
	}
	return w.openSegment(first)
}

// Append writes an entry and returns its sequence number once it is durable.
func (w *WAL) Append(op OpType, key string, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	seq := w.lastSeq + 1
	record, err := w.encode(Entry{Seq: seq, Op: op, Key: key, Payload: payload})
	if err != nil {
		return 0, err
	}

	if w.size > int64(len(segmentMagic)) && w.size+int64(len(record)) > w.opts.SegmentSize {
		if err := w.rotate(seq); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
	}

	if _, err := w.file.Write(record); err != nil {
		// Cut off whatever part of the record reached the file so the next
		// append does not land behind a torn record.
		_ = w.file.Truncate(w.size)
		_, _ = w.file.Seek(w.size, 0)
		return 0, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if !w.opts.NoSync {
		if err := w.file.Sync(); err != nil {
			_ = w.file.Truncate(w.size)
			_, _ = w.file.Seek(w.size, 0)
			return 0, fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
	}

	w.size += int64(len(record))
	w.lastSeq = seq
	return seq, nil
}

func (w *WAL) encode(e Entry) ([]byte, error) {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("wal: encode entry: %w", err)
	}

	flag := flagPlain
	if w.encoder != nil {
		data = w.encoder.EncodeAll(data, nil)
		flag = flagZstd
	}

	body := make([]byte, 0, 1+len(data))
	body = append(body, flag)
	body = append(body, data...)

	record := make([]byte, recordHeader+len(body))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(record[4:8], crc32.Checksum(body, crcTable))
	copy(record[recordHeader:], body)
	return record, nil
}

func (w *WAL) decode(body []byte) (Entry, error) {
	var e Entry
	if len(body) == 0 {
		return e, ErrCorrupt
	}
	data := body[1:]
	switch body[0] {
	case flagPlain:
	case flagZstd:
		out, err := w.decoder.DecodeAll(data, nil)
		if err != nil {
			return e, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
		}
		data = out
	default:
		return e, fmt.Errorf("%w: unknown flag %d", ErrCorrupt, body[0])
	}
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}
	return e, nil
}

// readSegment streams the records of one segment to fn. It reports the
// offset just past the last intact record and whether the file ends in a
// partial or checksum-failing record.
func (w *WAL) readSegment(path string, fn func(Entry) error) (int64, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("wal: read segment: %w", err)
	}
	if len(raw) < len(segmentMagic) || !bytes.Equal(raw[:len(segmentMagic)], segmentMagic) {
		return 0, true, nil
	}

	off := int64(len(segmentMagic))
	for off < int64(len(raw)) {
		if int64(len(raw))-off < recordHeader {
			return off, true, nil
		}
		n := int64(binary.LittleEndian.Uint32(raw[off : off+4]))
		sum := binary.LittleEndian.Uint32(raw[off+4 : off+8])
		if n > maxRecordSize || off+recordHeader+n > int64(len(raw)) {
			return off, true, nil
		}
		body := raw[off+recordHeader : off+recordHeader+n]
		if crc32.Checksum(body, crcTable) != sum {
			return off, true, nil
		}
		e, err := w.decode(body)
		if err != nil {
			return off, false, err
		}
		if err := fn(e); err != nil {
			return off, false, err
		}
		off += recordHeader + n
	}
	return off, false, nil
}

// Replay calls fn for every entry newer than the checkpoint, in sequence
// order. A damaged record anywhere but the tail of the newest segment is
// reported as ErrCorrupt; entries are never skipped.
func (w *WAL) Replay(fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	prev := w.checkpoint
	for i, seg := range w.segments {
		final := i == len(w.segments)-1
		_, torn, err := w.readSegment(seg.path, func(e Entry) error {
			if e.Seq <= w.checkpoint {
				return nil
			}
			if e.Seq != prev+1 {
				return fmt.Errorf("%w: sequence gap after %d (found %d)", ErrCorrupt, prev, e.Seq)
			}
			prev = e.Seq
			return fn(e)
		})
		if err != nil {
			return err
		}
		if torn && !final {
			return fmt.Errorf("%w: %s", ErrCorrupt, filepath.Base(seg.path))
		}
	}
	return nil
}

// Checkpoint records that every entry up to seq is reflected in a durable
// snapshot, and drops segments that hold nothing newer.
func (w *WAL) Checkpoint(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if seq > w.lastSeq {
		return fmt.Errorf("wal: checkpoint %d beyond last sequence %d", seq, w.lastSeq)
	}
	if seq <= w.checkpoint {
		return nil
	}

	if err := writeCheckpoint(w.opts.Dir, seq); err != nil {
		return err
	}
	w.checkpoint = seq

	if seq == w.lastSeq && w.size > int64(len(segmentMagic)) {
		if err := w.rotate(seq + 1); err != nil {
			return err
		}
	}

	kept := w.segments[:0]
	for i, seg := range w.segments {
		if i < len(w.segments)-1 && w.segments[i+1].first-1 <= seq {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: remove segment: %w", err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	w.segments = kept
	return nil
}

// LastSeq returns the sequence number of the newest durable entry.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Checkpointed returns the current checkpoint sequence.
func (w *WAL) Checkpointed() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

// Segments returns the number of segment files currently on disk.
func (w *WAL) Segments() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.segments)
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.file != nil {
		if !w.opts.NoSync {
			err = w.file.Sync()
		}
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	w.releaseCodecs()
	return err
}

func (w *WAL) releaseCodecs() {
	if w.encoder != nil {
		_ = w.encoder.Close()
	}
	if w.decoder != nil {
		w.decoder.Close()
	}
}

func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list dir: %w", err)
	}
	var segments []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		first, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segment{path: filepath.Join(dir, name), first: first})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].first < segments[j].first })
	return segments, nil
}

func readCheckpoint(dir string) (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(dir, checkpointFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wal: parse checkpoint: %w", err)
	}
	return seq, nil
}

func writeCheckpoint(dir string, seq uint64) error {
	tmp := filepath.Join(dir, checkpointFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("wal: write checkpoint: %w", err)
	}
	if _, err := f.WriteString(strconv.FormatUint(seq, 10)); err != nil {
		f.Close()
		return fmt.Errorf("wal: write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, checkpointFile)); err != nil {
		return fmt.Errorf("wal: install checkpoint: %w", err)
	}
	return nil
}

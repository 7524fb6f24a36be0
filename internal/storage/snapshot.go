package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/shardvec/internal/wal"
)

const (
	snapshotFile = "snapshot.db"

	snapPlain byte = 0
	snapZstd  byte = 1
)

var errBadSnapshot = errors.New("storage: malformed snapshot")

type snapshot struct {
	Seq        uint64            `msgpack:"seq"`
	Records    []Record          `msgpack:"records"`
	Tombstones map[string]uint64 `msgpack:"tombstones,omitempty"`
}

func writeSnapshot(dir string, compression wal.Compression, snap *snapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	flag := snapPlain
	if compression == wal.CompressionZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("create snapshot encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
		flag = snapZstd
	}

	tmp := filepath.Join(dir, snapshotFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if _, err := f.Write(append([]byte{flag}, data...)); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, snapshotFile)); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	return nil
}

// readSnapshot returns nil when no snapshot has been written yet.
func readSnapshot(dir string) (*snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(raw) == 0 {
		return nil, errBadSnapshot
	}

	data := raw[1:]
	switch raw[0] {
	case snapPlain:
	case snapZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create snapshot decoder: %w", err)
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadSnapshot, err)
		}
	default:
		return nil, errBadSnapshot
	}

	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadSnapshot, err)
	}
	return &snap, nil
}

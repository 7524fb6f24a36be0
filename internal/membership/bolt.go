package membership

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	nodesBucket  = []byte("nodes")
	shardsBucket = []byte("shards")
	tableKey     = []byte("table")
)

// ShardSnapshot is the persisted form of the coordinator's shard table.
// Assignments[i] lists the node ids of shard i, primary first.
type ShardSnapshot struct {
	Version     uint64     `msgpack:"version"`
	NumShards   int        `msgpack:"num_shards"`
	Assignments [][]string `msgpack:"assignments"`
}

// BoltStore persists registrations and the shard table in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the metadata file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create meta directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{nodesBucket, shardsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// PutNode stores or replaces a node record.
func (s *BoltStore) PutNode(n Node) error {
	data, err := msgpack.Marshal(&n)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Put([]byte(n.ID), data)
	})
}

// DeleteNode removes a node record. Removing an absent node is not an error.
func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Delete([]byte(id))
	})
}

// Nodes returns every stored node, ordered by id.
func (s *BoltStore) Nodes() ([]Node, error) {
	var nodes []Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, v []byte) error {
			var n Node
			if err := msgpack.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decode node %q: %w", k, err)
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	return nodes, err
}

// SaveShards stores the shard table.
func (s *BoltStore) SaveShards(snap ShardSnapshot) error {
	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shardsBucket).Put(tableKey, data)
	})
}

// LoadShards returns the stored shard table, or nil if none was saved.
func (s *BoltStore) LoadShards() (*ShardSnapshot, error) {
	var snap *ShardSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(shardsBucket).Get(tableKey)
		if data == nil {
			return nil
		}
		snap = &ShardSnapshot{}
		return msgpack.Unmarshal(data, snap)
	})
	return snap, err
}

// Close closes the file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

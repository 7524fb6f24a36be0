package storage

import (
	"fmt"
	"maps"
	"slices"

	"github.com/dreamware/shardvec/internal/xerr"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist in the store
	ErrKeyNotFound = xerr.New(xerr.NotFound, "key not found")

	// ErrInvalidRecord is returned for records or queries with a bad shape
	ErrInvalidRecord = xerr.New(xerr.BadRequest, "invalid record")

	// ErrDimensionMismatch is returned when a vector's length differs from
	// the deployment's configured dimension
	ErrDimensionMismatch = xerr.New(xerr.DimensionMismatch, "vector dimension mismatch")

	// ErrClosed is returned by operations on a closed store
	ErrClosed = xerr.New(xerr.Unavailable, "store closed")

	// ErrShardFull is returned when a shard has no internal ids left
	ErrShardFull = xerr.New(xerr.Internal, "shard is full")
)

// Record is a vector plus its metadata. Chunks of a larger document point
// back to it through RootKey.
type Record struct {
	Key       string            `json:"key" msgpack:"key"`
	Vector    []float32         `json:"vector" msgpack:"vector"`
	Attrs     map[string]string `json:"attrs,omitempty" msgpack:"attrs,omitempty"`
	FileType  string            `json:"file_type,omitempty" msgpack:"file_type,omitempty"`
	FilePath  string            `json:"file_path,omitempty" msgpack:"file_path,omitempty"`
	RootKey   string            `json:"root_key,omitempty" msgpack:"root_key,omitempty"`
	ChunkID   string            `json:"chunk_id,omitempty" msgpack:"chunk_id,omitempty"`
	ChunkText string            `json:"chunk_text,omitempty" msgpack:"chunk_text,omitempty"`
	// Version orders writes to the same key across the copies of a shard.
	// The store assigns it; a higher version wins.
	Version uint64 `json:"version,omitempty" msgpack:"version,omitempty"`
}

// Validate checks the record against a deployment dimension. A dim of zero
// skips the length check.
func (r *Record) Validate(dim int) error {
	if r.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidRecord)
	}
	if r.ChunkID != "" && r.RootKey == "" {
		return fmt.Errorf("%w: chunk_id %q set without root_key", ErrInvalidRecord, r.ChunkID)
	}
	return validateVector(r.Vector, dim)
}

// GroupKey is the document a record belongs to: its root key, or its own
// key when it is not a chunk.
func (r *Record) GroupKey() string {
	if r.RootKey != "" {
		return r.RootKey
	}
	return r.Key
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Vector = slices.Clone(r.Vector)
	if r.Attrs != nil {
		r.Attrs = maps.Clone(r.Attrs)
	}
	return r
}

func validateVector(v []float32, dim int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: vector is required", ErrInvalidRecord)
	}
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	for _, x := range v {
		if x != 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: zero vector", ErrInvalidRecord)
}

// Hit is one search result. Score is cosine similarity; higher is closer.
type Hit struct {
	Key    string  `json:"key"`
	Score  float32 `json:"score"`
	Record Record  `json:"record"`
}

// DefaultTopK is used when a query does not say how many hits it wants.
const DefaultTopK = 10

// Query selects records by vector similarity, exact attribute match, or both.
type Query struct {
	Vector []float32         `json:"vector,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
	TopK   int               `json:"top_k"`
	// Threshold is a minimum similarity. Hits scoring below it are dropped.
	Threshold *float32 `json:"threshold,omitempty"`
}

// Validate checks the query shape and fills in the default top_k.
func (q *Query) Validate(dim int) error {
	if len(q.Vector) == 0 && len(q.Filter) == 0 {
		return fmt.Errorf("%w: query needs a vector or a filter", ErrInvalidRecord)
	}
	if q.TopK < 0 {
		return fmt.Errorf("%w: top_k must not be negative", ErrInvalidRecord)
	}
	if q.TopK == 0 {
		q.TopK = DefaultTopK
	}
	if len(q.Vector) > 0 {
		return validateVector(q.Vector, dim)
	}
	return nil
}

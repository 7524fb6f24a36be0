package storage

import (
	"container/heap"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring"
)

// Candidate is an index-level match: an internal id and its similarity.
type Candidate struct {
	ID    uint32
	Score float32
}

// Index is the similarity-search primitive behind a Store. Store serialises
// Insert and Delete against Search, so implementations only need to allow
// concurrent Search calls.
type Index interface {
	// Insert adds or replaces the vector for id. The vector is already
	// L2-normalised.
	Insert(id uint32, vec []float32) error
	// Delete removes id. Unknown ids are ignored.
	Delete(id uint32)
	// Search returns up to k candidates ordered by descending score. When
	// allow is non-nil only ids contained in it are considered.
	Search(query []float32, k int, allow *roaring.Bitmap) []Candidate
	// Len reports the number of indexed vectors.
	Len() int
}

// FlatIndex is a brute-force index. Vectors are stored normalised so cosine
// similarity reduces to a dot product.
type FlatIndex struct {
	vectors map[uint32][]float32
}

// NewFlatIndex creates an empty brute-force index.
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{vectors: make(map[uint32][]float32)}
}

func (f *FlatIndex) Insert(id uint32, vec []float32) error {
	f.vectors[id] = vec
	return nil
}

func (f *FlatIndex) Delete(id uint32) {
	delete(f.vectors, id)
}

func (f *FlatIndex) Len() int {
	return len(f.vectors)
}

func (f *FlatIndex) Search(query []float32, k int, allow *roaring.Bitmap) []Candidate {
	if k <= 0 {
		return nil
	}
	h := &minHeap{}
	consider := func(id uint32, vec []float32) {
		score := dot(query, vec)
		if h.Len() < k {
			heap.Push(h, Candidate{ID: id, Score: score})
			return
		}
		if worse((*h)[0], Candidate{ID: id, Score: score}) {
			(*h)[0] = Candidate{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}

	if allow != nil {
		it := allow.Iterator()
		for it.HasNext() {
			id := it.Next()
			if vec, ok := f.vectors[id]; ok {
				consider(id, vec)
			}
		}
	} else {
		for id, vec := range f.vectors {
			consider(id, vec)
		}
	}

	out := make([]Candidate, h.Len())
	copy(out, *h)
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}

// worse orders candidates by score, breaking ties on id so results are
// deterministic.
func worse(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

type minHeap []Candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// normalize returns a unit-length copy of v.
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(norm))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

// Package aggregate folds chunk-level search hits back into the documents
// they were cut from.
//
// A record that carries a root_key is a chunk of the document with that key.
// Grouping never re-ranks: documents are ordered by the rank of their best
// hit, which is the first hit seen for them in an already ranked list, and
// chunks keep their relative order inside a document.
package aggregate

import "github.com/dreamware/shardvec/internal/storage"

// Document is every hit that belongs to one root key.
type Document struct {
	RootKey   string        `json:"root_key"`
	BestScore float32       `json:"best_score"`
	Hits      []storage.Hit `json:"hits"`
}

// Group buckets ranked hits by root key. A hit without a root key forms a
// document of its own, keyed by the hit's key.
//
// Example:
//
//	hits:   [c1(root=d1) 0.9, c2(root=d2) 0.8, c3(root=d1) 0.7]
//	groups: [d1: c1 c3] [d2: c2]
func Group(hits []storage.Hit) []Document {
	if len(hits) == 0 {
		return nil
	}
	pos := make(map[string]int)
	docs := make([]Document, 0, len(hits))
	for _, h := range hits {
		root := h.Record.GroupKey()
		i, ok := pos[root]
		if !ok {
			i = len(docs)
			pos[root] = i
			docs = append(docs, Document{RootKey: root, BestScore: h.Score})
		}
		docs[i].Hits = append(docs[i].Hits, h)
	}
	return docs
}

// ToMap flattens grouped documents into root_key -> records.
func ToMap(docs []Document) map[string][]storage.Record {
	out := make(map[string][]storage.Record, len(docs))
	for _, d := range docs {
		recs := make([]storage.Record, 0, len(d.Hits))
		for _, h := range d.Hits {
			recs = append(recs, h.Record)
		}
		out[d.RootKey] = recs
	}
	return out
}

package storage

import "github.com/RoaringBitmap/roaring"

// attrIndex is an inverted index from attr=value pairs to the internal ids
// of records carrying them.
type attrIndex struct {
	postings map[string]*roaring.Bitmap
}

func newAttrIndex() *attrIndex {
	return &attrIndex{postings: make(map[string]*roaring.Bitmap)}
}

func postingKey(attr, value string) string {
	return attr + "\x00" + value
}

func (a *attrIndex) add(id uint32, attrs map[string]string) {
	for k, v := range attrs {
		pk := postingKey(k, v)
		bm, ok := a.postings[pk]
		if !ok {
			bm = roaring.New()
			a.postings[pk] = bm
		}
		bm.Add(id)
	}
}

func (a *attrIndex) remove(id uint32, attrs map[string]string) {
	for k, v := range attrs {
		pk := postingKey(k, v)
		bm, ok := a.postings[pk]
		if !ok {
			continue
		}
		bm.Remove(id)
		if bm.IsEmpty() {
			delete(a.postings, pk)
		}
	}
}

// match returns the ids satisfying every pair in filter, or nil when the
// filter is empty.
func (a *attrIndex) match(filter map[string]string) *roaring.Bitmap {
	if len(filter) == 0 {
		return nil
	}
	bms := make([]*roaring.Bitmap, 0, len(filter))
	for k, v := range filter {
		bm, ok := a.postings[postingKey(k, v)]
		if !ok {
			return roaring.New()
		}
		bms = append(bms, bm)
	}
	return roaring.FastAnd(bms...)
}

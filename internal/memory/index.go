package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/atelier-ai/atelier/internal/common/apperr"
)

// indexEntry pairs a record with its embedding.
type indexEntry struct {
	rec    Record
	vector []float32
}

// Index is the bundled in-memory VectorStore. Collections are plain maps
// guarded by one RWMutex; search is a linear cosine scan, which is adequate
// for per-agent collections of development size.
type Index struct {
	mu          sync.RWMutex
	collections map[string]map[string]indexEntry // collection -> record id -> entry
}

// NewIndex creates an empty in-memory vector index.
func NewIndex() *Index {
	return &Index{collections: make(map[string]map[string]indexEntry)}
}

// Upsert stores or replaces a record by id.
func (x *Index) Upsert(_ context.Context, collection string, rec Record, vector []float32) error {
	if rec.ID == "" {
		return apperr.New(apperr.KindValidation, "record id must not be empty")
	}
	if len(vector) == 0 {
		return apperr.New(apperr.KindValidation, "vector must not be empty")
	}

	stored := make([]float32, len(vector))
	copy(stored, vector)

	x.mu.Lock()
	defer x.mu.Unlock()
	coll, ok := x.collections[collection]
	if !ok {
		coll = make(map[string]indexEntry)
		x.collections[collection] = coll
	}
	coll[rec.ID] = indexEntry{rec: rec, vector: stored}
	return nil
}

// Search scans the collection and returns the top hits by cosine similarity.
// A missing collection yields no hits rather than an error.
func (x *Index) Search(_ context.Context, collection string, vector []float32, limit int, filters map[string]string) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	coll := x.collections[collection]
	if len(coll) == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(coll))
	for _, entry := range coll {
		if !matchesFilters(entry.rec.Metadata, filters) {
			continue
		}
		hits = append(hits, Hit{Record: entry.rec, Score: cosine(vector, entry.vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DropCollection removes the collection entirely.
func (x *Index) DropCollection(_ context.Context, collection string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.collections, collection)
	return nil
}

// Close releases all collections.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.collections = make(map[string]map[string]indexEntry)
	return nil
}

// Count reports stored records in a collection, for metrics and tests.
func (x *Index) Count(collection string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.collections[collection])
}

func matchesFilters(metadata, filters map[string]string) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// cosine computes cosine similarity, tolerating mismatched lengths by
// treating missing components as zero.
func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		na += float64(v) * float64(v)
	}
	for _, v := range b {
		nb += float64(v) * float64(v)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/bull/recordsync/internal/storage"
)

// Vectors is an in-memory storage.VectorStore using brute-force cosine similarity.
type Vectors struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]storage.VectorEntry
}

var _ storage.VectorStore = (*Vectors)(nil)

func NewVectors(dimension int) *Vectors {
	if dimension <= 0 {
		dimension = storage.DefaultVectorDimension
	}
	return &Vectors{
		dimension: dimension,
		entries:   make(map[string]storage.VectorEntry),
	}
}

func matches(m storage.VectorMetadata, f storage.Filter) bool {
	if f.FileName != "" && m.FileName != f.FileName {
		return false
	}
	if f.Namespace != "" && m.Namespace != f.Namespace {
		return false
	}
	return true
}

func (v *Vectors) Upsert(ctx context.Context, entries []storage.VectorEntry) error {
	for _, e := range entries {
		if len(e.Values) != v.dimension {
			return fmt.Errorf("%w: %s has %d dimensions, expected %d",
				storage.ErrDimensionMismatch, e.ID, len(e.Values), v.dimension)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range entries {
		e.Metadata.Code = e.ID
		e.Values = append([]float32(nil), e.Values...)
		v.entries[e.ID] = e
	}
	return nil
}

// Put stores an entry as is, skipping dimension validation. It lets tests
// plant corrupted or orphaned entries.
func (v *Vectors) Put(entry storage.VectorEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[entry.ID] = entry
}

func (v *Vectors) Fetch(ctx context.Context, codes []string) (map[string]storage.VectorEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	found := make(map[string]storage.VectorEntry, len(codes))
	for _, code := range codes {
		if e, ok := v.entries[code]; ok {
			found[code] = e
		}
	}
	return found, nil
}

func (v *Vectors) Query(ctx context.Context, vector []float32, filter storage.Filter, topK int) ([]storage.Match, error) {
	if len(vector) != v.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			storage.ErrDimensionMismatch, len(vector), v.dimension)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var hits []storage.Match
	for id, e := range v.entries {
		if !matches(e.Metadata, filter) {
			continue
		}
		hits = append(hits, storage.Match{ID: id, Score: cosine(vector, e.Values), Metadata: e.Metadata})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (v *Vectors) IDs(ctx context.Context, filter storage.Filter, limit int) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var ids []string
	for _, id := range v.sortedIDs() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if matches(v.entries[id].Metadata, filter) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (v *Vectors) Orphans(ctx context.Context, limit int) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var ids []string
	for _, id := range v.sortedIDs() {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if v.entries[id].IsOrphan() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (v *Vectors) FileNames(ctx context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	set := make(map[string]struct{})
	for _, e := range v.entries {
		if e.Metadata.FileName != "" {
			set[e.Metadata.FileName] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (v *Vectors) Delete(ctx context.Context, codes []string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, code := range codes {
		if _, ok := v.entries[code]; ok {
			delete(v.entries, code)
			n++
		}
	}
	return n, nil
}

func (v *Vectors) UpdateMetadata(ctx context.Context, code string, metadata storage.VectorMetadata) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[code]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, code)
	}
	metadata.Code = code
	e.Metadata = metadata
	v.entries[code] = e
	return nil
}

func (v *Vectors) Stats(ctx context.Context) (*storage.IndexStats, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return &storage.IndexStats{TotalCount: uint64(len(v.entries)), Dimension: v.dimension}, nil
}

func (v *Vectors) Health(ctx context.Context) error { return nil }

// Len returns the number of stored entries.
func (v *Vectors) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// sortedIDs must be called with the lock held.
func (v *Vectors) sortedIDs() []string {
	ids := make([]string, 0, len(v.entries))
	for id := range v.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

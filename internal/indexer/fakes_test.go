package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/bull/recordsync/internal/embedding"
	"github.com/bull/recordsync/internal/storage"
	"github.com/bull/recordsync/internal/storage/memory"
)

const testDim = 4

// fakeEmbedder derives a vector from the code. Codes can be set to fail,
// to fail a number of times, to return a wrong dimension or to block.
type fakeEmbedder struct {
	mu        sync.Mutex
	dim       int
	fail      map[string]embedding.Kind
	failTimes map[string]int
	wrongDim  map[string]bool
	calls     map[string]int
	gate      chan struct{}
	gatePref  string
	entered   chan string
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		dim:       testDim,
		fail:      make(map[string]embedding.Kind),
		failTimes: make(map[string]int),
		wrongDim:  make(map[string]bool),
		calls:     make(map[string]int),
	}
}

func (f *fakeEmbedder) Model() string  { return "fake" }
func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	code, _, _ := strings.Cut(text, "\n")

	if f.gate != nil && strings.HasPrefix(code, f.gatePref) {
		if f.entered != nil {
			select {
			case f.entered <- code:
			default:
			}
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, &embedding.Failure{Kind: embedding.KindProvider, Model: "fake", Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	f.calls[code]++
	kind, fails := f.fail[code]
	if n := f.failTimes[code]; n > 0 {
		f.failTimes[code] = n - 1
		kind, fails = embedding.KindRateLimited, true
	}
	wrong := f.wrongDim[code]
	f.mu.Unlock()

	if fails {
		return nil, &embedding.Failure{Kind: kind, Model: "fake", Err: errors.New("injected")}
	}
	if wrong {
		return make([]float32, f.dim+1), nil
	}
	return vectorFor(code, f.dim), nil
}

func (f *fakeEmbedder) callsFor(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[code]
}

func vectorFor(code string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(code))
	seed := h.Sum32()
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32((seed>>(i*4))&0xF) + 1
	}
	return v
}

// flakyVectors fails upserts and deletes of batches containing listed codes.
type flakyVectors struct {
	*memory.Vectors
	mu         sync.Mutex
	failUpsert map[string]bool
	failDelete map[string]bool
	failAll    bool
}

func newFlakyVectors() *flakyVectors {
	return &flakyVectors{
		Vectors:    memory.NewVectors(testDim),
		failUpsert: make(map[string]bool),
		failDelete: make(map[string]bool),
	}
}

func (f *flakyVectors) Upsert(ctx context.Context, entries []storage.VectorEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		if f.failAll || f.failUpsert[e.ID] {
			return fmt.Errorf("vector store unavailable for %s", e.ID)
		}
	}
	return f.Vectors.Upsert(ctx, entries)
}

func (f *flakyVectors) Delete(ctx context.Context, codes []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range codes {
		if f.failDelete[c] {
			return 0, fmt.Errorf("vector delete rejected for %s", c)
		}
	}
	return f.Vectors.Delete(ctx, codes)
}

// flakyDocs fails inserts when failInsert is set.
type flakyDocs struct {
	*memory.Documents
	failInsert bool
}

func (f *flakyDocs) InsertMany(ctx context.Context, records []storage.Record) error {
	if f.failInsert {
		return errors.New("document store unavailable")
	}
	return f.Documents.InsertMany(ctx, records)
}

// recordingWriter captures written batches and fails chosen chunk indexes.
type recordingWriter struct {
	mu      sync.Mutex
	batches [][]Embedded
	failAt  map[int]error
}

func (w *recordingWriter) Write(ctx context.Context, pairs []Embedded) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := len(w.batches)
	w.batches = append(w.batches, pairs)
	if err, ok := w.failAt[idx]; ok {
		return err
	}
	return nil
}

func makeRecords(prefix string, n int, fileName string) []storage.Record {
	records := make([]storage.Record, n)
	for i := range records {
		records[i] = storage.Record{
			Code:          fmt.Sprintf("%s%02d", prefix, i+1),
			FileName:      fileName,
			Namespace:     storage.DefaultNamespace,
			MetadataSmall: fmt.Sprintf("item %d", i+1),
		}
	}
	return records
}

func makeCSV(prefix string, n int) []byte {
	var b strings.Builder
	b.WriteString("code;metadata_small;metadata_big_1\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%s%02d;item %d;details %d\n", prefix, i, i, i)
	}
	return []byte(b.String())
}

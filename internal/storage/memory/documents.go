// Package memory provides in-process document and vector stores. They back
// the local "memory" mode and the package tests of the sync core.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bull/recordsync/internal/storage"
)

// Documents is an in-memory storage.DocumentStore keyed by code.
type Documents struct {
	mu      sync.RWMutex
	records map[string]storage.Record
}

var _ storage.DocumentStore = (*Documents)(nil)

func NewDocuments() *Documents {
	return &Documents{records: make(map[string]storage.Record)}
}

// InsertMany is all-or-nothing: a duplicate code rejects the whole batch.
func (d *Documents) InsertMany(ctx context.Context, records []storage.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, ok := d.records[r.Code]; ok {
			return fmt.Errorf("duplicate code %q", r.Code)
		}
		if _, ok := seen[r.Code]; ok {
			return fmt.Errorf("duplicate code %q in batch", r.Code)
		}
		seen[r.Code] = struct{}{}
	}

	now := time.Now().UTC()
	for _, r := range records {
		if r.Namespace == "" {
			r.Namespace = storage.DefaultNamespace
		}
		r.Timestamp = now
		d.records[r.Code] = r
	}
	return nil
}

func (d *Documents) Upsert(ctx context.Context, record storage.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if record.Namespace == "" {
		record.Namespace = storage.DefaultNamespace
	}
	existing, ok := d.records[record.Code]
	if !ok {
		record.Timestamp = time.Now().UTC()
		d.records[record.Code] = record
		return nil
	}
	existing.FileName = record.FileName
	existing.Namespace = record.Namespace
	existing.MetadataSmall = record.MetadataSmall
	existing.Source = record.Source
	d.records[record.Code] = existing
	return nil
}

func (d *Documents) Find(ctx context.Context, codes []string) ([]storage.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []storage.Record
	for _, code := range codes {
		if r, ok := d.records[code]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *Documents) ListByFile(ctx context.Context, fileName, namespace string) ([]storage.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []storage.Record
	for _, r := range d.records {
		if r.FileName == fileName && (namespace == "" || r.Namespace == namespace) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (d *Documents) Codes(ctx context.Context, fileName, namespace string) ([]string, error) {
	records, _ := d.ListByFile(ctx, fileName, namespace)
	codes := make([]string, len(records))
	for i, r := range records {
		codes[i] = r.Code
	}
	return codes, nil
}

func (d *Documents) DeleteByFile(ctx context.Context, fileName, namespace string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int64
	for code, r := range d.records {
		if r.FileName == fileName && r.Namespace == namespace {
			delete(d.records, code)
			n++
		}
	}
	return n, nil
}

func (d *Documents) DeleteByCodes(ctx context.Context, codes []string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int64
	for _, code := range codes {
		if _, ok := d.records[code]; ok {
			delete(d.records, code)
			n++
		}
	}
	return n, nil
}

func (d *Documents) CountByFile(ctx context.Context) (map[string]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[string]int64)
	for _, r := range d.records {
		counts[r.FileName]++
	}
	return counts, nil
}

func (d *Documents) Files(ctx context.Context, namespace string) ([]storage.FileCount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	type key struct{ file, ns string }
	counts := make(map[key]int64)
	for _, r := range d.records {
		if namespace != "" && r.Namespace != namespace {
			continue
		}
		counts[key{r.FileName, r.Namespace}]++
	}

	files := make([]storage.FileCount, 0, len(counts))
	for k, n := range counts {
		files = append(files, storage.FileCount{FileName: k.file, Namespace: k.ns, Count: n})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].FileName != files[j].FileName {
			return files[i].FileName < files[j].FileName
		}
		return files[i].Namespace < files[j].Namespace
	})
	return files, nil
}

func (d *Documents) Health(ctx context.Context) error { return nil }

// Len returns the number of stored records.
func (d *Documents) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

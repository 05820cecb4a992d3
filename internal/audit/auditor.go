// Package audit compares the document store with the vector store.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/metrics"
	"github.com/bull/recordsync/internal/storage"
)

const (
	// DefaultTopK caps the filtered vector scan per file. A file with more
	// vectors than this is reported with Truncated set and an under-count.
	DefaultTopK = 10000

	// DefaultOrphanLimit caps the orphan scan.
	DefaultOrphanLimit = 10000
)

// FileReport compares one file across both stores.
type FileReport struct {
	FileName      string `json:"fileName"`
	DocumentCount int64  `json:"documentCount"`
	VectorCount   int64  `json:"vectorCount"`
	// Delta is DocumentCount - VectorCount. Positive means documents
	// without vectors, negative means vectors without documents.
	Delta     int64 `json:"delta"`
	Truncated bool  `json:"truncated,omitempty"`
}

// Report is the result of one audit.
type Report struct {
	Files         []FileReport `json:"files"`
	TotalOrphans  int          `json:"totalOrphans"`
	OrphanIDs     []string     `json:"orphanIds,omitempty"`
	TotalDangling int64        `json:"totalDangling"`
	TotalStale    int64        `json:"totalStale"`
	GeneratedAt   time.Time    `json:"generatedAt"`
}

// Healthy reports whether both stores agree.
func (r *Report) Healthy() bool {
	return r.TotalOrphans == 0 && r.TotalDangling == 0 && r.TotalStale == 0
}

// File returns the report line of a file.
func (r *Report) File(name string) (FileReport, bool) {
	for _, f := range r.Files {
		if f.FileName == name {
			return f, true
		}
	}
	return FileReport{}, false
}

// Config tunes an Auditor.
type Config struct {
	TopK        int
	OrphanLimit int
}

// Auditor computes drift between the stores. It only reads.
type Auditor struct {
	docs    storage.DocumentStore
	vectors storage.VectorStore
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewAuditor(docs storage.DocumentStore, vectors storage.VectorStore, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Auditor {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.OrphanLimit <= 0 {
		cfg.OrphanLimit = DefaultOrphanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		docs:    docs,
		vectors: vectors,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "auditor")),
	}
}

// Audit counts records per file on both sides. Files known to only one
// store are included. It does not say which documents are dangling; use
// Diff for that.
func (a *Auditor) Audit(ctx context.Context) (*Report, error) {
	docCounts, err := a.docs.CountByFile(ctx)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	vecFiles, err := a.vectors.FileNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vector files: %w", err)
	}

	names := make(map[string]struct{}, len(docCounts)+len(vecFiles))
	for name := range docCounts {
		names[name] = struct{}{}
	}
	for _, name := range vecFiles {
		names[name] = struct{}{}
	}

	report := &Report{GeneratedAt: time.Now().UTC()}
	deltas := make(map[string]int64, len(names))
	for name := range names {
		// One past the cap tells a full file from a truncated one.
		ids, err := a.vectors.IDs(ctx, storage.Filter{FileName: name}, a.cfg.TopK+1)
		if err != nil {
			return nil, fmt.Errorf("scan vectors of %s: %w", name, err)
		}
		fr := FileReport{
			FileName:      name,
			DocumentCount: docCounts[name],
			VectorCount:   int64(min(len(ids), a.cfg.TopK)),
			Truncated:     len(ids) > a.cfg.TopK,
		}
		fr.Delta = fr.DocumentCount - fr.VectorCount
		if fr.Truncated {
			a.logger.Warn("vector scan hit the cap, count is a lower bound",
				zap.String("file", name), zap.Int("top_k", a.cfg.TopK))
		}

		switch {
		case fr.Delta > 0:
			report.TotalDangling += fr.Delta
		case fr.Delta < 0:
			report.TotalStale += -fr.Delta
		}
		deltas[name] = fr.Delta
		report.Files = append(report.Files, fr)
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].FileName < report.Files[j].FileName })

	orphans, err := a.vectors.Orphans(ctx, a.cfg.OrphanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan orphans: %w", err)
	}
	report.OrphanIDs = orphans
	report.TotalOrphans = len(orphans)

	a.metrics.SetAudit(deltas, report.TotalOrphans)
	a.logger.Info("audit complete",
		zap.Int("files", len(report.Files)),
		zap.Int("orphans", report.TotalOrphans),
		zap.Int64("dangling", report.TotalDangling),
		zap.Int64("stale", report.TotalStale))
	return report, nil
}

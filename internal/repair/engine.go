// Package repair restores dual-store consistency for a list of records,
// typically the dangling documents found by an audit.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/embedding"
	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/metrics"
	"github.com/bull/recordsync/internal/storage"
)

const (
	DefaultBatchSize   = 20
	DefaultConcurrency = 5
	DefaultBatchDelay  = 100 * time.Millisecond

	// DefaultSource marks documents written back by the engine.
	DefaultSource = "repair"
)

var ErrConfirmerRequired = errors.New("repair without auto needs a confirmer")

// Target is one record to bring back in sync.
type Target struct {
	Code          string `json:"code"`
	FileName      string `json:"fileName"`
	Namespace     string `json:"namespace,omitempty"`
	MetadataSmall string `json:"metadata_small"`
	Source        string `json:"source,omitempty"`
}

// Outcome is what happened to one target.
type Outcome string

const (
	// OutcomeReembedded: the vector was missing and has been recreated.
	OutcomeReembedded Outcome = "reembedded"
	// OutcomePatched: the vector existed without file provenance and its
	// metadata was rewritten.
	OutcomePatched Outcome = "patched"
	// OutcomeSynced: the vector was fine, only the document was upserted.
	OutcomeSynced            Outcome = "synced"
	OutcomeDimensionMismatch Outcome = "dimension_mismatch"
	OutcomeFailed            Outcome = "failed"
	// OutcomeSkipped: the batch was declined by the confirmer.
	OutcomeSkipped Outcome = "skipped"
)

// Result is the outcome of one target.
type Result struct {
	Code    string  `json:"code"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Summary aggregates a repair run.
type Summary struct {
	Total             int           `json:"total"`
	Reembedded        int           `json:"reembedded"`
	Patched           int           `json:"patched"`
	Synced            int           `json:"synced"`
	DimensionMismatch int           `json:"dimensionMismatch"`
	Failed            int           `json:"failed"`
	Skipped           int           `json:"skipped"`
	Results           []Result      `json:"results"`
	Duration          time.Duration `json:"duration"`
}

// Repaired is the number of targets that are consistent after the run.
func (s *Summary) Repaired() int {
	return s.Reembedded + s.Patched + s.Synced
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeReembedded:
		s.Reembedded++
	case OutcomePatched:
		s.Patched++
	case OutcomeSynced:
		s.Synced++
	case OutcomeDimensionMismatch:
		s.DimensionMismatch++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Config tunes an Engine. Zero values select the defaults.
type Config struct {
	BatchSize    int
	Concurrency  int
	BatchDelay   time.Duration
	Source       string
	MaxRetries   int
	StoreTimeout time.Duration
}

// Engine re-embeds or patches vectors and upserts documents.
type Engine struct {
	docs      storage.DocumentStore
	vectors   storage.VectorStore
	embedder  embedding.Embedder
	confirmer Confirmer
	cfg       Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
	pool      *ants.Pool
}

// NewEngine creates an engine with its own worker pool. Call Close to
// release it.
func NewEngine(docs storage.DocumentStore, vectors storage.VectorStore, embedder embedding.Embedder, confirmer Confirmer, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Engine, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = DefaultBatchDelay
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = indexer.DefaultMaxRetries
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = indexer.DefaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create repair pool: %w", err)
	}
	return &Engine{
		docs:      docs,
		vectors:   vectors,
		embedder:  embedder,
		confirmer: confirmer,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With(zap.String("component", "repair")),
		pool:      pool,
	}, nil
}

func (e *Engine) Close() {
	e.pool.Release()
}

// Repair processes targets in outer batches. Unless auto is set, each
// batch must be approved by the confirmer first; declined batches are
// counted as skipped. A per-target failure never stops the run. The error
// is non-nil only for cancellation or a confirmer failure, and comes with
// the partial summary.
func (e *Engine) Repair(ctx context.Context, targets []Target, auto bool) (*Summary, error) {
	if !auto && e.confirmer == nil {
		return nil, ErrConfirmerRequired
	}
	start := time.Now()
	summary := &Summary{Total: len(targets)}
	defer func() { summary.Duration = time.Since(start) }()
	if len(targets) == 0 {
		return summary, nil
	}

	batches, err := indexer.Chunk(targets, e.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	e.logger.Info("starting repair",
		zap.Int("targets", len(targets)), zap.Int("batches", len(batches)), zap.Bool("auto", auto))

	for i, batch := range batches {
		delay := e.cfg.BatchDelay
		if i == 0 {
			delay = 0
		}
		if err := indexer.Pause(ctx, delay); err != nil {
			return summary, fmt.Errorf("repair stopped before batch %d: %w", i, err)
		}

		if !auto {
			ok, err := e.confirmer.Confirm(ctx, i, batch)
			if err != nil {
				return summary, fmt.Errorf("confirm batch %d: %w", i, err)
			}
			if !ok {
				e.logger.Info("batch declined", zap.Int("batch", i), zap.Int("size", len(batch)))
				for _, t := range batch {
					e.record(summary, Result{Code: t.Code, Outcome: OutcomeSkipped})
				}
				continue
			}
		}

		for _, r := range e.runBatch(ctx, batch) {
			e.record(summary, r)
		}
	}

	e.logger.Info("repair complete",
		zap.Int("repaired", summary.Repaired()),
		zap.Int("failed", summary.Failed),
		zap.Int("dimension_mismatch", summary.DimensionMismatch),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

func (e *Engine) record(s *Summary, r Result) {
	s.add(r)
	e.metrics.RepairOutcome(string(r.Outcome))
}

// runBatch repairs one batch on the pool. Results keep the batch order.
func (e *Engine) runBatch(ctx context.Context, batch []Target) []Result {
	results := make([]Result, len(batch))
	var wg sync.WaitGroup
	for i, t := range batch {
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			results[i] = e.repairOne(ctx, t)
		})
		if err != nil {
			wg.Done()
			results[i] = failed(t.Code, fmt.Errorf("submit: %w", err))
		}
	}
	wg.Wait()
	return results
}

func (e *Engine) repairOne(ctx context.Context, t Target) Result {
	if t.Code == "" {
		return failed("", errors.New("missing code"))
	}
	if t.Namespace == "" {
		t.Namespace = storage.DefaultNamespace
	}
	if t.Source == "" {
		t.Source = e.cfg.Source
	}
	logger := e.logger.With(zap.String("code", t.Code))

	record := storage.Record{
		Code:          t.Code,
		FileName:      t.FileName,
		Namespace:     t.Namespace,
		MetadataSmall: t.MetadataSmall,
		Source:        t.Source,
	}

	var found map[string]storage.VectorEntry
	err := e.call(ctx, func(ctx context.Context) (err error) {
		found, err = e.vectors.Fetch(ctx, []string{t.Code})
		return err
	})
	if err != nil {
		return failed(t.Code, fmt.Errorf("fetch vector: %w", err))
	}

	outcome := OutcomeSynced
	entry, ok := found[t.Code]
	switch {
	case !ok:
		vec, err := embedding.EmbedWithRetry(ctx, e.embedder, embedding.RecordText(t.Code, t.MetadataSmall),
			embedding.RetryPolicy{MaxRetries: e.cfg.MaxRetries})
		if errors.Is(err, storage.ErrDimensionMismatch) {
			logger.Error("re-embedded vector has the wrong dimension", zap.Error(err))
			return Result{Code: t.Code, Outcome: OutcomeDimensionMismatch, Error: err.Error()}
		}
		if err != nil {
			return failed(t.Code, fmt.Errorf("embed: %w", err))
		}
		err = e.call(ctx, func(ctx context.Context) error {
			return e.vectors.Upsert(ctx, []storage.VectorEntry{{ID: t.Code, Values: vec, Metadata: record.Projection()}})
		})
		if err != nil {
			return failed(t.Code, fmt.Errorf("upsert vector: %w", err))
		}
		outcome = OutcomeReembedded

	case len(entry.Values) != e.embedder.Dimension():
		err := fmt.Errorf("%w: stored vector has %d values, expected %d",
			storage.ErrDimensionMismatch, len(entry.Values), e.embedder.Dimension())
		logger.Error("corrupted vector, not repaired", zap.Error(err))
		return Result{Code: t.Code, Outcome: OutcomeDimensionMismatch, Error: err.Error()}

	case entry.IsOrphan():
		err := e.call(ctx, func(ctx context.Context) error {
			return e.vectors.UpdateMetadata(ctx, t.Code, record.Projection())
		})
		if err != nil {
			return failed(t.Code, fmt.Errorf("patch metadata: %w", err))
		}
		outcome = OutcomePatched
	}

	err = e.call(ctx, func(ctx context.Context) error { return e.docs.Upsert(ctx, record) })
	if err != nil {
		return failed(t.Code, fmt.Errorf("upsert document: %w", err))
	}
	logger.Debug("repaired", zap.String("outcome", string(outcome)))
	return Result{Code: t.Code, Outcome: outcome}
}

func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func failed(code string, err error) Result {
	return Result{Code: code, Outcome: OutcomeFailed, Error: err.Error()}
}

package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bull/recordsync/internal/embedding"
	"github.com/bull/recordsync/internal/metrics"
	"github.com/bull/recordsync/internal/storage"
)

const (
	// DefaultEmbedBatchSize is the number of records embedded concurrently.
	DefaultEmbedBatchSize = 20

	// DefaultChunkDelay is the pause between the end of one chunk and the
	// start of the next.
	DefaultChunkDelay = 100 * time.Millisecond

	// DefaultMaxRetries is how often a retriable embedding failure is retried.
	DefaultMaxRetries = 2
)

// ChunkWriter persists embedded records. *Writer implements it.
type ChunkWriter interface {
	Write(ctx context.Context, pairs []Embedded) error
}

// PipelineConfig tunes a Pipeline. A zero BatchSize selects the default;
// zero ChunkDelay and MaxRetries disable pacing and retries.
type PipelineConfig struct {
	BatchSize    int
	ChunkDelay   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// RecordFailure is a record that could not be embedded.
type RecordFailure struct {
	Code string
	Err  error
}

// ChunkFailure is a chunk whose write failed. Codes lists the records that
// were handed to the writer.
type ChunkFailure struct {
	Index int
	Codes []string
	Err   error
}

// PipelineResult contains statistics about a pipeline run.
type PipelineResult struct {
	TotalProcessed int
	Successful     int
	Failed         int
	Failures       []RecordFailure
	ChunkFailures  []ChunkFailure
	Duration       time.Duration
}

// ReachedVectorStore reports whether any chunk failed on the vector side.
func (r *PipelineResult) ReachedVectorStore() bool {
	for _, cf := range r.ChunkFailures {
		if IsVectorSide(cf.Err) {
			return true
		}
	}
	return false
}

// Pipeline embeds records chunk by chunk and writes every chunk as soon as
// it is embedded.
type Pipeline struct {
	embedder embedding.Embedder
	writer   ChunkWriter
	cfg      PipelineConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// OnChunk, when set, is called after each chunk has been written.
	OnChunk func(done, total int)
}

// NewPipeline creates a new embedding pipeline with the given components.
func NewPipeline(embedder embedding.Embedder, writer ChunkWriter, cfg PipelineConfig, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultEmbedBatchSize
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		embedder: embedder,
		writer:   writer,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With(zap.String("component", "pipeline")),
	}
}

// Run embeds and writes records. Chunks run strictly one after another;
// records inside a chunk are embedded concurrently. A failed record or a
// failed chunk write is counted and the run continues. The only error
// returned is cancellation, observed between chunks, together with the
// partial result.
func (p *Pipeline) Run(ctx context.Context, records []storage.Record) (*PipelineResult, error) {
	start := time.Now()
	result := &PipelineResult{}

	chunks, err := Chunk(records, p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	p.logger.Info("starting pipeline", zap.Int("records", len(records)), zap.Int("chunks", len(chunks)))

	for i, chunk := range chunks {
		delay := p.cfg.ChunkDelay
		if i == 0 {
			delay = 0
		}
		if err := Pause(ctx, delay); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("pipeline stopped before chunk %d: %w", i, err)
		}
		chunkStart := time.Now()

		pairs, failures := p.embedChunk(ctx, chunk)
		result.TotalProcessed += len(chunk)
		result.Failures = append(result.Failures, failures...)

		if err := p.writer.Write(ctx, pairs); err != nil {
			p.logger.Warn("chunk write failed, counting chunk as failed",
				zap.Int("chunk", i), zap.Error(err))
			result.ChunkFailures = append(result.ChunkFailures, ChunkFailure{
				Index: i,
				Codes: pairCodes(pairs),
				Err:   err,
			})
			result.Failed += len(chunk)
			p.metrics.ObserveRecords(0, len(chunk))
		} else {
			result.Successful += len(pairs)
			result.Failed += len(failures)
			p.metrics.ObserveRecords(len(pairs), len(failures))
		}
		p.metrics.ObserveChunk(time.Since(chunkStart).Seconds())

		if p.OnChunk != nil {
			p.OnChunk(i+1, len(chunks))
		}
	}

	result.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("pipeline stopped after last chunk: %w", err)
	}
	p.logger.Info("pipeline complete",
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// Pause waits d, or until ctx is done. A non-positive d only checks ctx.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// embedChunk embeds every record of the chunk concurrently. Results keep the
// input order.
func (p *Pipeline) embedChunk(ctx context.Context, chunk []storage.Record) ([]Embedded, []RecordFailure) {
	vectors := make([][]float32, len(chunk))
	errs := make([]error, len(chunk))

	var g errgroup.Group
	for i, rec := range chunk {
		g.Go(func() error {
			vectors[i], errs[i] = p.embed(ctx, rec)
			return nil
		})
	}
	g.Wait()

	pairs := make([]Embedded, 0, len(chunk))
	var failures []RecordFailure
	for i, rec := range chunk {
		if errs[i] != nil {
			p.logger.Warn("embedding failed", zap.String("code", rec.Code), zap.Error(errs[i]))
			failures = append(failures, RecordFailure{Code: rec.Code, Err: errs[i]})
			continue
		}
		pairs = append(pairs, Embedded{Record: rec, Vector: vectors[i]})
	}
	return pairs, failures
}

func (p *Pipeline) embed(ctx context.Context, rec storage.Record) ([]float32, error) {
	return embedding.EmbedWithRetry(ctx, p.embedder, embedding.RecordText(rec.Code, rec.MetadataSmall), embedding.RetryPolicy{
		MaxRetries:      p.cfg.MaxRetries,
		InitialInterval: p.cfg.RetryBackoff,
	})
}

func pairCodes(pairs []Embedded) []string {
	codes := make([]string, len(pairs))
	for i, p := range pairs {
		codes[i] = p.Record.Code
	}
	return codes
}

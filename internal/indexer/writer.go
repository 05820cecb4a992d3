package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/storage"
)

const (
	// DefaultVectorBatchSize bounds a single vector store upsert or delete.
	DefaultVectorBatchSize = 100

	// DefaultStoreTimeout bounds a single store call.
	DefaultStoreTimeout = 30 * time.Second
)

// Side names the store a write failure came from.
type Side string

const (
	SideDocument Side = "document"
	SideVector   Side = "vector"
)

// Embedded pairs a record with its embedding.
type Embedded struct {
	Record storage.Record
	Vector []float32
}

// WriteError is a dual-store write failure carrying its provenance.
type WriteError struct {
	Side  Side
	Codes []string
	Err   error
}

func (e *WriteError) Error() string {
	if len(e.Codes) == 0 {
		return fmt.Sprintf("%s store write failed: %v", e.Side, e.Err)
	}
	return fmt.Sprintf("%s store write failed for %d records: %v", e.Side, len(e.Codes), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsVectorSide reports whether err is a write failure of the vector store.
func IsVectorSide(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Side == SideVector
}

// DeleteResult holds the counts confirmed by each store.
type DeleteResult struct {
	Documents int64 `json:"documentsDeleted"`
	Vectors   int   `json:"vectorsDeleted"`
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	VectorBatchSize int
	StoreTimeout    time.Duration
}

// Writer keeps the document store and the vector store in step. There is
// no cross-store transaction: each side fails independently and failures
// are reported with their side so callers can roll back or leave the drift
// to the auditor.
type Writer struct {
	docs      storage.DocumentStore
	vectors   storage.VectorStore
	batchSize int
	timeout   time.Duration
	logger    *zap.Logger
}

func NewWriter(docs storage.DocumentStore, vectors storage.VectorStore, cfg WriterConfig, logger *zap.Logger) *Writer {
	if cfg.VectorBatchSize <= 0 {
		cfg.VectorBatchSize = DefaultVectorBatchSize
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		docs:      docs,
		vectors:   vectors,
		batchSize: cfg.VectorBatchSize,
		timeout:   cfg.StoreTimeout,
		logger:    logger.With(zap.String("component", "writer")),
	}
}

// Write inserts the records and then upserts their vectors. A vector
// failure leaves the inserted documents in place and returns a vector-side
// WriteError naming the codes without vectors.
func (w *Writer) Write(ctx context.Context, pairs []Embedded) error {
	if len(pairs) == 0 {
		return nil
	}

	records := make([]storage.Record, len(pairs))
	entries := make([]storage.VectorEntry, len(pairs))
	for i, p := range pairs {
		records[i] = p.Record
		entries[i] = storage.VectorEntry{
			ID:       p.Record.Code,
			Values:   p.Vector,
			Metadata: p.Record.Projection(),
		}
	}

	if err := w.call(ctx, func(ctx context.Context) error { return w.docs.InsertMany(ctx, records) }); err != nil {
		codes := codesOf(records)
		w.logger.Error("document insert failed", zap.Strings("codes", codes), zap.Error(err))
		return &WriteError{Side: SideDocument, Codes: codes, Err: err}
	}

	batches, _ := Chunk(entries, w.batchSize)
	var failed []string
	var errs []error
	for _, batch := range batches {
		err := w.call(ctx, func(ctx context.Context) error { return w.vectors.Upsert(ctx, batch) })
		if err != nil {
			for _, e := range batch {
				failed = append(failed, e.ID)
			}
			errs = append(errs, err)
		}
	}
	if len(failed) > 0 {
		err := errors.Join(errs...)
		w.logger.Error("vector upsert failed after document insert, records are dangling",
			zap.Strings("codes", failed), zap.Error(err))
		return &WriteError{Side: SideVector, Codes: failed, Err: err}
	}
	return nil
}

// Delete removes the given codes from both stores. Each side is attempted
// regardless of the other; the result counts what the stores confirmed.
func (w *Writer) Delete(ctx context.Context, codes []string) (DeleteResult, error) {
	var res DeleteResult
	if len(codes) == 0 {
		return res, nil
	}

	docErr := w.call(ctx, func(ctx context.Context) error {
		n, err := w.docs.DeleteByCodes(ctx, codes)
		res.Documents = n
		return err
	})
	if docErr != nil {
		docErr = &WriteError{Side: SideDocument, Codes: codes, Err: docErr}
	}

	n, vecErr := w.deleteVectors(ctx, codes)
	res.Vectors = n
	return res, errors.Join(docErr, vecErr)
}

// DeleteFile removes every record and vector of a file in a namespace. The
// vector side is located by metadata so vectors whose documents are already
// gone are removed as well.
func (w *Writer) DeleteFile(ctx context.Context, fileName, namespace string) (DeleteResult, error) {
	var res DeleteResult
	if namespace == "" {
		namespace = storage.DefaultNamespace
	}

	var ids []string
	listErr := w.call(ctx, func(ctx context.Context) error {
		var err error
		ids, err = w.vectors.IDs(ctx, storage.Filter{FileName: fileName, Namespace: namespace}, 0)
		return err
	})
	var docCodes []string
	codesErr := w.call(ctx, func(ctx context.Context) error {
		var err error
		docCodes, err = w.docs.Codes(ctx, fileName, namespace)
		return err
	})
	ids = union(ids, docCodes)

	docErr := w.call(ctx, func(ctx context.Context) error {
		n, err := w.docs.DeleteByFile(ctx, fileName, namespace)
		res.Documents = n
		return err
	})
	if docErr != nil {
		docErr = &WriteError{Side: SideDocument, Err: docErr}
	}

	n, vecErr := w.deleteVectors(ctx, ids)
	res.Vectors = n
	if listErr != nil {
		listErr = &WriteError{Side: SideVector, Err: fmt.Errorf("list vectors of %s: %w", fileName, listErr)}
	}

	err := errors.Join(docErr, vecErr, listErr, codesErr)
	w.logger.Info("deleted file",
		zap.String("file", fileName),
		zap.String("namespace", namespace),
		zap.Int64("documents", res.Documents),
		zap.Int("vectors", res.Vectors),
		zap.Error(err))
	return res, err
}

// deleteVectors counts only batches the store acknowledged.
func (w *Writer) deleteVectors(ctx context.Context, codes []string) (int, error) {
	batches, _ := Chunk(codes, w.batchSize)
	total := 0
	var failed []string
	var errs []error
	for _, batch := range batches {
		err := w.call(ctx, func(ctx context.Context) error {
			n, err := w.vectors.Delete(ctx, batch)
			if err == nil {
				total += n
			}
			return err
		})
		if err != nil {
			failed = append(failed, batch...)
			errs = append(errs, err)
		}
	}
	if len(failed) > 0 {
		err := errors.Join(errs...)
		w.logger.Warn("vector delete partially failed", zap.Strings("codes", failed), zap.Error(err))
		return total, &WriteError{Side: SideVector, Codes: failed, Err: err}
	}
	return total, nil
}

func (w *Writer) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return fn(ctx)
}

func codesOf(records []storage.Record) []string {
	codes := make([]string, len(records))
	for i, r := range records {
		codes[i] = r.Code
	}
	return codes
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

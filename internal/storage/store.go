package storage

import "context"

// DocumentStore is the record-of-truth contract. Implementations must keep
// Code unique across the whole dataset.
type DocumentStore interface {
	// InsertMany bulk inserts records. A duplicate code fails the call.
	InsertMany(ctx context.Context, records []Record) error
	// Upsert inserts a record or updates code, fileName, namespace,
	// metadata_small and source of an existing one. Big metadata is kept.
	Upsert(ctx context.Context, record Record) error
	// Find returns the records for the given codes; unknown codes are skipped.
	Find(ctx context.Context, codes []string) ([]Record, error)
	// ListByFile returns every record of a file, optionally scoped to a namespace.
	ListByFile(ctx context.Context, fileName, namespace string) ([]Record, error)
	// Codes returns the codes of every record of a file in a namespace.
	Codes(ctx context.Context, fileName, namespace string) ([]string, error)
	// DeleteByFile removes every record of a file in a namespace.
	DeleteByFile(ctx context.Context, fileName, namespace string) (int64, error)
	// DeleteByCodes removes the records with the given codes.
	DeleteByCodes(ctx context.Context, codes []string) (int64, error)
	// CountByFile aggregates record counts grouped by file name.
	CountByFile(ctx context.Context) (map[string]int64, error)
	// Files lists per-file counts, optionally scoped to a namespace.
	Files(ctx context.Context, namespace string) ([]FileCount, error)
	Health(ctx context.Context) error
}

// VectorStore is the similarity search contract. Entries are addressed by
// record code; implementations translate codes to native ids.
type VectorStore interface {
	// Upsert writes entries; every vector must have the store dimension.
	Upsert(ctx context.Context, entries []VectorEntry) error
	// Fetch returns the entries that exist for the given codes, keyed by code.
	Fetch(ctx context.Context, codes []string) (map[string]VectorEntry, error)
	// Query returns the topK nearest entries matching the filter.
	Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]Match, error)
	// IDs scans the codes of entries matching the filter, stopping after
	// limit codes. A limit of zero scans everything.
	IDs(ctx context.Context, filter Filter, limit int) ([]string, error)
	// Orphans scans the codes of entries whose metadata lacks a file name.
	Orphans(ctx context.Context, limit int) ([]string, error)
	// FileNames lists the distinct file names found in entry metadata.
	FileNames(ctx context.Context) ([]string, error)
	// Delete removes entries by code and returns how many existed and were
	// removed.
	Delete(ctx context.Context, codes []string) (int, error)
	// UpdateMetadata replaces the metadata of an entry without touching its
	// vector values.
	UpdateMetadata(ctx context.Context, code string, metadata VectorMetadata) error
	Stats(ctx context.Context) (*IndexStats, error)
	Health(ctx context.Context) error
}

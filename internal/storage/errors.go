package storage

import "errors"

var (
	ErrQdrantUnreachable   = errors.New("qdrant server unreachable")
	ErrPostgresUnreachable = errors.New("postgres unreachable")
	ErrCollectionNotFound  = errors.New("collection not found")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrRecordNotFound      = errors.New("record not found")
)

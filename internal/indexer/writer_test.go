package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/recordsync/internal/storage"
	"github.com/bull/recordsync/internal/storage/memory"
)

func embedAll(records []storage.Record) []Embedded {
	pairs := make([]Embedded, len(records))
	for i, r := range records {
		pairs[i] = Embedded{Record: r, Vector: vectorFor(r.Code, testDim)}
	}
	return pairs
}

func TestWriter_WriteBothStores(t *testing.T) {
	docs := memory.NewDocuments()
	vectors := memory.NewVectors(testDim)
	w := NewWriter(docs, vectors, WriterConfig{VectorBatchSize: 2}, nil)

	records := makeRecords("W", 5, "w.csv")
	records[0].MetadataBig1 = "large payload"
	require.NoError(t, w.Write(context.Background(), embedAll(records)))

	assert.Equal(t, 5, docs.Len())
	assert.Equal(t, 5, vectors.Len())

	found, err := vectors.Fetch(context.Background(), []string{"W01"})
	require.NoError(t, err)
	meta := found["W01"].Metadata
	assert.Equal(t, storage.VectorMetadata{
		Code:          "W01",
		FileName:      "w.csv",
		MetadataSmall: "item 1",
		Namespace:     "default",
	}, meta)
}

func TestWriter_VectorFailureLeavesDanglingDocuments(t *testing.T) {
	docs := memory.NewDocuments()
	vectors := newFlakyVectors()
	vectors.failUpsert["W04"] = true
	w := NewWriter(docs, vectors, WriterConfig{VectorBatchSize: 3}, nil)

	err := w.Write(context.Background(), embedAll(makeRecords("W", 5, "w.csv")))
	require.Error(t, err)

	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, SideVector, we.Side)
	assert.Equal(t, []string{"W04", "W05"}, we.Codes)
	assert.True(t, IsVectorSide(err))

	assert.Equal(t, 5, docs.Len(), "documents stay for the auditor to find")
	assert.Equal(t, 3, vectors.Len())
}

func TestWriter_DocumentFailureSkipsVectors(t *testing.T) {
	docs := &flakyDocs{Documents: memory.NewDocuments(), failInsert: true}
	vectors := memory.NewVectors(testDim)
	w := NewWriter(docs, vectors, WriterConfig{}, nil)

	err := w.Write(context.Background(), embedAll(makeRecords("W", 3, "w.csv")))
	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, SideDocument, we.Side)
	assert.False(t, IsVectorSide(err))
	assert.Zero(t, vectors.Len())
}

func TestWriter_DeleteReportsConfirmedCounts(t *testing.T) {
	docs := memory.NewDocuments()
	vectors := newFlakyVectors()
	w := NewWriter(docs, vectors, WriterConfig{VectorBatchSize: 1}, nil)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, embedAll(makeRecords("D", 3, "d.csv"))))
	vectors.failDelete["D02"] = true

	res, err := w.Delete(ctx, []string{"D01", "D02", "D03"})
	require.Error(t, err)
	assert.True(t, IsVectorSide(err))
	assert.Equal(t, int64(3), res.Documents)
	assert.Equal(t, 2, res.Vectors)

	left, _ := vectors.Fetch(ctx, []string{"D01", "D02", "D03"})
	assert.Len(t, left, 1)
	assert.Contains(t, left, "D02")
}

func TestWriter_DeleteCountsOnlyExisting(t *testing.T) {
	docs := memory.NewDocuments()
	vectors := memory.NewVectors(testDim)
	w := NewWriter(docs, vectors, WriterConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, embedAll(makeRecords("D", 2, "d.csv"))))

	res, err := w.Delete(ctx, []string{"D01", "missing"})
	require.NoError(t, err)
	assert.Equal(t, DeleteResult{Documents: 1, Vectors: 1}, res)
}

func TestWriter_DeleteFileIncludesStaleVectors(t *testing.T) {
	docs := memory.NewDocuments()
	vectors := memory.NewVectors(testDim)
	w := NewWriter(docs, vectors, WriterConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, embedAll(makeRecords("F", 4, "f.csv"))))
	require.NoError(t, w.Write(ctx, embedAll(makeRecords("G", 2, "g.csv"))))
	// Document side already gone for F01, vector remains.
	_, err := docs.DeleteByCodes(ctx, []string{"F01"})
	require.NoError(t, err)

	res, err := w.DeleteFile(ctx, "f.csv", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Documents)
	assert.Equal(t, 4, res.Vectors)
	assert.Equal(t, 2, docs.Len())
	assert.Equal(t, 2, vectors.Len())
}

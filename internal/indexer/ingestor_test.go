package indexer

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/recordsync/internal/embedding"
	"github.com/bull/recordsync/internal/storage"
	"github.com/bull/recordsync/internal/storage/memory"
)

type harness struct {
	docs     *memory.Documents
	vectors  *flakyVectors
	embedder *fakeEmbedder
	ing      *Ingestor
}

func newHarness(t *testing.T, locker Locker) *harness {
	t.Helper()
	h := &harness{
		docs:     memory.NewDocuments(),
		vectors:  newFlakyVectors(),
		embedder: newFakeEmbedder(),
	}
	writer := NewWriter(h.docs, h.vectors, WriterConfig{}, nil)
	pipeline := NewPipeline(h.embedder, writer, testPipelineConfig(), nil, nil)
	h.ing = NewIngestor(Deps{
		Pipeline: pipeline,
		Writer:   writer,
		Locker:   locker,
	})
	t.Cleanup(h.ing.Close)
	return h
}

func (h *harness) codes(t *testing.T, fileName string) []string {
	t.Helper()
	codes, err := h.docs.Codes(context.Background(), fileName, storage.DefaultNamespace)
	require.NoError(t, err)
	sort.Strings(codes)
	return codes
}

// assertConsistent checks every document has a vector and vice versa.
func (h *harness) assertConsistent(t *testing.T, fileName string) {
	t.Helper()
	ctx := context.Background()
	docCodes := h.codes(t, fileName)
	vecCodes, err := h.vectors.IDs(ctx, storage.Filter{FileName: fileName}, 0)
	require.NoError(t, err)
	sort.Strings(vecCodes)
	assert.Equal(t, docCodes, vecCodes)
}

func waitState(t *testing.T, ing *Ingestor, id string, states ...State) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = ing.Job(context.Background(), id)
		if err != nil {
			return false
		}
		for _, s := range states {
			if job.State == s {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "job never reached %v", states)
	return job
}

func TestIngestor_TenRows(t *testing.T) {
	h := newHarness(t, nil)

	job, err := h.ing.Run(context.Background(), Upload{FileName: "products.csv", Data: makeCSV("P", 10)})
	require.NoError(t, err)

	assert.Equal(t, StateDone, job.State)
	assert.Equal(t, 10, job.Parsed)
	assert.Equal(t, 10, job.Successful)
	assert.Equal(t, 10, h.docs.Len())
	assert.Equal(t, 10, h.vectors.Len())
	h.assertConsistent(t, "products.csv")
}

func TestIngestor_DropsRowWithoutCode(t *testing.T) {
	h := newHarness(t, nil)
	data := []byte("code;metadata_small\n" +
		"A01;one\nA02;two\nA03;three\n;four\nA05;five\n" +
		"A06;six\nA07;seven\nA08;eight\nA09;nine\nA10;ten\n")

	job, err := h.ing.Run(context.Background(), Upload{FileName: "a.csv", Data: data})
	require.NoError(t, err)
	assert.Equal(t, 9, job.Parsed)
	assert.Equal(t, 1, job.Dropped)
	assert.Equal(t, 9, h.docs.Len())
	h.assertConsistent(t, "a.csv")
}

func TestIngestor_OneEmbeddingFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.embedder.fail["P05"] = embedding.KindInvalidResponse

	job, err := h.ing.Run(context.Background(), Upload{FileName: "p.csv", Data: makeCSV("P", 20)})
	require.NoError(t, err)
	assert.Equal(t, 19, job.Successful)
	assert.Equal(t, 1, job.Failed)
	assert.NotContains(t, h.codes(t, "p.csv"), "P05")
	h.assertConsistent(t, "p.csv")
}

func TestIngestor_ReuploadReplaces(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ing.Run(ctx, Upload{FileName: "r.csv", Data: makeCSV("OLD", 5)})
	require.NoError(t, err)
	_, err = h.ing.Run(ctx, Upload{FileName: "r.csv", Data: makeCSV("NEW", 3)})
	require.NoError(t, err)

	assert.Equal(t, []string{"NEW01", "NEW02", "NEW03"}, h.codes(t, "r.csv"))
	assert.Equal(t, 3, h.vectors.Len())
	h.assertConsistent(t, "r.csv")
}

func TestIngestor_ReuploadSameFileIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.ing.Run(ctx, Upload{FileName: "same.csv", Data: makeCSV("S", 4)})
		require.NoError(t, err)
	}
	assert.Equal(t, 4, h.docs.Len())
	assert.Equal(t, 4, h.vectors.Len())
}

func TestIngestor_NamespacesAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ing.Run(ctx, Upload{FileName: "n.csv", Namespace: "a", Data: makeCSV("NA", 2)})
	require.NoError(t, err)
	_, err = h.ing.Run(ctx, Upload{FileName: "n.csv", Namespace: "b", Data: makeCSV("NB", 3)})
	require.NoError(t, err)

	assert.Equal(t, 5, h.docs.Len())
}

func TestIngestor_DeleteFile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.ing.Run(ctx, Upload{FileName: "a.csv", Data: makeCSV("A", 4)})
	require.NoError(t, err)
	_, err = h.ing.Run(ctx, Upload{FileName: "b.csv", Data: makeCSV("B", 2)})
	require.NoError(t, err)

	res, err := h.ing.DeleteFile(ctx, "a.csv", "")
	require.NoError(t, err)
	assert.Equal(t, DeleteResult{Documents: 4, Vectors: 4}, res)
	assert.Empty(t, h.codes(t, "a.csv"))
	assert.Len(t, h.codes(t, "b.csv"), 2)
}

func TestIngestor_NoRecordsFails(t *testing.T) {
	h := newHarness(t, nil)

	job, err := h.ing.Run(context.Background(), Upload{FileName: "e.csv", Data: []byte("code;metadata_small\n;\n")})
	require.Error(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Contains(t, job.Error, ErrNoRecords.Error())
}

func TestIngestor_AllEmbeddingsFail(t *testing.T) {
	h := newHarness(t, nil)
	for _, code := range []string{"X01", "X02", "X03"} {
		h.embedder.fail[code] = embedding.KindInvalidResponse
	}

	job, err := h.ing.Run(context.Background(), Upload{FileName: "x.csv", Data: makeCSV("X", 3)})
	require.Error(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Contains(t, job.Error, ErrNoEmbeddings.Error())
	assert.Zero(t, h.docs.Len())
}

func TestIngestor_RollsBackVectorSideFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.vectors.failUpsert["P25"] = true

	job, err := h.ing.Run(context.Background(), Upload{FileName: "p.csv", Data: makeCSV("P", 30)})
	require.NoError(t, err)

	assert.Equal(t, StateDone, job.State)
	assert.Equal(t, 20, job.Successful)
	assert.Equal(t, 10, job.Failed)
	assert.Equal(t, int64(10), job.RolledBack)
	assert.Equal(t, 20, h.docs.Len(), "documents of the failed chunk are rolled back")
	h.assertConsistent(t, "p.csv")
}

func TestIngestor_TotalVectorFailureCleansKey(t *testing.T) {
	h := newHarness(t, nil)
	h.vectors.failAll = true

	job, err := h.ing.Run(context.Background(), Upload{FileName: "v.csv", Data: makeCSV("V", 5)})
	require.Error(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Zero(t, h.docs.Len())
	assert.Zero(t, h.vectors.Len())
}

func TestIngestor_SubmitRunsDetached(t *testing.T) {
	h := newHarness(t, nil)

	id, err := h.ing.Submit(context.Background(), Upload{FileName: "bg.csv", Data: makeCSV("B", 7)})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job := waitState(t, h.ing, id, StateDone, StateFailed)
	assert.Equal(t, StateDone, job.State)
	assert.Equal(t, 7, job.Successful)
	assert.Equal(t, 1, job.ChunksTotal)

	h.ing.Wait()
	err = h.ing.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobFinished)

	_, err = h.ing.Job(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestIngestor_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	h.embedder.gate = make(chan struct{})
	h.embedder.gatePref = "C"
	h.embedder.entered = make(chan string, 1)

	id, err := h.ing.Submit(context.Background(), Upload{FileName: "c.csv", Data: makeCSV("C", 3)})
	require.NoError(t, err)

	select {
	case <-h.embedder.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("embedding never started")
	}
	require.NoError(t, h.ing.Cancel(context.Background(), id))

	job := waitState(t, h.ing, id, StateCancelled, StateFailed, StateDone)
	assert.Equal(t, StateCancelled, job.State)
	assert.Zero(t, h.docs.Len())
	assert.Zero(t, h.vectors.Len())
}

// unlockedLocker lets concurrent jobs for one key interleave.
type unlockedLocker struct{}

func (unlockedLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// Without a lock, a second upload of the same key can finish while the
// first is still embedding. The first job's records then land on top of the
// second's and the file holds the union of both uploads.
func TestIngestor_SameKeyRaceWithoutLock(t *testing.T) {
	h := newHarness(t, unlockedLocker{})
	h.embedder.gate = make(chan struct{})
	h.embedder.gatePref = "FIRST"
	h.embedder.entered = make(chan string, 1)
	ctx := context.Background()

	firstID, err := h.ing.Submit(ctx, Upload{FileName: "race.csv", Data: makeCSV("FIRST", 2)})
	require.NoError(t, err)
	<-h.embedder.entered

	_, err = h.ing.Run(ctx, Upload{FileName: "race.csv", Data: makeCSV("SECOND", 2)})
	require.NoError(t, err)

	close(h.embedder.gate)
	waitState(t, h.ing, firstID, StateDone)

	assert.Equal(t, []string{"FIRST01", "FIRST02", "SECOND01", "SECOND02"}, h.codes(t, "race.csv"))
}

func TestIngestor_SameKeySerializedWithLock(t *testing.T) {
	h := newHarness(t, NewKeyedMutex())
	h.embedder.gate = make(chan struct{})
	h.embedder.gatePref = "FIRST"
	h.embedder.entered = make(chan string, 1)
	ctx := context.Background()

	firstID, err := h.ing.Submit(ctx, Upload{FileName: "race.csv", Data: makeCSV("FIRST", 2)})
	require.NoError(t, err)
	<-h.embedder.entered

	secondID, err := h.ing.Submit(ctx, Upload{FileName: "race.csv", Data: makeCSV("SECOND", 2)})
	require.NoError(t, err)

	// The second job waits for the key while the first is embedding.
	time.Sleep(20 * time.Millisecond)
	second, err := h.ing.Job(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, StateReceived, second.State)

	close(h.embedder.gate)
	waitState(t, h.ing, firstID, StateDone)
	waitState(t, h.ing, secondID, StateDone)

	assert.Equal(t, []string{"SECOND01", "SECOND02"}, h.codes(t, "race.csv"))
	h.assertConsistent(t, "race.csv")
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "k")
	require.NoError(t, err)

	// Different keys do not contend.
	other, err := km.Lock(ctx, "other")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(waitCtx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent

	again, err := km.Lock(ctx, "k")
	require.NoError(t, err)
	again()
	assert.Empty(t, km.locks)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/audit"
	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/logging"
	"github.com/bull/recordsync/internal/metrics"
	"github.com/bull/recordsync/internal/query"
	"github.com/bull/recordsync/internal/repair"
	"github.com/bull/recordsync/internal/storage"
	"github.com/bull/recordsync/internal/storage/memory"
)

const dim = 3

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1, 0}, nil
}

func (stubEmbedder) Dimension() int { return dim }
func (stubEmbedder) Model() string  { return "stub" }

type stubChat struct{}

func (stubChat) Complete(ctx context.Context, system, user string) (string, error) {
	return "see [A01]", nil
}

func (stubChat) Model() string { return "stub-chat" }

type downStore struct{}

func (downStore) Health(ctx context.Context) error { return errors.New("connection refused") }

type env struct {
	docs    *memory.Documents
	vectors *memory.Vectors
	ing     *indexer.Ingestor
	logs    *logging.Buffer
	srv     *httptest.Server
}

func newEnv(t *testing.T, mutate func(*Deps)) *env {
	t.Helper()
	e := &env{docs: memory.NewDocuments(), vectors: memory.NewVectors(dim)}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	writer := indexer.NewWriter(e.docs, e.vectors, indexer.WriterConfig{}, nil)
	pipeline := indexer.NewPipeline(stubEmbedder{}, writer, indexer.PipelineConfig{}, m, nil)
	e.ing = indexer.NewIngestor(indexer.Deps{Pipeline: pipeline, Writer: writer, Metrics: m})
	t.Cleanup(e.ing.Close)

	engine, err := repair.NewEngine(e.docs, e.vectors, stubEmbedder{}, nil, repair.Config{BatchDelay: time.Millisecond}, m, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	e.logs = logging.NewBuffer(100, time.Hour, nil)

	d := Deps{
		Ingestor:  e.ing,
		Documents: e.docs,
		Auditor:   audit.NewAuditor(e.docs, e.vectors, audit.Config{}, m, nil),
		Repair:    engine,
		Query:     query.NewService(stubEmbedder{}, e.vectors, e.docs, stubChat{}, nil),
		Logs:      e.logs,
		Health:    map[string]HealthChecker{"documents": e.docs, "vectors": e.vectors},
		Gatherer:  reg,
	}
	if mutate != nil {
		mutate(&d)
	}
	e.srv = httptest.NewServer(NewHandler(d))
	t.Cleanup(e.srv.Close)
	return e
}

func makeCSV(prefix string, n int) string {
	var b strings.Builder
	b.WriteString("code;metadata_small;metadata_big_1\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%s%02d;item %d;details %d\n", prefix, i, i, i)
	}
	return b.String()
}

func (e *env) upload(t *testing.T, fileName, namespace, body string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if namespace != "" {
		require.NoError(t, mw.WriteField("namespace", namespace))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.srv.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *env) ingest(t *testing.T, fileName, namespace string, n int) indexer.Job {
	t.Helper()
	resp := e.upload(t, fileName, namespace, makeCSV(strings.ToUpper(fileName[:1]), n))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[uploadResponse](t, resp).JobID
	require.NotEmpty(t, id)
	e.ing.Wait()

	job := decode[indexer.Job](t, e.do(t, http.MethodGet, "/jobs/"+id, nil))
	require.Equal(t, indexer.StateDone, job.State, job.Error)
	return job
}

func TestUpload_RunsJob(t *testing.T) {
	e := newEnv(t, nil)
	job := e.ingest(t, "a.csv", "shop", 10)

	assert.Equal(t, "a.csv", job.FileName)
	assert.Equal(t, "shop", job.Namespace)
	assert.Equal(t, 10, job.Successful)
	assert.Equal(t, 10, e.docs.Len())
	assert.Equal(t, 10, e.vectors.Len())

	jobs := decode[[]indexer.Job](t, e.do(t, http.MethodGet, "/jobs", nil))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func TestUpload_RequiresFile(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.upload(t, "", "shop", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[errorResponse](t, resp).Error, "file")
}

func TestUpload_TooLarge(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.MaxUploadBytes = 400 })
	resp := e.upload(t, "big.csv", "", makeCSV("B", 50))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestJobs_NotFoundAndFinished(t *testing.T) {
	e := newEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/jobs/missing", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/jobs/missing", nil).StatusCode)

	job := e.ingest(t, "a.csv", "", 2)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodDelete, "/jobs/"+job.ID, nil).StatusCode)
}

func TestFiles_ListAndDelete(t *testing.T) {
	e := newEnv(t, nil)
	e.ingest(t, "a.csv", "", 4)
	e.ingest(t, "b.csv", "", 2)

	files := decode[[]storage.FileCount](t, e.do(t, http.MethodGet, "/files", nil))
	require.Len(t, files, 2)

	resp := e.do(t, http.MethodDelete, "/files/a.csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[indexer.DeleteResult](t, resp)
	assert.Equal(t, indexer.DeleteResult{Documents: 4, Vectors: 4}, res)
	assert.Equal(t, 2, e.docs.Len())
	assert.Equal(t, 2, e.vectors.Len())
}

func TestFiles_EmptyListIsArray(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/files", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, `[]`, string(raw))
}

func TestAuditAndRepair(t *testing.T) {
	e := newEnv(t, nil)
	e.ingest(t, "a.csv", "", 5)
	_, err := e.vectors.Delete(context.Background(), []string{"A02", "A04"})
	require.NoError(t, err)

	report := decode[audit.Report](t, e.do(t, http.MethodGet, "/audit", nil))
	require.Len(t, report.Files, 1)
	assert.EqualValues(t, 2, report.Files[0].Delta)

	diff := decode[audit.FileDiff](t, e.do(t, http.MethodGet, "/audit/a.csv", nil))
	require.Len(t, diff.Dangling, 2)

	var targets []repair.Target
	for _, r := range diff.Dangling {
		targets = append(targets, repair.Target{Code: r.Code, FileName: r.FileName, Namespace: r.Namespace, MetadataSmall: r.MetadataSmall})
	}

	resp := e.do(t, http.MethodPost, "/repair", repairRequest{Entries: targets})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "interactive repair is refused")

	resp = e.do(t, http.MethodPost, "/repair", repairRequest{Entries: targets, Auto: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[repair.Summary](t, resp)
	assert.Equal(t, 2, summary.Reembedded)

	report = decode[audit.Report](t, e.do(t, http.MethodGet, "/audit", nil))
	assert.True(t, report.Healthy())
}

func TestRepair_BadBody(t *testing.T) {
	e := newEnv(t, nil)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/repair", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchAndQuery(t *testing.T) {
	e := newEnv(t, nil)
	e.ingest(t, "a.csv", "shop", 3)

	resp := e.do(t, http.MethodPost, "/search", queryRequest{Question: "item", Namespace: "shop", TopK: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hits := decode[[]query.Hit](t, resp)
	assert.Len(t, hits, 2)

	resp = e.do(t, http.MethodPost, "/query", queryRequest{Question: "item", Namespace: "shop"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	answer := decode[query.Answer](t, resp)
	assert.Equal(t, "see [A01]", answer.Answer)
	assert.Equal(t, "stub-chat", answer.Model)
	assert.NotEmpty(t, answer.Sources)

	resp = e.do(t, http.MethodPost, "/query", queryRequest{Question: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOptionalServicesAnswerUnavailable(t *testing.T) {
	e := newEnv(t, func(d *Deps) {
		d.Query = nil
		d.Repair = nil
		d.Logs = nil
	})
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, http.MethodPost, "/query", queryRequest{Question: "x"}).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, http.MethodPost, "/repair", repairRequest{Auto: true}).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, http.MethodGet, "/logs", nil).StatusCode)
}

func TestLogs(t *testing.T) {
	e := newEnv(t, nil)
	zap.New(e.logs).Info("hello", zap.String("k", "v"))

	entries := decode[[]logging.Entry](t, e.do(t, http.MethodGet, "/logs?minutes=5", nil))
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Message)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/logs?minutes=abc", nil).StatusCode)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, map[string]string{"documents": "connected", "vectors": "connected"}, h.Stores)

	e = newEnv(t, func(d *Deps) { d.Health["vectors"] = downStore{} })
	resp = e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	h = decode[HealthResponse](t, resp)
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "disconnected", h.Stores["vectors"])
}

func TestMetrics(t *testing.T) {
	e := newEnv(t, nil)
	e.ingest(t, "a.csv", "", 3)

	resp := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `recordsync_records_processed_total{status="success"} 3`)
	assert.Contains(t, body.String(), `recordsync_jobs_total{state="done"} 1`)
}

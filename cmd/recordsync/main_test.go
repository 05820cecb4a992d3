package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/recordsync/internal/csvparse"
)

// memoryEnv points the CLI at in-memory stores and, when provider is set,
// at a fake embeddings endpoint.
func memoryEnv(t *testing.T, provider bool) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, key := range []string{"POSTGRES_DSN", "REDIS_ADDR", "KAFKA_BROKERS", "MINIO_ENDPOINT", "OPENAI_API_KEY"} {
		t.Setenv(key, "")
	}
	t.Setenv("STORE_DOCUMENTS", "memory")
	t.Setenv("STORE_VECTORS", "memory")
	t.Setenv("EMBEDDING_DIMENSION", "3")
	t.Setenv("EMBEDDING_FALLBACK_MODEL", "")
	t.Setenv("INGEST_CHUNK_DELAY", "0s")
	t.Setenv("LOG_LEVEL", "error")

	if provider {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"object": "list",
				"model":  "text-embedding-3-small",
				"data": []map[string]any{
					{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2, 0.3}},
				},
				"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
			})
		}))
		t.Cleanup(srv.Close)
		t.Setenv("OPENAI_API_KEY", "test-key")
		t.Setenv("OPENAI_BASE_URL", srv.URL+"/v1/")
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	var names []string
	for _, c := range newRootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"ingest", "delete", "audit", "repair", "ask", "convert-md"})
}

func TestConvertMD(t *testing.T) {
	dir := memoryEnv(t, false)
	src := filepath.Join(dir, "Guide.md")
	require.NoError(t, os.WriteFile(src, []byte("# Guide\n\nIntro.\n\n## Setup\n\nRun it.\n"), 0o644))
	dst := filepath.Join(dir, "guide.csv")

	_, err := execute(t, "convert-md", src, "--out", dst)
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	result, err := csvparse.NewParser(';').Parse(data, "guide.csv", "")
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "guide-guide", result.Records[0].Code)
	assert.Equal(t, "guide-setup", result.Records[1].Code)
	assert.Equal(t, "Run it.", result.Records[1].MetadataBig1)
}

func TestAudit_EmptyMemoryStores(t *testing.T) {
	memoryEnv(t, false)
	out, err := execute(t, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "Stores are consistent")
}

func TestIngest_RequiresKey(t *testing.T) {
	dir := memoryEnv(t, false)
	src := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(src, []byte("code;metadata_small\nA1;one\n"), 0o644))

	_, err := execute(t, "ingest", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestIngest_WithProvider(t *testing.T) {
	dir := memoryEnv(t, true)
	src := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(src, []byte("code;metadata_small\nA1;one\nA2;two\n;dropped\n"), 0o644))

	out, err := execute(t, "ingest", src, "--namespace", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, ": done")
	assert.Contains(t, out, "File: a.csv (namespace shop)")
	assert.Contains(t, out, "Embedded: 2/2")
}

func TestRepair_EmptyLog(t *testing.T) {
	dir := memoryEnv(t, false)
	log := filepath.Join(dir, "replay.log")
	require.NoError(t, os.WriteFile(log, nil, 0o644))

	out, err := execute(t, "repair", "--log", log)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "Nothing to repair"))
}

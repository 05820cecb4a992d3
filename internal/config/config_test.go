package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, BackendPostgres, cfg.Store.Documents)
	assert.Equal(t, 20, cfg.Ingest.EmbedBatchSize)
	assert.Equal(t, 100, cfg.Ingest.VectorBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Ingest.ChunkDelay)
	assert.Equal(t, 10000, cfg.Audit.TopK)
	assert.Equal(t, 5, cfg.Repair.Concurrency)
	assert.Equal(t, ';', cfg.Delimiter())
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POSTGRES_DSN", "postgres://localhost/records")
	t.Setenv("INGEST_EMBED_BATCH_SIZE", "7")
	t.Setenv("INGEST_CHUNK_DELAY", "250ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/records", cfg.Postgres.DSN)
	assert.Equal(t, 7, cfg.Ingest.EmbedBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Ingest.ChunkDelay)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "9000", cfg.Server.Port)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "recordsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  documents: memory
  vectors: memory
ingest:
  delimiter: ","
repair:
  batch_size: 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Documents)
	assert.Equal(t, ',', cfg.Delimiter())
	assert.Equal(t, 3, cfg.Repair.BatchSize)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("QDRANT_COLLECTION=from_dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("QDRANT_COLLECTION") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from_dotenv", cfg.Qdrant.Collection)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate(true)
	require.ErrorIs(t, err, ErrMissing)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	cfg.Store.Documents = BackendMemory
	cfg.OpenAI.APIKey = "sk-test"
	assert.NoError(t, cfg.Validate(true))
	assert.NoError(t, (&Config{Store: StoreConfig{Documents: BackendMemory, Vectors: BackendMemory}, Ingest: IngestConfig{Delimiter: ";"}}).Validate(false))

	cfg.Store.Vectors = "pinecone"
	assert.ErrorContains(t, cfg.Validate(true), "unknown vector store")

	cfg.Store.Vectors = BackendMemory
	cfg.Ingest.Delimiter = ";;"
	assert.ErrorContains(t, cfg.Validate(true), "delimiter")
}

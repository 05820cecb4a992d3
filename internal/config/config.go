// Package config loads recordsync settings from defaults, an optional YAML
// file, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissing is wrapped by Validate for every required setting left empty.
var ErrMissing = errors.New("missing required setting")

const (
	BackendPostgres = "postgres"
	BackendQdrant   = "qdrant"
	BackendMemory   = "memory"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Repair    RepairConfig    `mapstructure:"repair"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Minio     MinioConfig     `mapstructure:"minio"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// Mode is "http" to serve MCP over HTTP, "stdio" for local clients.
	Mode string `mapstructure:"mode"`
}

type LogConfig struct {
	Level       string        `mapstructure:"level"`
	Development bool          `mapstructure:"development"`
	BufferSize  int           `mapstructure:"buffer_size"`
	Retention   time.Duration `mapstructure:"retention"`
}

// StoreConfig selects the store backends.
type StoreConfig struct {
	Documents string `mapstructure:"documents"`
	Vectors   string `mapstructure:"vectors"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type EmbeddingConfig struct {
	Model             string        `mapstructure:"model"`
	FallbackModel     string        `mapstructure:"fallback_model"`
	Dimension         int           `mapstructure:"dimension"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type ChatConfig struct {
	Model         string        `mapstructure:"model"`
	FallbackModel string        `mapstructure:"fallback_model"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	Delimiter       string        `mapstructure:"delimiter"`
	EmbedBatchSize  int           `mapstructure:"embed_batch_size"`
	VectorBatchSize int           `mapstructure:"vector_batch_size"`
	ChunkDelay      time.Duration `mapstructure:"chunk_delay"`
	MaxRetries      int           `mapstructure:"max_retries"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

type AuditConfig struct {
	TopK        int `mapstructure:"top_k"`
	OrphanLimit int `mapstructure:"orphan_limit"`
}

type RepairConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"`
}

// RedisConfig enables the shared job store and lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	JobTTL   time.Duration `mapstructure:"job_ttl"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// KafkaConfig enables job events when Brokers is set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MinioConfig enables upload archiving when Endpoint is set.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "http")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.buffer_size", 5000)
	v.SetDefault("log.retention", 24*time.Hour)

	v.SetDefault("store.documents", BackendPostgres)
	v.SetDefault("store.vectors", BackendQdrant)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.api_key", "")
	v.SetDefault("qdrant.use_tls", false)
	v.SetDefault("qdrant.collection", "records")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.fallback_model", "")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.requests_per_second", 0.0)
	v.SetDefault("chat.model", "gpt-4o-mini")
	v.SetDefault("chat.fallback_model", "gpt-4o")
	v.SetDefault("chat.timeout", 60*time.Second)

	v.SetDefault("ingest.delimiter", ";")
	v.SetDefault("ingest.embed_batch_size", 20)
	v.SetDefault("ingest.vector_batch_size", 100)
	v.SetDefault("ingest.chunk_delay", 100*time.Millisecond)
	v.SetDefault("ingest.max_retries", 2)
	v.SetDefault("ingest.store_timeout", 30*time.Second)
	v.SetDefault("ingest.max_upload_bytes", 50<<20)

	v.SetDefault("audit.top_k", 10000)
	v.SetDefault("audit.orphan_limit", 10000)

	v.SetDefault("repair.batch_size", 20)
	v.SetDefault("repair.concurrency", 5)
	v.SetDefault("repair.batch_delay", 100*time.Millisecond)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.job_ttl", 7*24*time.Hour)
	v.SetDefault("redis.lock_ttl", 30*time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "recordsync-jobs")

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.bucket", "recordsync-uploads")
	v.SetDefault("minio.use_ssl", false)
}

// Load reads the configuration. path names an optional YAML file; a .env
// file in the working directory is loaded when present. Environment
// variables use the upper-cased key with dots replaced by underscores,
// e.g. POSTGRES_DSN or INGEST_EMBED_BATCH_SIZE.
func Load(path string) (*Config, error) {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by earlier deployments.
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("log.development", "LOG_DEVELOPMENT", "DEVELOPMENT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	return &cfg, nil
}

// splitList flattens comma separated entries, which is how a list arrives
// from a single environment variable.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every required setting that is missing for the selected
// backends. needOpenAI is false for commands that never embed.
func (c *Config) Validate(needOpenAI bool) error {
	var errs []error
	missing := func(key string) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, key))
	}

	switch c.Store.Documents {
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			missing("POSTGRES_DSN")
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown document store %q", c.Store.Documents))
	}

	switch c.Store.Vectors {
	case BackendQdrant:
		if c.Qdrant.Host == "" {
			missing("QDRANT_HOST")
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown vector store %q", c.Store.Vectors))
	}

	if needOpenAI && c.OpenAI.APIKey == "" {
		missing("OPENAI_API_KEY")
	}
	if len([]rune(c.Ingest.Delimiter)) != 1 {
		errs = append(errs, fmt.Errorf("csv delimiter must be one character, got %q", c.Ingest.Delimiter))
	}
	return errors.Join(errs...)
}

// Delimiter returns the CSV delimiter as a rune.
func (c *Config) Delimiter() rune {
	r := []rune(c.Ingest.Delimiter)
	if len(r) == 0 {
		return ';'
	}
	return r[0]
}

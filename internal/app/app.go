// Package app builds the stores and services shared by the server and the
// CLI from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/archive"
	"github.com/bull/recordsync/internal/audit"
	"github.com/bull/recordsync/internal/config"
	"github.com/bull/recordsync/internal/csvparse"
	"github.com/bull/recordsync/internal/embedding"
	"github.com/bull/recordsync/internal/events"
	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/logging"
	"github.com/bull/recordsync/internal/metrics"
	"github.com/bull/recordsync/internal/query"
	"github.com/bull/recordsync/internal/repair"
	"github.com/bull/recordsync/internal/storage"
	"github.com/bull/recordsync/internal/storage/memory"
)

// Options select what Build constructs.
type Options struct {
	// NeedOpenAI fails Build when no API key is configured. Without a key
	// the embedding services are left nil.
	NeedOpenAI bool
	// Confirmer approves repair batches; nil allows only automatic repair.
	Confirmer repair.Confirmer
	// Registerer receives the metrics; nil uses a private registry.
	Registerer prometheus.Registerer
}

// App holds every constructed component. Ingestor, Repair and Query are nil
// when no embedder is configured.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Logs      *logging.Buffer
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Documents storage.DocumentStore
	Vectors   storage.VectorStore
	Embedder  embedding.Embedder
	Chat      query.ChatModel
	Ingestor  *indexer.Ingestor
	Auditor   *audit.Auditor
	Repair    *repair.Engine
	Query     *query.Service

	closers []func() error
}

// Build connects to every configured backend. On error everything opened so
// far is closed again.
func Build(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	if err := cfg.Validate(opts.NeedOpenAI); err != nil {
		return nil, err
	}

	logger, logs, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		BufferSize:  cfg.Log.BufferSize,
		Retention:   cfg.Log.Retention,
	})
	if err != nil {
		return nil, err
	}

	a = &App{Config: cfg, Logger: logger, Logs: logs}
	a.onClose(func() error {
		_ = logger.Sync()
		return nil
	})
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	reg := opts.Registerer
	if reg == nil {
		a.Registry = prometheus.NewRegistry()
		reg = a.Registry
	}
	a.Metrics = metrics.New(reg)

	if err = a.openStores(ctx); err != nil {
		return nil, err
	}
	a.Auditor = audit.NewAuditor(a.Documents, a.Vectors, audit.Config{
		TopK:        cfg.Audit.TopK,
		OrphanLimit: cfg.Audit.OrphanLimit,
	}, a.Metrics, logger)

	if cfg.OpenAI.APIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, ingestion, repair and query are disabled")
		return a, nil
	}
	if err = a.openAI(); err != nil {
		return nil, err
	}
	if err = a.buildIngestor(ctx); err != nil {
		return nil, err
	}

	a.Repair, err = repair.NewEngine(a.Documents, a.Vectors, a.Embedder, opts.Confirmer, repair.Config{
		BatchSize:    cfg.Repair.BatchSize,
		Concurrency:  cfg.Repair.Concurrency,
		BatchDelay:   cfg.Repair.BatchDelay,
		MaxRetries:   cfg.Ingest.MaxRetries,
		StoreTimeout: cfg.Ingest.StoreTimeout,
	}, a.Metrics, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		a.Repair.Close()
		return nil
	})

	a.Query = query.NewService(a.Embedder, a.Vectors, a.Documents, a.Chat, logger)
	return a, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Store.Documents {
	case config.BackendMemory:
		a.Documents = memory.NewDocuments()
	default:
		store, err := storage.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		a.onClose(store.Close)
		a.Documents = store
	}

	switch cfg.Store.Vectors {
	case config.BackendMemory:
		a.Vectors = memory.NewVectors(cfg.Embedding.Dimension)
	default:
		store, err := storage.NewQdrantStore(storage.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
			Dimension:  cfg.Embedding.Dimension,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		a.onClose(store.Close)
		if err := store.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("failed to ensure collection: %w", err)
		}
		a.Vectors = store
	}
	return nil
}

func (a *App) openAI() error {
	cfg := a.Config
	embedCfg := embedding.Config{
		APIKey:            cfg.OpenAI.APIKey,
		BaseURL:           cfg.OpenAI.BaseURL,
		Model:             cfg.Embedding.Model,
		Dimension:         cfg.Embedding.Dimension,
		Timeout:           cfg.Embedding.Timeout,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	}
	primary, err := embedding.NewOpenAIEmbedder(embedCfg)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	a.Embedder = primary

	if cfg.Embedding.FallbackModel != "" {
		embedCfg.Model = cfg.Embedding.FallbackModel
		secondary, err := embedding.NewOpenAIEmbedder(embedCfg)
		if err != nil {
			return fmt.Errorf("failed to create fallback embedder: %w", err)
		}
		if a.Embedder, err = embedding.NewFallbackEmbedder(primary, secondary, a.Logger); err != nil {
			return err
		}
	}

	// The chat models share the embedder's client.
	chat := query.ChatModel(query.NewOpenAIChat(primary.Client(), cfg.Chat.Model, cfg.Chat.Timeout))
	if cfg.Chat.FallbackModel != "" && cfg.Chat.FallbackModel != cfg.Chat.Model {
		chat = query.NewFallbackChat(chat,
			query.NewOpenAIChat(primary.Client(), cfg.Chat.FallbackModel, cfg.Chat.Timeout), a.Logger)
	}
	a.Chat = chat
	return nil
}

func (a *App) buildIngestor(ctx context.Context) error {
	cfg := a.Config
	deps := indexer.Deps{
		Parser:  csvparse.NewParser(cfg.Delimiter()),
		Metrics: a.Metrics,
		Logger:  a.Logger,
	}

	writer := indexer.NewWriter(a.Documents, a.Vectors, indexer.WriterConfig{
		VectorBatchSize: cfg.Ingest.VectorBatchSize,
		StoreTimeout:    cfg.Ingest.StoreTimeout,
	}, a.Logger)
	deps.Writer = writer
	deps.Pipeline = indexer.NewPipeline(a.Embedder, writer, indexer.PipelineConfig{
		BatchSize:  cfg.Ingest.EmbedBatchSize,
		ChunkDelay: cfg.Ingest.ChunkDelay,
		MaxRetries: cfg.Ingest.MaxRetries,
	}, a.Metrics, a.Logger)

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		deps.Jobs = indexer.NewRedisJobStore(client, cfg.Redis.JobTTL)
		deps.Locker = indexer.NewRedisLocker(client, cfg.Redis.LockTTL, a.Logger)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to Kafka: %w", err)
		}
		a.onClose(publisher.Close)
		deps.Publisher = publisher
	}

	if cfg.Minio.Endpoint != "" {
		archiver, err := archive.NewMinioStore(ctx, archive.Config{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to MinIO: %w", err)
		}
		deps.Archiver = archiver
	}

	a.Ingestor = indexer.NewIngestor(deps)
	a.onClose(func() error {
		a.Ingestor.Close()
		return nil
	})
	return nil
}

package runtime

import (
	"context"
	"fmt"
	"log"

	"github.com/agrichat/knowledge/config"
	"github.com/agrichat/knowledge/internal/chunker"
	"github.com/agrichat/knowledge/internal/documents"
	"github.com/agrichat/knowledge/internal/embedding"
	"github.com/agrichat/knowledge/internal/extract"
	"github.com/agrichat/knowledge/internal/ingest"
	"github.com/agrichat/knowledge/internal/janitor"
	"github.com/agrichat/knowledge/internal/keywords"
	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/agrichat/knowledge/internal/queue/streams"
	"github.com/agrichat/knowledge/internal/retrieval"
	"github.com/agrichat/knowledge/internal/store"
	"github.com/agrichat/knowledge/provider"
	"github.com/agrichat/knowledge/provider/embedsvc"
	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Deps holds the dependencies shared by every agrirag command.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Redis     *redis.Client
	Registry  *streams.SchemaRegistry
	Telemetry *Telemetry
	Meter     otelmetric.Meter
	Embedder  *embedding.Batcher

	provider embedding.Provider
}

// Bootstrap opens Postgres, the optional Redis client, telemetry and the
// embedding provider for the named service.
func Bootstrap(ctx context.Context, cfg *config.Config, service string) (*Deps, error) {
	tel, meter, _, err := SetupTelemetry(ctx, cfg.Telemetry, TelemetryOptions{
		ServiceName:    service,
		ServiceVersion: Version,
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	d := &Deps{Config: cfg, Telemetry: tel, Meter: meter}

	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		d.Close(ctx)
		return nil, err
	}
	d.Store, err = store.NewWithDSN(ctx, dsn)
	if err != nil {
		d.Close(ctx)
		return nil, fmt.Errorf("postgres: %w", err)
	}
	d.Store.Dimensions = cfg.Embedding.Dimensions
	d.Store.EfSearch = cfg.Storage.Postgres.EfSearch
	d.Store.IterativeScan = cfg.Storage.Postgres.IterativeScan

	d.Redis, err = NewRedisClient(ctx, cfg.Storage.Redis)
	if err != nil {
		d.Close(ctx)
		return nil, err
	}
	d.Registry = streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(d.Registry); err != nil {
		d.Close(ctx)
		return nil, fmt.Errorf("stream schemas: %w", err)
	}

	d.provider, err = provider.NewEmbedder(cfg.Embedding)
	if err != nil {
		d.Close(ctx)
		return nil, err
	}
	d.Embedder = embedding.NewBatcher(d.provider, provider.NewBatcherOptions(cfg.Embedding), nil, meter)
	return d, nil
}

// Version is stamped into telemetry resources and the MCP implementation.
var Version = "dev"

// CheckEmbedding logs the embedding service health. Failures are reported but
// never abort startup since the service may come up later.
func (d *Deps) CheckEmbedding(ctx context.Context, logger *log.Logger) {
	svc, ok := d.provider.(*embedsvc.Client)
	if !ok {
		return
	}
	h, err := svc.Health(ctx)
	if err != nil {
		logger.Printf("warn: embedding service health check failed: %v", err)
		return
	}
	logger.Printf("embedding service %s: model=%s dimensions=%d", h.Status, h.Model, h.Dimensions)
	if h.Dimensions > 0 && h.Dimensions != d.Config.Embedding.Dimensions {
		logger.Printf("warn: embedding service reports %d dimensions, configured %d", h.Dimensions, d.Config.Embedding.Dimensions)
	}
}

// Orchestrator builds the ingestion pipeline from configuration.
func (d *Deps) Orchestrator(logger *log.Logger) (*ingest.Orchestrator, error) {
	cfg := d.Config
	kw, err := keywords.New("", cfg.Chunking.KeywordLimit)
	if err != nil {
		return nil, fmt.Errorf("keyword extractor: %w", err)
	}
	router := extract.NewRouter(extract.NewPDFClient(cfg.Extraction.PDFServiceURL, cfg.Extraction.Timeout))
	return ingest.NewOrchestrator(router, d.Embedder, kw, d.Store, ingest.Options{
		Chunking: chunker.Config{
			MaxChunkSize:     cfg.Chunking.MaxChunkSize,
			MinChunkSize:     cfg.Chunking.MinChunkSize,
			OverlapSentences: cfg.Chunking.OverlapSentences,
		},
		Language:          cfg.General.Language,
		EmbeddingModel:    cfg.Embedding.Model,
		ExtractionTimeout: cfg.Extraction.Timeout,
		RunTimeout:        cfg.Ingestion.RunTimeout,
	}, logger, d.Meter), nil
}

// Retrieval builds the query service over the pgvector index.
func (d *Deps) Retrieval(logger *log.Logger) *retrieval.Service {
	return retrieval.NewService(d.Embedder, d.Store, d.Config.Search, logger, d.Meter)
}

// Dispatcher returns the configured job dispatcher. With the local
// dispatcher the returned stop function drains the worker pool.
func (d *Deps) Dispatcher(ctx context.Context, runner ingest.Runner, logger *log.Logger) (knowledge.Dispatcher, func(), error) {
	ic := d.Config.Ingestion
	switch ic.Dispatcher {
	case "redis":
		if d.Redis == nil {
			return nil, nil, fmt.Errorf("redis dispatcher requires storage.redis")
		}
		return ingest.NewStreamDispatcher(streams.NewPublisher(d.Redis, d.Registry), ic.Stream), func() {}, nil
	default:
		pool := ingest.NewLocalPool(runner, ic.Workers, ic.QueueSize, logger)
		pool.Start(ctx)
		return pool, pool.Close, nil
	}
}

// Documents builds the upload and administration service.
func (d *Deps) Documents(dispatcher knowledge.Dispatcher, logger *log.Logger) (*documents.Service, error) {
	return documents.NewService(d.Store, dispatcher, documents.Options{
		UploadDir:      d.Config.Storage.File.UploadDir,
		MaxUploadBytes: d.Config.Server.MaxUploadBytes,
		Language:       d.Config.General.Language,
		EmbeddingModel: d.Config.Embedding.Model,
	}, logger)
}

// Janitor builds the stale-run sweeper, locked through Redis when available.
func (d *Deps) Janitor(logger *log.Logger) (*janitor.Janitor, error) {
	var locker janitor.Locker
	if d.Redis != nil {
		locker = janitor.RedisLocker{Client: d.Redis}
	}
	return janitor.New(d.Store, locker, d.Config.Janitor, logger)
}

// Close releases every opened resource.
func (d *Deps) Close(ctx context.Context) {
	if d == nil {
		return
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
	if err := d.Telemetry.Shutdown(ctx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
}

// Package server exposes the document administration and search HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/agrichat/knowledge/config"
	"github.com/agrichat/knowledge/internal/documents"
	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/agrichat/knowledge/internal/retrieval"
	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DocumentService is the upload and administration surface used by handlers.
type DocumentService interface {
	Create(ctx context.Context, up documents.Upload) (knowledge.Document, error)
	List(ctx context.Context, filter knowledge.ListFilter) ([]knowledge.Document, error)
	Get(ctx context.Context, id string) (knowledge.Document, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	BulkDelete(ctx context.Context, ids []string) documents.BulkResult
	Stats(ctx context.Context, ownerID string) (knowledge.Stats, error)
}

// Searcher answers semantic queries.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// Options configures the HTTP surface.
type Options struct {
	Secret         []byte
	AdminScope     string
	MaxUploadBytes int64
	Metrics        http.Handler
	Logger         *log.Logger
}

// New builds the echo instance with every route registered.
func New(docs DocumentService, search Searcher, opts Options) *echo.Echo {
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	if opts.AdminScope == "" {
		opts.AdminScope = "knowledge:admin"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	if opts.Metrics == nil {
		opts.Metrics = http.NotFoundHandler()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(opts.Logger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(opts.Metrics))

	api := e.Group("/api", runtime.EchoAuthMiddleware(opts.Secret))

	dh := &DocumentsHandler{Docs: docs, MaxUploadBytes: opts.MaxUploadBytes, Logger: opts.Logger}
	dh.Register(api.Group("/admin/documents", runtime.RequireScopes(opts.AdminScope)))

	sh := &SearchHandler{Search: search, AdminScope: opts.AdminScope}
	sh.Register(api)
	return e
}

// Run wires storage, ingestion and retrieval from cfg and serves HTTP until
// ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	deps, err := runtime.Bootstrap(ctx, cfg, "agrirag-api")
	if err != nil {
		return err
	}
	defer deps.Close(context.Background())

	if err := deps.Store.CheckDimensions(ctx, cfg.Embedding.Dimensions); err != nil {
		return err
	}
	deps.CheckEmbedding(ctx, logger)

	orch, err := deps.Orchestrator(nil)
	if err != nil {
		return err
	}
	dispatcher, stop, err := deps.Dispatcher(ctx, orch, nil)
	if err != nil {
		return err
	}
	defer stop()
	logger.Printf("ingestion dispatcher: %s", cfg.Ingestion.Dispatcher)

	docs, err := deps.Documents(dispatcher, nil)
	if err != nil {
		return err
	}

	if cfg.Janitor.Enabled {
		j, err := deps.Janitor(nil)
		if err != nil {
			return err
		}
		go func() {
			if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("janitor stopped: %v", err)
			}
		}()
	}

	e := New(docs, deps.Retrieval(nil), Options{
		Secret:         secret,
		AdminScope:     cfg.Server.AdminScope,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Metrics:        deps.Telemetry.MetricsHandler(),
		Logger:         logger,
	})

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10001"
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Printf("shutting down")
	return e.Shutdown(shutdownCtx)
}

// Package ingest drives uploaded documents through extraction, chunking,
// embedding and persistence, and schedules those runs on workers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agrichat/knowledge/internal/chunker"
	"github.com/agrichat/knowledge/internal/extract"
	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/agrichat/knowledge/internal/ingest")

// Embedder produces one vector per text, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
}

// KeywordExtractor ranks index terms of a passage.
type KeywordExtractor interface {
	Extract(text string) []string
}

// Runner executes one ingestion job to a terminal status.
type Runner interface {
	Run(ctx context.Context, job knowledge.Job) Outcome
}

// Outcome summarises a finished run. Status is empty when the run was
// dropped because the document was deleted or already terminal.
type Outcome struct {
	DocumentID string
	Status     knowledge.Status
	ChunkCount int
	Duration   time.Duration
	Err        error
}

// Options tunes the orchestrator.
type Options struct {
	Chunking          chunker.Config
	Language          string
	EmbeddingModel    string
	ExtractionTimeout time.Duration
	RunTimeout        time.Duration
}

// Orchestrator is the only writer of terminal document status.
type Orchestrator struct {
	extractor extract.Extractor
	embedder  Embedder
	keywords  KeywordExtractor
	repo      knowledge.IngestionRepository
	opts      Options
	logger    *log.Logger

	runCounter   otelmetric.Int64Counter
	chunkCounter otelmetric.Int64Counter
	durationHist otelmetric.Float64Histogram
}

// NewOrchestrator wires the pipeline stages. keywords and meter may be nil.
func NewOrchestrator(ex extract.Extractor, emb Embedder, keywords KeywordExtractor, repo knowledge.IngestionRepository, opts Options, logger *log.Logger, meter otelmetric.Meter) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	opts.Chunking = opts.Chunking.Normalize()
	if opts.ExtractionTimeout <= 0 {
		opts.ExtractionTimeout = 5 * time.Minute
	}
	o := &Orchestrator{extractor: ex, embedder: emb, keywords: keywords, repo: repo, opts: opts, logger: logger}
	if meter != nil {
		var err error
		o.runCounter, err = meter.Int64Counter("ingestion_runs_total", otelmetric.WithDescription("Ingestion runs by terminal status"))
		if err != nil {
			logger.Printf("warn: create run counter failed: %v", err)
		}
		o.chunkCounter, err = meter.Int64Counter("ingestion_chunks_total", otelmetric.WithDescription("Chunks persisted by completed runs"))
		if err != nil {
			logger.Printf("warn: create chunk counter failed: %v", err)
		}
		o.durationHist, err = meter.Float64Histogram("ingestion_duration_seconds", otelmetric.WithUnit("s"))
		if err != nil {
			logger.Printf("warn: create duration histogram failed: %v", err)
		}
	}
	return o
}

// Run takes a PROCESSING document to COMPLETED or FAILED. Cancellation of
// ctx does not abort the run; only the configured run timeout does.
func (o *Orchestrator) Run(ctx context.Context, job knowledge.Job) Outcome {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "ingest.run", trace.WithAttributes(
		attribute.String("document.id", job.DocumentID),
		attribute.String("document.mime_type", job.MimeType),
	))
	defer span.End()
	o.logger.Printf("document %s: ingestion started (%s)", job.DocumentID, job.MimeType)

	count, err := o.ingest(ctx, job)
	out := Outcome{DocumentID: job.DocumentID, Duration: time.Since(start), ChunkCount: count}
	if err == nil {
		out.Status = knowledge.StatusCompleted
		span.SetAttributes(attribute.Int("ingest.chunks", count))
		o.logger.Printf("document %s: completed with %d chunks in %s", job.DocumentID, count, out.Duration.Round(time.Millisecond))
		o.record(ctx, out)
		return out
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	out.Err = err
	out.ChunkCount = 0
	out.Status = knowledge.StatusFailed
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		o.logger.Printf("document %s: deleted during ingestion, dropping run: %v", job.DocumentID, err)
		out.Status = ""
	case errors.Is(err, knowledge.ErrInvalidTransition):
		o.logger.Printf("document %s: already terminal, dropping run: %v", job.DocumentID, err)
		out.Status = ""
	default:
		o.logger.Printf("document %s: failed after %s: %v", job.DocumentID, out.Duration.Round(time.Millisecond), err)
		if ferr := o.repo.MarkFailed(context.WithoutCancel(ctx), job.DocumentID, err.Error()); ferr != nil {
			o.logger.Printf("warn: document %s: record failure: %v", job.DocumentID, ferr)
		}
	}
	o.record(ctx, out)
	return out
}

func (o *Orchestrator) ingest(ctx context.Context, job knowledge.Job) (int, error) {
	if err := o.repo.MarkStarted(ctx, job.DocumentID); err != nil {
		return 0, knowledge.Stage("persist", err)
	}
	ectx, cancel := context.WithTimeout(ctx, o.opts.ExtractionTimeout)
	res, err := o.extractor.Extract(ectx, job.FilePath, job.MimeType)
	cancel()
	if err != nil {
		return 0, knowledge.Stage("extract", err)
	}

	passages := chunker.Chunk(res.Text, o.opts.Chunking)
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Content
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts, 0)
	if err != nil {
		return 0, knowledge.Stage("embed", err)
	}
	if len(vectors) != len(passages) {
		return 0, knowledge.Stage("embed", fmt.Errorf("got %d vectors for %d passages", len(vectors), len(passages)))
	}

	chunks := make([]knowledge.Chunk, len(passages))
	totalTokens := 0
	for i, p := range passages {
		totalTokens += p.Tokens
		chunks[i] = knowledge.Chunk{
			ID:         uuid.NewString(),
			DocumentID: job.DocumentID,
			Index:      i,
			Content:    p.Content,
			StartPos:   p.Start,
			EndPos:     p.End,
			Embedding:  vectors[i],
			Metadata: knowledge.ChunkMetadata{
				Tokens:   p.Tokens,
				Language: o.opts.Language,
			},
		}
		if o.keywords != nil {
			chunks[i].Metadata.Keywords = o.keywords.Extract(p.Content)
		}
	}
	if err := o.repo.InsertChunks(ctx, job.DocumentID, chunks); err != nil {
		return 0, knowledge.Stage("persist", err)
	}
	err = o.repo.MarkCompleted(ctx, job.DocumentID, knowledge.Completion{
		Content:    res.Text,
		ChunkCount: len(chunks),
		Metadata: knowledge.DocumentMetadata{
			Language:         o.opts.Language,
			EmbeddingModel:   o.opts.EmbeddingModel,
			ChunkingStrategy: chunker.Strategy,
			TotalTokens:      totalTokens,
			ExtractionMethod: res.Method,
			PageCount:        res.PageCount,
		},
	})
	if err != nil {
		return 0, knowledge.Stage("persist", err)
	}
	return len(chunks), nil
}

func (o *Orchestrator) record(ctx context.Context, out Outcome) {
	status := string(out.Status)
	if status == "" {
		status = "dropped"
	}
	attrs := otelmetric.WithAttributes(attribute.String("status", status))
	if o.runCounter != nil {
		o.runCounter.Add(ctx, 1, attrs)
	}
	if o.chunkCounter != nil && out.ChunkCount > 0 {
		o.chunkCounter.Add(ctx, int64(out.ChunkCount))
	}
	if o.durationHist != nil {
		o.durationHist.Record(ctx, out.Duration.Seconds(), attrs)
	}
}

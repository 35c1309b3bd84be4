package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/agrichat/knowledge/internal/queue/streams"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StreamDispatcher publishes ingestion jobs to a Redis stream for the worker command.
type StreamDispatcher struct {
	publisher *streams.Publisher
	stream    string
	maxLen    int64
}

func NewStreamDispatcher(pub *streams.Publisher, stream string) *StreamDispatcher {
	if stream == "" {
		stream = streams.EventIngestRequested
	}
	return &StreamDispatcher{publisher: pub, stream: stream, maxLen: 10000}
}

func (d *StreamDispatcher) Enqueue(ctx context.Context, job knowledge.Job) error {
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}
	if _, err := d.publisher.PublishRaw(ctx, d.stream, streams.EventIngestRequested, "v1", job, streams.WithMaxLenApprox(d.maxLen)); err != nil {
		return fmt.Errorf("publish %s: %w", streams.EventIngestRequested, err)
	}
	return nil
}

// finishedEvent mirrors the ingest.finished payload.
type finishedEvent struct {
	DocumentID    string `json:"document_id"`
	Status        string `json:"status"`
	ChunkCount    int    `json:"chunk_count"`
	FailureReason string `json:"failure_reason,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// Abandoner fails a document without running it.
type Abandoner interface {
	MarkFailed(ctx context.Context, documentID, reason string) error
}

// StreamWorker consumes ingest.requested events and runs them. Messages are
// acknowledged after the run reaches a terminal status, so a crashed worker's
// jobs are reclaimed by another consumer once idle for ClaimIdle. A job
// delivered more than MaxDeliveries times is failed through Abandon instead
// of being run again.
type StreamWorker struct {
	logger         *log.Logger
	runner         Runner
	consumer       *streams.Consumer
	publisher      *streams.Publisher
	stream         string
	finishedStream string
	ClaimIdle      time.Duration
	MaxDeliveries  int
	Abandon        Abandoner
}

// NewStreamWorker builds a worker. publisher may be nil to skip ingest.finished events.
func NewStreamWorker(logger *log.Logger, runner Runner, cons *streams.Consumer, pub *streams.Publisher, stream string) *StreamWorker {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if stream == "" {
		stream = streams.EventIngestRequested
	}
	return &StreamWorker{
		logger:         logger,
		runner:         runner,
		consumer:       cons,
		publisher:      pub,
		stream:         stream,
		finishedStream: streams.EventIngestFinished,
		ClaimIdle:      20 * time.Minute,
		MaxDeliveries:  3,
	}
}

// Start blocks, continuously processing ingestion events until the context is cancelled.
func (w *StreamWorker) Start(ctx context.Context) error {
	w.logger.Printf("stream worker starting; consuming stream %s", w.stream)
	w.reclaim(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("stream worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := w.consumer.Read(ctx, w.stream, streams.WithBlock(5*time.Second), streams.WithCount(1))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

// reclaim takes over entries left pending by consumers that died mid-run.
func (w *StreamWorker) reclaim(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := w.consumer.AutoClaim(ctx, w.stream, w.ClaimIdle, start, 16)
		if err != nil {
			w.logger.Printf("warn: reclaim pending entries failed: %v", err)
			return
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (w *StreamWorker) handle(ctx context.Context, msg streams.Message) {
	attempt := msg.Envelope.Attempt
	ctx, span := tracer.Start(msg.Envelope.ExtractTrace(ctx), "ingest.deliver", trace.WithAttributes(
		attribute.String("stream.message_id", msg.ID),
		attribute.Int("stream.attempt", attempt),
	))
	defer span.End()

	var job knowledge.Job
	if err := json.Unmarshal(msg.Envelope.Data, &job); err != nil {
		w.logger.Printf("error decoding message %s: %v", msg.ID, err)
		w.ack(ctx, msg.ID)
		return
	}

	var out Outcome
	if w.MaxDeliveries > 0 && attempt > w.MaxDeliveries {
		out = w.abandon(ctx, job, attempt)
	} else {
		if attempt > 1 {
			w.logger.Printf("document %s: redelivered (attempt %d)", job.DocumentID, attempt)
		}
		out = w.runner.Run(ctx, job)
	}
	w.ack(ctx, msg.ID)
	if out.Status == "" || w.publisher == nil {
		return
	}
	ev := finishedEvent{
		DocumentID: out.DocumentID,
		Status:     string(out.Status),
		ChunkCount: out.ChunkCount,
		DurationMS: out.Duration.Milliseconds(),
	}
	if out.Err != nil {
		ev.FailureReason = out.Err.Error()
	}
	if _, err := w.publisher.PublishRaw(context.WithoutCancel(ctx), w.finishedStream, streams.EventIngestFinished, "v1", ev, streams.WithMaxLenApprox(10000)); err != nil {
		w.logger.Printf("warn: publish %s for %s: %v", streams.EventIngestFinished, out.DocumentID, err)
	}
}

// abandon fails a job whose earlier deliveries all died mid-run.
func (w *StreamWorker) abandon(ctx context.Context, job knowledge.Job, attempt int) Outcome {
	reason := fmt.Sprintf("ingestion abandoned on delivery %d", attempt)
	w.logger.Printf("document %s: %s", job.DocumentID, reason)
	out := Outcome{DocumentID: job.DocumentID}
	if w.Abandon == nil {
		return out
	}
	err := w.Abandon.MarkFailed(context.WithoutCancel(ctx), job.DocumentID, reason)
	if err != nil {
		w.logger.Printf("warn: document %s: record abandonment: %v", job.DocumentID, err)
		return out
	}
	out.Status = knowledge.StatusFailed
	out.Err = errors.New(reason)
	return out
}

func (w *StreamWorker) ack(ctx context.Context, id string) {
	if err := w.consumer.Ack(context.WithoutCancel(ctx), w.stream, id); err != nil {
		w.logger.Printf("warn: failed to ack message %s: %v", id, err)
	}
}

var _ knowledge.Dispatcher = (*StreamDispatcher)(nil)

// Package embedding adapts an embedding provider into ordered, batched calls
// with bounded retries.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Provider turns texts into vectors. Implementations must return exactly one
// vector per input, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrDimensionMismatch is returned when a vector does not have the configured length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a provider error as not worth retrying (bad request, auth).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Options configures a Batcher.
type Options struct {
	BatchSize      int
	Dimensions     int
	MaxInputChars  int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RatePerSecond  float64
	Burst          int
}

func (o Options) normalize() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Batcher partitions inputs into provider-sized batches and reassembles the
// vectors in input order. Any batch failing after retries fails the whole call.
type Batcher struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
	logger   *log.Logger

	batchCounter otelmetric.Int64Counter
	retryCounter otelmetric.Int64Counter
}

// NewBatcher wraps provider. meter may be nil.
func NewBatcher(provider Provider, opts Options, logger *log.Logger, meter otelmetric.Meter) *Batcher {
	opts = opts.normalize()
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	b := &Batcher{provider: provider, opts: opts, logger: logger}
	if opts.RatePerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst)
	}
	if meter != nil {
		var err error
		b.batchCounter, err = meter.Int64Counter("embedding_batches_total")
		if err != nil {
			logger.Printf("warn: create batch counter failed: %v", err)
		}
		b.retryCounter, err = meter.Int64Counter("embedding_retries_total")
		if err != nil {
			logger.Printf("warn: create retry counter failed: %v", err)
		}
	}
	return b
}

// Dimensions returns the configured vector length (0 when unchecked).
func (b *Batcher) Dimensions() int { return b.opts.Dimensions }

// EmbedBatch embeds texts in sub-batches of batchSize (the configured size when
// batchSize <= 0). The result has len(texts) vectors in input order.
func (b *Batcher) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if batchSize <= 0 {
		batchSize = b.opts.BatchSize
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := make([]string, end-start)
		for i, t := range texts[start:end] {
			batch[i] = truncateRunes(t, b.opts.MaxInputChars)
		}
		vecs, err := b.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
		if b.batchCounter != nil {
			b.batchCounter.Add(ctx, 1)
		}
	}
	return out, nil
}

// EmbedQuery embeds a single query text.
func (b *Batcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedBatch(ctx, []string{text}, 1)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (b *Batcher) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var result [][]float32
	op := func() error {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		vecs, err := b.provider.Embed(ctx, batch)
		if err != nil {
			if IsPermanent(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(vecs) != len(batch) {
			return backoff.Permanent(fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(batch)))
		}
		for i, v := range vecs {
			if len(v) == 0 {
				return backoff.Permanent(fmt.Errorf("empty vector at position %d", i))
			}
			if b.opts.Dimensions > 0 && len(v) != b.opts.Dimensions {
				return backoff.Permanent(fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), b.opts.Dimensions))
			}
		}
		result = vecs
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = b.opts.InitialBackoff
	expo.MaxInterval = b.opts.MaxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(b.opts.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		if b.retryCounter != nil {
			b.retryCounter.Add(ctx, 1)
		}
		b.logger.Printf("retrying batch of %d after %s: %v", len(batch), wait, err)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    [][]string
	failures map[int]error // call index -> error
	dims     int
	short    bool
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()
	if err, ok := f.failures[idx]; ok {
		return nil, err
	}
	dims := f.dims
	if dims == 0 {
		dims = 2
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		var n int
		fmt.Sscanf(t, "t%d", &n)
		vec := make([]float32, dims)
		vec[0] = float32(n)
		out = append(out, vec)
	}
	if f.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func fastOptions() Options {
	return Options{BatchSize: 3, MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func inputs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("t%d", i)
	}
	return out
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	fp := &fakeProvider{}
	b := NewBatcher(fp, fastOptions(), quietLogger(), nil)
	vecs, err := b.EmbedBatch(context.Background(), inputs(8), 0)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 8 {
		t.Fatalf("expected 8 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != i {
			t.Fatalf("vector %d out of order: %v", i, v)
		}
	}
	if len(fp.calls) != 3 {
		t.Fatalf("expected 3 provider calls (3+3+2), got %d", len(fp.calls))
	}
	if len(fp.calls[2]) != 2 {
		t.Fatalf("expected final batch of 2, got %d", len(fp.calls[2]))
	}
}

func TestEmbedBatchExplicitBatchSize(t *testing.T) {
	fp := &fakeProvider{}
	b := NewBatcher(fp, fastOptions(), quietLogger(), nil)
	if _, err := b.EmbedBatch(context.Background(), inputs(10), 5); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(fp.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(fp.calls))
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	fp := &fakeProvider{}
	b := NewBatcher(fp, fastOptions(), quietLogger(), nil)
	vecs, err := b.EmbedBatch(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 0 || len(fp.calls) != 0 {
		t.Fatalf("expected no vectors and no calls")
	}
}

func TestEmbedBatchRetriesTransientFailure(t *testing.T) {
	fp := &fakeProvider{failures: map[int]error{1: errors.New("503 unavailable")}}
	b := NewBatcher(fp, fastOptions(), quietLogger(), nil)
	vecs, err := b.EmbedBatch(context.Background(), inputs(6), 0)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 6 {
		t.Fatalf("expected 6 vectors, got %d", len(vecs))
	}
	if len(fp.calls) != 3 {
		t.Fatalf("expected one retry (3 calls), got %d", len(fp.calls))
	}
	if strings.Join(fp.calls[1], ",") != strings.Join(fp.calls[2], ",") {
		t.Fatalf("retry should resend the same batch")
	}
}

func TestEmbedBatchFailsWholeCallAfterMaxAttempts(t *testing.T) {
	boom := errors.New("connection refused")
	fp := &fakeProvider{failures: map[int]error{1: boom, 2: boom, 3: boom}}
	b := NewBatcher(fp, fastOptions(), quietLogger(), nil)
	vecs, err := b.EmbedBatch(context.Background(), inputs(6), 0)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
	if vecs != nil {
		t.Fatalf("no partial vectors should be returned")
	}
	if len(fp.calls) != 4 {
		t.Fatalf("expected 1 + 3 attempts, got %d", len(fp.calls))
	}
}

func TestEmbedBatchPermanentErrorNotRetried(t *testing.T) {
	fp := &fakeProvider{failures: map[int]error{0: Permanent(errors.New("400 bad request"))}}
	b := NewBatcher(fp, fastOptions(), quietLogger(), nil)
	if _, err := b.EmbedBatch(context.Background(), inputs(2), 0); err == nil {
		t.Fatalf("expected error")
	}
	if len(fp.calls) != 1 {
		t.Fatalf("permanent error should not be retried, got %d calls", len(fp.calls))
	}
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	fp := &fakeProvider{short: true}
	b := NewBatcher(fp, fastOptions(), quietLogger(), nil)
	if _, err := b.EmbedBatch(context.Background(), inputs(3), 0); err == nil {
		t.Fatalf("expected count mismatch error")
	}
	if len(fp.calls) != 1 {
		t.Fatalf("count mismatch should not be retried")
	}
}

func TestEmbedBatchDimensionCheck(t *testing.T) {
	fp := &fakeProvider{dims: 4}
	opts := fastOptions()
	opts.Dimensions = 768
	b := NewBatcher(fp, opts, quietLogger(), nil)
	_, err := b.EmbedBatch(context.Background(), inputs(1), 0)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestEmbedBatchTruncatesInputs(t *testing.T) {
	fp := &fakeProvider{}
	opts := fastOptions()
	opts.MaxInputChars = 5
	b := NewBatcher(fp, opts, quietLogger(), nil)
	if _, err := b.EmbedBatch(context.Background(), []string{"t1 đồng ruộng"}, 0); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if got := fp.calls[0][0]; got != "t1 đồ" {
		t.Fatalf("expected rune-safe truncation, got %q", got)
	}
}

func TestEmbedQuery(t *testing.T) {
	fp := &fakeProvider{}
	b := NewBatcher(fp, fastOptions(), quietLogger(), nil)
	vec, err := b.EmbedQuery(context.Background(), "t7")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if vec[0] != 7 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestEmbedBatchHonoursCancelledContext(t *testing.T) {
	fp := &fakeProvider{failures: map[int]error{0: errors.New("timeout")}}
	opts := fastOptions()
	opts.InitialBackoff = time.Second
	opts.MaxBackoff = time.Second
	b := NewBatcher(fp, opts, quietLogger(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.EmbedBatch(ctx, inputs(1), 0); err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if len(fp.calls) > 1 {
		t.Fatalf("expected no retry once context expired, got %d calls", len(fp.calls))
	}
}

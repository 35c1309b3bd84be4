package store_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/agrichat/knowledge/internal/store"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		tcPostgres.WithDatabase("agrirag"),
		tcPostgres.WithUsername("agrirag"),
		tcPostgres.WithPassword("agrirag"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://agrirag:agrirag@%s:%s/agrirag?sslmode=disable", host, port.Port())
}

func unit(dim, hot int, lean float32) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	v[(hot+1)%dim] = lean
	return v
}

func TestStoreLifecycleAgainstPgvector(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)
	if err := store.Migrate("", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()
	if err := st.CheckDimensions(ctx, 768); err != nil {
		t.Fatalf("check dimensions: %v", err)
	}
	if err := st.CheckDimensions(ctx, 1536); err == nil {
		t.Fatalf("expected dimension mismatch against vector(768)")
	}
	st.Dimensions = 768

	doc, err := st.CreateDocument(ctx, knowledge.Document{
		ID: uuid.NewString(), Filename: "f.txt", OriginalName: "lua.txt", FilePath: "/tmp/f.txt",
		MimeType: "text/plain", Category: "rice", OwnerID: "farmer-1", Tags: []string{"lua"},
		Metadata: knowledge.DocumentMetadata{FileSize: 42},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.Status != knowledge.StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", doc.Status)
	}

	chunks := []knowledge.Chunk{
		{Index: 0, Content: "Lúa cần nước.", StartPos: 0, EndPos: 13, Embedding: unit(768, 0, 0.1)},
		{Index: 1, Content: "Bón phân đúng lúc.", StartPos: 14, EndPos: 32, Embedding: unit(768, 5, 0)},
	}
	if err := st.InsertChunks(ctx, doc.ID, chunks); err != nil {
		t.Fatalf("insert chunks: %v", err)
	}

	// chunks of a PROCESSING document are not searchable
	hits, err := st.Search(ctx, knowledge.SearchRequest{Vector: unit(768, 0, 0), TopK: 5, Threshold: 0})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits before completion, got %d", len(hits))
	}

	if err := st.MarkCompleted(ctx, doc.ID, knowledge.Completion{Content: "Lúa cần nước. Bón phân đúng lúc.", ChunkCount: 3}); err == nil {
		t.Fatalf("expected chunk count mismatch")
	}
	if err := st.MarkCompleted(ctx, doc.ID, knowledge.Completion{Content: "Lúa cần nước. Bón phân đúng lúc.", ChunkCount: 2}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, found, err := st.GetDocument(ctx, doc.ID)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Status != knowledge.StatusCompleted || got.ChunkCount != 2 || !got.EmbeddingGenerated || got.ProcessedAt == nil {
		t.Fatalf("unexpected completed document: %+v", got)
	}
	if err := st.MarkFailed(ctx, doc.ID, "late failure"); err == nil {
		t.Fatalf("COMPLETED must be terminal")
	}

	hits, err = st.Search(ctx, knowledge.SearchRequest{Vector: unit(768, 0, 0), TopK: 5, Threshold: 0.5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkIndex != 0 || hits[0].DocumentName != "lua.txt" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if hits[0].Similarity < 0.99 {
		t.Fatalf("expected near-identical similarity, got %f", hits[0].Similarity)
	}

	hits, err = st.Search(ctx, knowledge.SearchRequest{Vector: unit(768, 0, 0), TopK: 5, Threshold: 0.999, OwnerID: "someone-else"})
	if err != nil || len(hits) != 0 {
		t.Fatalf("owner filter should exclude: hits=%d err=%v", len(hits), err)
	}
	nearest, err := st.Nearest(ctx, unit(768, 0, 0), 3, "")
	if err != nil || len(nearest) != 2 || nearest[0].Similarity < nearest[1].Similarity {
		t.Fatalf("unexpected nearest: %+v err=%v", nearest, err)
	}

	stats, err := st.DocumentStats(ctx, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDocuments != 1 || stats.TotalChunks != 2 || stats.ByStatus[knowledge.StatusCompleted] != 1 || stats.TotalSize != 42 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, found, err := st.DeleteDocument(ctx, doc.ID); err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	if _, found, err := st.DeleteDocument(ctx, doc.ID); err != nil || found {
		t.Fatalf("second delete should be a no-op: found=%v err=%v", found, err)
	}
	var remaining int
	if err := st.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&remaining); err != nil || remaining != 0 {
		t.Fatalf("expected cascade delete, remaining=%d err=%v", remaining, err)
	}
}

func TestFailStaleAgainstPgvector(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)
	if err := store.Migrate("", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	newDoc := func(name string) knowledge.Document {
		t.Helper()
		doc, err := st.CreateDocument(ctx, knowledge.Document{Filename: name, OriginalName: name, FilePath: "/tmp/" + name, MimeType: "text/plain"})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		return doc
	}
	queued := newDoc("queued")
	running := newDoc("running")
	if err := st.MarkStarted(ctx, running.ID); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if err := st.InsertChunks(ctx, running.ID, []knowledge.Chunk{{Index: 0, Content: "x", StartPos: 0, EndPos: 1, Embedding: unit(768, 1, 0)}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// a document still waiting in the queue is not abandoned, however old its upload
	ids, err := st.FailStale(ctx, time.Now().Add(time.Minute), time.Time{}, "ingestion abandoned")
	if err != nil || len(ids) != 1 || ids[0] != running.ID {
		t.Fatalf("fail stale: ids=%v err=%v", ids, err)
	}
	got, _, _ := st.GetDocument(ctx, running.ID)
	if got.Status != knowledge.StatusFailed || got.FailureReason != "ingestion abandoned" {
		t.Fatalf("unexpected document: %+v", got)
	}
	got, _, _ = st.GetDocument(ctx, queued.ID)
	if got.Status != knowledge.StatusProcessing {
		t.Fatalf("queued document must stay PROCESSING, got %s", got.Status)
	}
	stats, _ := st.DocumentStats(ctx, "")
	if stats.TotalChunks != 0 {
		t.Fatalf("expected provisional chunks removed")
	}
	if err := st.MarkStarted(ctx, running.ID); !errors.Is(err, knowledge.ErrInvalidTransition) {
		t.Fatalf("a swept document cannot start again, got %v", err)
	}

	// the queued run starts later and is judged from its own start
	if err := st.MarkStarted(ctx, queued.ID); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	ids, err = st.FailStale(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), "ingestion abandoned")
	if err != nil || len(ids) != 0 {
		t.Fatalf("a freshly started run is not stale: ids=%v err=%v", ids, err)
	}

	// never-started documents are failed once the queued cutoff passes
	lost := newDoc("lost")
	ids, err = st.FailStale(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute), "ingestion abandoned")
	if err != nil || len(ids) != 1 || ids[0] != lost.ID {
		t.Fatalf("expected only the never-started document: ids=%v err=%v", ids, err)
	}
}

// towards returns a unit vector whose cosine similarity with unit(dim, 0, 0)
// is sim, with the remainder on axis.
func towards(dim, axis int, sim float64) []float32 {
	v := make([]float32, dim)
	v[0] = float32(sim)
	v[axis] = float32(math.Sqrt(1 - sim*sim))
	return v
}

func TestSearchRankingAgainstPgvector(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)
	if err := store.Migrate("", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()
	st.Dimensions = 768
	st.EfSearch = 100
	st.IterativeScan = "strict_order"

	doc, err := st.CreateDocument(ctx, knowledge.Document{Filename: "f", OriginalName: "sau-benh.txt", FilePath: "/tmp/f", MimeType: "text/plain", OwnerID: "farmer-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const (
		tieLow  = "00000000-0000-4000-8000-000000000001"
		tieHigh = "00000000-0000-4000-8000-000000000002"
	)
	// indexes 0 and 1 share a vector; the lower chunk id must win the tie
	chunks := []knowledge.Chunk{
		{ID: tieHigh, Index: 0, Content: "a", StartPos: 0, EndPos: 1, Embedding: unit(768, 0, 0)},
		{ID: tieLow, Index: 1, Content: "b", StartPos: 2, EndPos: 3, Embedding: unit(768, 0, 0)},
		{Index: 2, Content: "c", StartPos: 4, EndPos: 5, Embedding: towards(768, 10, 0.8)},
		{Index: 3, Content: "d", StartPos: 6, EndPos: 7, Embedding: towards(768, 10, 0.6)},
		{Index: 4, Content: "e", StartPos: 8, EndPos: 9, Embedding: unit(768, 5, 0)},
	}
	if err := st.InsertChunks(ctx, doc.ID, chunks); err != nil {
		t.Fatalf("insert chunks: %v", err)
	}
	if err := st.MarkCompleted(ctx, doc.ID, knowledge.Completion{Content: "a b c d e", ChunkCount: len(chunks)}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	query := unit(768, 0, 0)
	hits, err := st.Search(ctx, knowledge.SearchRequest{Vector: query, TopK: 2, Threshold: 0.5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected topK=2 hits out of 4 above the threshold, got %d", len(hits))
	}
	if hits[0].ChunkID != tieLow || hits[1].ChunkID != tieHigh {
		t.Fatalf("equal similarities must be ordered by chunk id, got %s then %s", hits[0].ChunkID, hits[1].ChunkID)
	}

	hits, err = st.Search(ctx, knowledge.SearchRequest{Vector: query, TopK: 10, Threshold: 0.5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 4 {
		t.Fatalf("expected the 4 chunks above 0.5, got %d", len(hits))
	}
	wantIdx := []int{1, 0, 2, 3}
	for i, h := range hits {
		if h.ChunkIndex != wantIdx[i] {
			t.Fatalf("hit %d: chunk index %d, want %d", i, h.ChunkIndex, wantIdx[i])
		}
		if h.Similarity < 0.5 {
			t.Fatalf("hit %d below threshold: %f", i, h.Similarity)
		}
		if i > 0 && h.Similarity > hits[i-1].Similarity {
			t.Fatalf("similarities not descending at %d: %f > %f", i, h.Similarity, hits[i-1].Similarity)
		}
	}
	if math.Abs(hits[2].Similarity-0.8) > 1e-4 || math.Abs(hits[3].Similarity-0.6) > 1e-4 {
		t.Fatalf("unexpected similarities %f, %f", hits[2].Similarity, hits[3].Similarity)
	}

	// best match around 0.2 misses a 0.4 threshold entirely
	weak := towards(768, 20, 0.2)
	hits, err = st.Search(ctx, knowledge.SearchRequest{Vector: weak, TopK: 5, Threshold: 0.4})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits at threshold 0.4, got %+v", hits)
	}
	nearest, err := st.Nearest(ctx, weak, 3, "farmer-1")
	if err != nil || len(nearest) != 3 {
		t.Fatalf("nearest ignores the threshold: n=%d err=%v", len(nearest), err)
	}
	if nearest[0].Similarity > 0.4 || nearest[0].Similarity < nearest[1].Similarity {
		t.Fatalf("unexpected nearest ranking: %+v", nearest)
	}

	hits, err = st.Search(ctx, knowledge.SearchRequest{Vector: query, TopK: 5, Threshold: 0.5, OwnerID: "farmer-1"})
	if err != nil || len(hits) != 4 {
		t.Fatalf("owner-scoped search: n=%d err=%v", len(hits), err)
	}
}

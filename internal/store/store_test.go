package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/agrichat/knowledge/internal/knowledge"
)

const docID = "6f1c2d9e-5b7a-4c3e-9f10-2a4b6c8d0e12"

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func documentRow(status string) *sqlmock.Rows {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{"id", "filename", "original_name", "file_path", "mime_type", "content", "category", "tags",
		"owner_id", "status", "chunk_count", "embedding_generated", "metadata", "failure_reason", "created_at", "updated_at", "processed_at"}).
		AddRow(docID, docID+"_lua.txt", "lua.txt", "/data/"+docID+"_lua.txt", "text/plain", "Lúa nước", "rice", "{lua,nuoc}",
			"user-1", status, 2, true, `{"fileSize":12,"chunkingStrategy":"sentence-based"}`, "", now, now, now)
}

func TestCreateDocumentAdvancesToProcessing(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO documents (id, filename, original_name, file_path, mime_type, category, tags, owner_id, status, metadata)`)).
		WithArgs(docID, "f.txt", "a.txt", "/tmp/f.txt", "text/plain", "rice", sqlmock.AnyArg(), "user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE documents SET status='PROCESSING', updated_at=NOW()`)).
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
	mock.ExpectCommit()

	doc, err := st.CreateDocument(context.Background(), knowledge.Document{
		ID: docID, Filename: "f.txt", OriginalName: "a.txt", FilePath: "/tmp/f.txt", MimeType: "text/plain",
		Category: "rice", OwnerID: "user-1",
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if doc.Status != knowledge.StatusProcessing || doc.ChunkCount != 0 || doc.EmbeddingGenerated {
		t.Fatalf("unexpected document state: %+v", doc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDocumentRollsBackOnInsertError(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO documents`)).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if _, err := st.CreateDocument(context.Background(), knowledge.Document{Filename: "f"}); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetDocument(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM documents WHERE id=$1`)).WithArgs(docID).WillReturnRows(documentRow("COMPLETED"))

	doc, found, err := st.GetDocument(context.Background(), docID)
	if err != nil || !found {
		t.Fatalf("GetDocument: found=%v err=%v", found, err)
	}
	if doc.Status != knowledge.StatusCompleted || len(doc.Tags) != 2 || doc.Metadata.FileSize != 12 || doc.ProcessedAt == nil {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestGetDocumentMissing(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM documents WHERE id=$1`)).WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, found, err := st.GetDocument(context.Background(), docID); err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
	// malformed ids never reach the database
	if _, found, err := st.GetDocument(context.Background(), "not-a-uuid"); err != nil || found {
		t.Fatalf("expected not found for malformed id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListDocumentsBuildsFilter(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM documents WHERE owner_id=$1 AND status=$2 ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`)).
		WithArgs("user-1", "COMPLETED", 10, 0).
		WillReturnRows(documentRow("COMPLETED"))

	docs, err := st.ListDocuments(context.Background(), knowledge.ListFilter{OwnerID: "user-1", Status: knowledge.StatusCompleted, Limit: 10})
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected one document, got %d", len(docs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM documents WHERE id=$1 RETURNING`)).WithArgs(docID).WillReturnRows(documentRow("COMPLETED"))
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM documents WHERE id=$1 RETURNING`)).WithArgs(docID).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	doc, found, err := st.DeleteDocument(context.Background(), docID)
	if err != nil || !found || doc.FilePath == "" {
		t.Fatalf("first delete: doc=%+v found=%v err=%v", doc, found, err)
	}
	if _, found, err := st.DeleteDocument(context.Background(), docID); err != nil || found {
		t.Fatalf("second delete should report not found, got found=%v err=%v", found, err)
	}
}

func TestDocumentStats(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`GROUP BY status, COALESCE(category,'')`)).WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"status", "category", "count", "size"}).
			AddRow("COMPLETED", "rice", 2, 200).
			AddRow("FAILED", "", 1, 50).
			AddRow("PROCESSING", "rice", 1, 10))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM document_chunks c`)).WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	stats, err := st.DocumentStats(context.Background(), "")
	if err != nil {
		t.Fatalf("DocumentStats: %v", err)
	}
	if stats.TotalDocuments != 4 || stats.TotalChunks != 7 || stats.TotalSize != 260 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.ByStatus[knowledge.StatusPending] != 0 || stats.ByStatus[knowledge.StatusCompleted] != 2 {
		t.Fatalf("unexpected byStatus: %+v", stats.ByStatus)
	}
	if stats.ByCategory["rice"] != 3 || stats.ByCategory["uncategorized"] != 1 {
		t.Fatalf("unexpected byCategory: %+v", stats.ByCategory)
	}
}

func TestInsertChunksReplacesRowsInOneTransaction(t *testing.T) {
	st, mock := newMock(t)
	st.Dimensions = 2
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM documents WHERE id=$1 FOR UPDATE`)).WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PROCESSING"))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM document_chunks WHERE document_id=$1`)).WithArgs(docID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO document_chunks`))
	prep.ExpectExec().WithArgs("c0", docID, 0, "A.", 0, 2, "[0.1,0.2]", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("c1", docID, 1, "B.", 3, 5, "[0.3,0.4]", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.InsertChunks(context.Background(), docID, []knowledge.Chunk{
		{ID: "c0", Index: 0, Content: "A.", StartPos: 0, EndPos: 2, Embedding: []float32{0.1, 0.2}},
		{ID: "c1", Index: 1, Content: "B.", StartPos: 3, EndPos: 5, Embedding: []float32{0.3, 0.4}},
	})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertChunksRejectsWrongDimensions(t *testing.T) {
	st, mock := newMock(t)
	st.Dimensions = 3
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PROCESSING"))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM document_chunks`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO document_chunks`))
	mock.ExpectRollback()

	err := st.InsertChunks(context.Background(), docID, []knowledge.Chunk{{ID: "c0", Content: "A.", EndPos: 2, Embedding: []float32{1, 2}}})
	if err == nil {
		t.Fatalf("expected dimension error")
	}
}

func TestInsertChunksRequiresProcessing(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FAILED"))
	mock.ExpectRollback()

	err := st.InsertChunks(context.Background(), docID, []knowledge.Chunk{{Content: "x"}})
	if !errors.Is(err, knowledge.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkCompleted(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`SET status='COMPLETED'`)).
		WithArgs(docID, "full text", 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkCompleted(context.Background(), docID, knowledge.Completion{Content: "full text", ChunkCount: 2}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
}

func TestMarkCompletedReportsCountMismatch(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`SET status='COMPLETED'`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT d.status`)).WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("PROCESSING", 1))

	err := st.MarkCompleted(context.Background(), docID, knowledge.Completion{ChunkCount: 3})
	var mismatch knowledge.ErrChunkCountMismatch
	if !errors.As(err, &mismatch) || mismatch.Persisted != 1 || mismatch.Expected != 3 {
		t.Fatalf("expected chunk count mismatch, got %v", err)
	}
}

func TestMarkCompletedOnTerminalDocument(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`SET status='COMPLETED'`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT d.status`)).WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("FAILED", 0))

	err := st.MarkCompleted(context.Background(), docID, knowledge.Completion{})
	if !errors.Is(err, knowledge.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkFailedDeletesChunks(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PROCESSING"))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM document_chunks WHERE document_id=$1`)).WithArgs(docID).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`SET status='FAILED', failure_reason=$2`)).WithArgs(docID, "embed: down").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.MarkFailed(context.Background(), docID, "embed: down"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchScansHits(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`AND 1 - (c.embedding <=> $1::vector) >= $3`)).
		WithArgs("[1,0]", "", 0.35, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "original_name", "category", "chunk_index", "content", "metadata", "similarity"}).
			AddRow("c1", docID, "lua.txt", "rice", 0, "Lúa", `{"tokens":1,"keywords":["lua"]}`, 0.91).
			AddRow("c2", docID, "lua.txt", "rice", 1, "Nước", `{"tokens":1}`, 0.52))

	hits, err := st.Search(context.Background(), knowledge.SearchRequest{Vector: []float32{1, 0}, TopK: 2, Threshold: 0.35})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 || hits[0].Similarity != 0.91 || hits[0].Metadata.Keywords[0] != "lua" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestSearchTunesHNSWScan(t *testing.T) {
	st, mock := newMock(t)
	st.EfSearch = 100
	st.IterativeScan = "strict_order"
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL hnsw.ef_search = 100`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL hnsw.iterative_scan = 'strict_order'`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`AND ($2 = '' OR d.owner_id = $2)`)).
		WithArgs("[1,0]", "farmer-1", 0.4, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "original_name", "category", "chunk_index", "content", "metadata", "similarity"}).
			AddRow("c1", docID, "lua.txt", "rice", 0, "Lúa", `{}`, 0.8))
	mock.ExpectCommit()

	hits, err := st.Search(context.Background(), knowledge.SearchRequest{Vector: []float32{1, 0}, TopK: 5, Threshold: 0.4, OwnerID: "farmer-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEfSearchCoversLimit(t *testing.T) {
	cases := []struct{ configured, limit, want int }{
		{0, 50, 0},
		{100, 5, 100},
		{100, 300, 300},
		{100, 5000, maxEfSearch},
	}
	for _, c := range cases {
		if got := efSearch(c.configured, c.limit); got != c.want {
			t.Fatalf("efSearch(%d, %d) = %d, want %d", c.configured, c.limit, got, c.want)
		}
	}
}

func TestSearchEmptyVector(t *testing.T) {
	st, _ := newMock(t)
	if _, err := st.Search(context.Background(), knowledge.SearchRequest{}); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}

func TestFailStale(t *testing.T) {
	st, mock := newMock(t)
	started := time.Now().Add(-30 * time.Minute)
	queued := time.Now().Add(-24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`AND ((started_at IS NOT NULL AND started_at < $1)`)).
		WithArgs(started, queued, "ingestion abandoned").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(docID))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM document_chunks WHERE document_id = ANY($1)`)).
		WithArgs("{\"" + docID + "\"}").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	ids, err := st.FailStale(context.Background(), started, queued, "ingestion abandoned")
	if err != nil {
		t.Fatalf("FailStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != docID {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFailStaleWithoutQueuedCutoff(t *testing.T) {
	st, mock := newMock(t)
	started := time.Now().Add(-30 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`OR (started_at IS NULL AND $2::timestamptz IS NOT NULL AND updated_at < $2))`)).
		WithArgs(started, nil, "ingestion abandoned").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	ids, err := st.FailStale(context.Background(), started, time.Time{}, "ingestion abandoned")
	if err != nil || ids != nil {
		t.Fatalf("FailStale: ids=%v err=%v", ids, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkStarted(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE documents SET started_at=NOW() WHERE id=$1 AND status='PROCESSING'`)).
		WithArgs(docID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.MarkStarted(context.Background(), docID); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE documents SET started_at=NOW()`)).
		WithArgs(docID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM documents WHERE id=$1`)).
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FAILED"))
	if err := st.MarkStarted(context.Background(), docID); !errors.Is(err, knowledge.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// lockProcessing locks the document row and verifies it is still PROCESSING.
func lockProcessing(ctx context.Context, tx *sql.Tx, documentID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return knowledge.ErrNotFound
	}
	if err != nil {
		return err
	}
	if knowledge.Status(status) != knowledge.StatusProcessing {
		return fmt.Errorf("%w: document %s is %s", knowledge.ErrInvalidTransition, documentID, status)
	}
	return nil
}

// MarkStarted stamps the start of an ingestion run on a PROCESSING document.
// A redelivered run stamps it again.
func (s *Store) MarkStarted(ctx context.Context, documentID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE documents SET started_at=NOW() WHERE id=$1 AND status='PROCESSING'`, documentID)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var status string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM documents WHERE id=$1`, documentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return knowledge.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: document %s is %s", knowledge.ErrInvalidTransition, documentID, status)
}

// InsertChunks writes all chunk rows of a document in one transaction,
// replacing rows left by an earlier attempt of the same run.
func (s *Store) InsertChunks(ctx context.Context, documentID string, chunks []knowledge.Chunk) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if err = lockProcessing(ctx, tx, documentID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear previous chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO document_chunks (id, document_id, chunk_index, content, start_pos, end_pos, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		var vec any
		if len(c.Embedding) > 0 {
			if s.Dimensions > 0 && len(c.Embedding) != s.Dimensions {
				return fmt.Errorf("chunk %d: vector has %d dimensions, want %d", c.Index, len(c.Embedding), s.Dimensions)
			}
			vec = pgvector.NewVector(c.Embedding)
		}
		meta, merr := json.Marshal(c.Metadata)
		if merr != nil {
			return fmt.Errorf("encode chunk %d metadata: %w", c.Index, merr)
		}
		if _, err = stmt.ExecContext(ctx, c.ID, documentID, c.Index, c.Content, c.StartPos, c.EndPos, vec, meta); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}
	return nil
}

// MarkCompleted finalises a PROCESSING document. The update only applies when
// the persisted chunk rows match c.ChunkCount.
func (s *Store) MarkCompleted(ctx context.Context, documentID string, c knowledge.Completion) error {
	meta, err := json.Marshal(metadataPatch(c.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE documents d
SET status='COMPLETED',
    content=$2,
    chunk_count=$3,
    embedding_generated=NOT EXISTS (SELECT 1 FROM document_chunks WHERE document_id=d.id AND embedding IS NULL),
    metadata=d.metadata || $4::jsonb,
    failure_reason=NULL,
    processed_at=NOW(),
    updated_at=NOW()
WHERE d.id=$1 AND d.status='PROCESSING'
  AND (SELECT COUNT(*) FROM document_chunks WHERE document_id=d.id) = $3
`, documentID, c.Content, c.ChunkCount, meta)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var (
		status    string
		persisted int
	)
	err = s.DB.QueryRowContext(ctx, `
SELECT d.status, (SELECT COUNT(*) FROM document_chunks WHERE document_id=d.id)
FROM documents d WHERE d.id=$1
`, documentID).Scan(&status, &persisted)
	if errors.Is(err, sql.ErrNoRows) {
		return knowledge.ErrNotFound
	}
	if err != nil {
		return err
	}
	if knowledge.Status(status) != knowledge.StatusProcessing {
		return fmt.Errorf("%w: document %s is %s", knowledge.ErrInvalidTransition, documentID, status)
	}
	return knowledge.ErrChunkCountMismatch{DocumentID: documentID, Expected: c.ChunkCount, Persisted: persisted}
}

// MarkFailed records the failure reason and deletes provisional chunks.
func (s *Store) MarkFailed(ctx context.Context, documentID, reason string) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if err = lockProcessing(ctx, tx, documentID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete provisional chunks: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
UPDATE documents
SET status='FAILED', failure_reason=$2, chunk_count=0, embedding_generated=FALSE, updated_at=NOW()
WHERE id=$1
`, documentID, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// metadataPatch keeps only the fields an ingestion run sets so the upload
// attributes already stored (file size, language) survive the merge.
func metadataPatch(m knowledge.DocumentMetadata) map[string]any {
	patch := map[string]any{}
	if m.Language != "" {
		patch["language"] = m.Language
	}
	if m.EmbeddingModel != "" {
		patch["embeddingModel"] = m.EmbeddingModel
	}
	if m.ChunkingStrategy != "" {
		patch["chunkingStrategy"] = m.ChunkingStrategy
	}
	if m.ExtractionMethod != "" {
		patch["extractionMethod"] = m.ExtractionMethod
	}
	if m.PageCount > 0 {
		patch["pageCount"] = m.PageCount
	}
	patch["totalTokens"] = m.TotalTokens
	return patch
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// documentColumns selects a full document row. Listings swap content for ''.
const documentColumns = `id, filename, original_name, file_path, mime_type, %s, COALESCE(category,''), tags,
COALESCE(owner_id,''), status, chunk_count, embedding_generated, metadata, COALESCE(failure_reason,''),
created_at, updated_at, processed_at`

var (
	fullDocumentColumns    = fmt.Sprintf(documentColumns, "content")
	summaryDocumentColumns = fmt.Sprintf(documentColumns, "''")
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (knowledge.Document, error) {
	var (
		doc       knowledge.Document
		status    string
		metaBytes []byte
		processed sql.NullTime
	)
	err := row.Scan(&doc.ID, &doc.Filename, &doc.OriginalName, &doc.FilePath, &doc.MimeType, &doc.Content,
		&doc.Category, pq.Array(&doc.Tags), &doc.OwnerID, &status, &doc.ChunkCount, &doc.EmbeddingGenerated,
		&metaBytes, &doc.FailureReason, &doc.CreatedAt, &doc.UpdatedAt, &processed)
	if err != nil {
		return knowledge.Document{}, err
	}
	doc.Status = knowledge.Status(status)
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &doc.Metadata); err != nil {
			return knowledge.Document{}, fmt.Errorf("decode metadata for %s: %w", doc.ID, err)
		}
	}
	if processed.Valid {
		t := processed.Time
		doc.ProcessedAt = &t
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	return doc, nil
}

// CreateDocument inserts the row as PENDING and advances it to PROCESSING in
// the same transaction, so callers only ever observe a PROCESSING document.
func (s *Store) CreateDocument(ctx context.Context, doc knowledge.Document) (out knowledge.Document, err error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return knowledge.Document{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = tx.QueryRowContext(ctx, `
INSERT INTO documents (id, filename, original_name, file_path, mime_type, category, tags, owner_id, status, metadata)
VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,NULLIF($8,''),'PENDING',$9)
RETURNING created_at
`, doc.ID, doc.Filename, doc.OriginalName, doc.FilePath, doc.MimeType, doc.Category, pq.Array(doc.Tags), doc.OwnerID, meta).
		Scan(&doc.CreatedAt)
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("insert document: %w", err)
	}
	err = tx.QueryRowContext(ctx, `
UPDATE documents SET status='PROCESSING', updated_at=NOW()
WHERE id=$1 AND status='PENDING'
RETURNING updated_at
`, doc.ID).Scan(&doc.UpdatedAt)
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("mark processing: %w", err)
	}
	doc.Status = knowledge.StatusProcessing
	doc.ChunkCount = 0
	doc.EmbeddingGenerated = false
	return doc, nil
}

// GetDocument returns the document and whether it exists. Malformed ids are
// reported as not found.
func (s *Store) GetDocument(ctx context.Context, id string) (knowledge.Document, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return knowledge.Document{}, false, nil
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+fullDocumentColumns+` FROM documents WHERE id=$1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return knowledge.Document{}, false, nil
	}
	if err != nil {
		return knowledge.Document{}, false, err
	}
	return doc, true, nil
}

// ListDocuments returns documents newest first. Content is omitted.
func (s *Store) ListDocuments(ctx context.Context, filter knowledge.ListFilter) ([]knowledge.Document, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.OwnerID != "" {
		add("owner_id=$%d", filter.OwnerID)
	}
	if filter.Status != "" {
		add("status=$%d", string(filter.Status))
	}
	if filter.Category != "" {
		add("category=$%d", filter.Category)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + summaryDocumentColumns + ` FROM documents`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := []knowledge.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes the row (chunks cascade) and returns what was deleted.
func (s *Store) DeleteDocument(ctx context.Context, id string) (knowledge.Document, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return knowledge.Document{}, false, nil
	}
	row := s.DB.QueryRowContext(ctx, `DELETE FROM documents WHERE id=$1 RETURNING `+summaryDocumentColumns, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return knowledge.Document{}, false, nil
	}
	if err != nil {
		return knowledge.Document{}, false, err
	}
	return doc, true, nil
}

// DocumentStats aggregates counts per status and category, optionally for one owner.
func (s *Store) DocumentStats(ctx context.Context, ownerID string) (knowledge.Stats, error) {
	stats := knowledge.Stats{
		ByStatus:   make(map[knowledge.Status]int, 4),
		ByCategory: map[string]int{},
	}
	for _, st := range knowledge.Statuses() {
		stats.ByStatus[st] = 0
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT status, COALESCE(category,''), COUNT(*), COALESCE(SUM((metadata->>'fileSize')::bigint),0)
FROM documents
WHERE ($1 = '' OR owner_id = $1)
GROUP BY status, COALESCE(category,'')
`, ownerID)
	if err != nil {
		return knowledge.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status, category string
			count            int
			size             int64
		)
		if err := rows.Scan(&status, &category, &count, &size); err != nil {
			return knowledge.Stats{}, err
		}
		if category == "" {
			category = "uncategorized"
		}
		stats.TotalDocuments += count
		stats.TotalSize += size
		stats.ByStatus[knowledge.Status(status)] += count
		stats.ByCategory[category] += count
	}
	if err := rows.Err(); err != nil {
		return knowledge.Stats{}, err
	}
	err = s.DB.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
WHERE ($1 = '' OR d.owner_id = $1)
`, ownerID).Scan(&stats.TotalChunks)
	if err != nil {
		return knowledge.Stats{}, err
	}
	return stats, nil
}

// FailStale moves PROCESSING documents whose run started before startedBefore
// to FAILED and removes their provisional chunks. Documents whose run never
// started are only failed when queuedBefore is set and they were uploaded
// before it. It returns the affected ids.
func (s *Store) FailStale(ctx context.Context, startedBefore, queuedBefore time.Time, reason string) (ids []string, err error) {
	queued := sql.NullTime{Time: queuedBefore, Valid: !queuedBefore.IsZero()}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
UPDATE documents
SET status='FAILED', failure_reason=$3, chunk_count=0, embedding_generated=FALSE, updated_at=NOW()
WHERE status='PROCESSING'
  AND ((started_at IS NOT NULL AND started_at < $1)
    OR (started_at IS NULL AND $2::timestamptz IS NOT NULL AND updated_at < $2))
RETURNING id
`, startedBefore, queued, reason)
	if err != nil {
		return nil, fmt.Errorf("fail stale documents: %w", err)
	}
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("delete stale chunks: %w", err)
	}
	return ids, nil
}

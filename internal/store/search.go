package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const maxEfSearch = 1000

const hitColumns = `c.id, c.document_id, d.original_name, COALESCE(d.category,''), c.chunk_index, c.content, c.metadata,
1 - (c.embedding <=> $1::vector) AS similarity`

// Search returns chunks of COMPLETED documents whose cosine similarity to the
// query vector is at least the threshold, best first with ties broken by chunk id.
func (s *Store) Search(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.SearchHit, error) {
	if len(req.Vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	return s.rankedQuery(ctx, req.TopK, `
SELECT `+hitColumns+`
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
WHERE d.status = 'COMPLETED'
  AND c.embedding IS NOT NULL
  AND ($2 = '' OR d.owner_id = $2)
  AND 1 - (c.embedding <=> $1::vector) >= $3
ORDER BY c.embedding <=> $1::vector, c.id
LIMIT $4
`, pgvector.NewVector(req.Vector), req.OwnerID, req.Threshold, req.TopK)
}

// Nearest returns the n closest chunks regardless of similarity.
func (s *Store) Nearest(ctx context.Context, vector []float32, n int, ownerID string) ([]knowledge.SearchHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if n <= 0 {
		n = 3
	}
	return s.rankedQuery(ctx, n, `
SELECT `+hitColumns+`
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
WHERE d.status = 'COMPLETED'
  AND c.embedding IS NOT NULL
  AND ($2 = '' OR d.owner_id = $2)
ORDER BY c.embedding <=> $1::vector, c.id
LIMIT $3
`, pgvector.NewVector(vector), ownerID, n)
}

// rankedQuery runs a nearest-neighbour query. The status, owner and threshold
// filters apply after the HNSW scan, so when tuning is configured the query
// runs in a read-only transaction that widens the candidate list and lets
// pgvector keep scanning until the limit is filled.
func (s *Store) rankedQuery(ctx context.Context, limit int, query string, args ...any) (hits []knowledge.SearchHit, err error) {
	if s.EfSearch <= 0 && s.IterativeScan == "" {
		rows, err := s.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		return scanHits(rows)
	}

	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
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
	if ef := efSearch(s.EfSearch, limit); ef > 0 {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, ef)); err != nil {
			return nil, fmt.Errorf("set hnsw.ef_search: %w", err)
		}
	}
	if s.IterativeScan != "" {
		if _, err = tx.ExecContext(ctx, `SET LOCAL hnsw.iterative_scan = `+pq.QuoteLiteral(s.IterativeScan)); err != nil {
			return nil, fmt.Errorf("set hnsw.iterative_scan: %w", err)
		}
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanHits(rows)
}

// efSearch keeps the candidate list at least as long as the result limit,
// within the range pgvector accepts.
func efSearch(configured, limit int) int {
	if configured <= 0 {
		return 0
	}
	ef := configured
	if limit > ef {
		ef = limit
	}
	if ef > maxEfSearch {
		ef = maxEfSearch
	}
	return ef
}

type hitRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanHits(rows hitRows) ([]knowledge.SearchHit, error) {
	defer rows.Close()
	hits := []knowledge.SearchHit{}
	for rows.Next() {
		var (
			h         knowledge.SearchHit
			metaBytes []byte
		)
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.DocumentName, &h.Category, &h.ChunkIndex, &h.Content, &metaBytes, &h.Similarity); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &h.Metadata)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

var (
	_ knowledge.VectorIndex         = (*Store)(nil)
	_ knowledge.DocumentRepository  = (*Store)(nil)
	_ knowledge.IngestionRepository = (*Store)(nil)
)

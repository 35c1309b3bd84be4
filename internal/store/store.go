// Package store persists documents and chunk vectors in Postgres with pgvector.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
	// Dimensions, when set, is enforced on every inserted vector.
	Dimensions int
	// EfSearch and IterativeScan tune HNSW scans for filtered searches.
	// Zero values leave the server settings alone.
	EfSearch      int
	IterativeScan string
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// VectorDimensions reads the declared length of document_chunks.embedding.
func (s *Store) VectorDimensions(ctx context.Context) (int, error) {
	var typmod int
	err := s.DB.QueryRowContext(ctx, `
SELECT a.atttypmod
FROM pg_attribute a
WHERE a.attrelid = 'document_chunks'::regclass AND a.attname = 'embedding'
`).Scan(&typmod)
	if err != nil {
		return 0, fmt.Errorf("read vector dimensions: %w", err)
	}
	return typmod, nil
}

// CheckDimensions fails when the configured embedding size does not match the schema.
func (s *Store) CheckDimensions(ctx context.Context, want int) error {
	got, err := s.VectorDimensions(ctx)
	if err != nil {
		return err
	}
	if got > 0 && want > 0 && got != want {
		return fmt.Errorf("embedding dimensions %d do not match document_chunks.embedding vector(%d)", want, got)
	}
	s.Dimensions = want
	return nil
}

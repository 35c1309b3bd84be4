package knowledge

import (
	"context"
	"time"
)

// Status is the processing state of an uploaded document.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every document status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DocumentMetadata is the free-form metadata persisted alongside a document.
type DocumentMetadata struct {
	FileSize         int64  `json:"fileSize"`
	Language         string `json:"language,omitempty"`
	EmbeddingModel   string `json:"embeddingModel,omitempty"`
	ChunkingStrategy string `json:"chunkingStrategy,omitempty"`
	TotalTokens      int    `json:"totalTokens,omitempty"`
	ExtractionMethod string `json:"extractionMethod,omitempty"`
	PageCount        int    `json:"pageCount,omitempty"`
}

// Document is one uploaded source file and its ingestion state.
type Document struct {
	ID                 string           `json:"id"`
	Filename           string           `json:"filename"`
	OriginalName       string           `json:"original_name"`
	FilePath           string           `json:"file_path"`
	MimeType           string           `json:"mime_type"`
	Content            string           `json:"content,omitempty"`
	Category           string           `json:"category,omitempty"`
	Tags               []string         `json:"tags"`
	OwnerID            string           `json:"owner_id,omitempty"`
	Status             Status           `json:"status"`
	ChunkCount         int              `json:"chunk_count"`
	EmbeddingGenerated bool             `json:"embedding_generated"`
	Metadata           DocumentMetadata `json:"metadata"`
	FailureReason      string           `json:"failure_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ProcessedAt        *time.Time       `json:"processed_at,omitempty"`
}

// ChunkMetadata carries per-passage attributes.
type ChunkMetadata struct {
	Tokens   int      `json:"tokens"`
	Language string   `json:"language,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// Chunk is a contiguous passage of a document with its embedding.
// StartPos and EndPos are rune offsets into Document.Content.
type Chunk struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	Index      int           `json:"chunk_index"`
	Content    string        `json:"content"`
	StartPos   int           `json:"start_pos"`
	EndPos     int           `json:"end_pos"`
	Embedding  []float32     `json:"-"`
	Metadata   ChunkMetadata `json:"metadata"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Completion is written atomically with the COMPLETED transition.
type Completion struct {
	Content    string
	ChunkCount int
	Metadata   DocumentMetadata
}

// ListFilter narrows document listings. Zero values mean no filter.
type ListFilter struct {
	OwnerID  string
	Status   Status
	Category string
	Limit    int
	Offset   int
}

// Stats aggregates the document corpus.
type Stats struct {
	TotalDocuments int            `json:"totalDocuments"`
	TotalChunks    int            `json:"totalChunks"`
	TotalSize      int64          `json:"totalSize"`
	ByStatus       map[Status]int `json:"byStatus"`
	ByCategory     map[string]int `json:"byCategory"`
}

// SearchRequest describes a similarity query against stored chunk vectors.
type SearchRequest struct {
	Vector    []float32
	TopK      int
	Threshold float64
	OwnerID   string
}

// SearchHit is one ranked passage.
type SearchHit struct {
	ChunkID      string        `json:"chunk_id"`
	DocumentID   string        `json:"document_id"`
	DocumentName string        `json:"document_name"`
	Category     string        `json:"category,omitempty"`
	ChunkIndex   int           `json:"chunk_index"`
	Content      string        `json:"content"`
	Similarity   float64       `json:"similarity"`
	Metadata     ChunkMetadata `json:"metadata"`
}

// VectorIndex ranks stored chunk vectors against a query vector.
// Only chunks with a vector whose document is COMPLETED are candidates.
type VectorIndex interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchHit, error)
	// Nearest ignores any threshold and returns the n closest chunks.
	Nearest(ctx context.Context, vector []float32, n int, ownerID string) ([]SearchHit, error)
}

// DocumentRepository persists document records.
type DocumentRepository interface {
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	GetDocument(ctx context.Context, id string) (Document, bool, error)
	ListDocuments(ctx context.Context, filter ListFilter) ([]Document, error)
	DeleteDocument(ctx context.Context, id string) (Document, bool, error)
	DocumentStats(ctx context.Context, ownerID string) (Stats, error)
}

// IngestionRepository holds the writes performed by an ingestion run.
type IngestionRepository interface {
	// MarkStarted records that a run picked the document up.
	MarkStarted(ctx context.Context, documentID string) error
	InsertChunks(ctx context.Context, documentID string, chunks []Chunk) error
	MarkCompleted(ctx context.Context, documentID string, c Completion) error
	MarkFailed(ctx context.Context, documentID, reason string) error
}

// Job asks for one ingestion run of a stored document.
type Job struct {
	DocumentID  string    `json:"document_id"`
	FilePath    string    `json:"file_path"`
	MimeType    string    `json:"mime_type"`
	RequestedAt time.Time `json:"requested_at"`
}

// Dispatcher hands ingestion jobs to whatever executes them.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/agrichat/knowledge/internal/retrieval"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type SearchInput struct {
	Query     string   `json:"query" jsonschema:"question or keywords, Vietnamese or English"`
	TopK      int      `json:"top_k,omitempty" jsonschema:"maximum number of passages (default from server config)"`
	Threshold *float64 `json:"threshold,omitempty" jsonschema:"minimum cosine similarity in [0,1]; chosen from the query when omitted"`
	OwnerID   string   `json:"owner_id,omitempty" jsonschema:"restrict results to documents uploaded by this owner"`
}

type SearchOutput struct {
	Results   []knowledge.SearchHit `json:"results"`
	Count     int                   `json:"count"`
	Threshold float64               `json:"threshold"`
}

type DocumentInput struct {
	ID             string `json:"id" jsonschema:"document id"`
	IncludeContent bool   `json:"include_content,omitempty" jsonschema:"include the extracted text"`
}

// DocumentOutput flattens a document record; the server-side file path is
// never exposed.
type DocumentOutput struct {
	ID                 string                     `json:"id"`
	OriginalName       string                     `json:"original_name"`
	MimeType           string                     `json:"mime_type"`
	Category           string                     `json:"category,omitempty"`
	Tags               []string                   `json:"tags"`
	OwnerID            string                     `json:"owner_id,omitempty"`
	Status             string                     `json:"status"`
	ChunkCount         int                        `json:"chunk_count"`
	EmbeddingGenerated bool                       `json:"embedding_generated"`
	FailureReason      string                     `json:"failure_reason,omitempty"`
	CreatedAt          string                     `json:"created_at"`
	ProcessedAt        string                     `json:"processed_at,omitempty"`
	Metadata           knowledge.DocumentMetadata `json:"metadata"`
	Content            string                     `json:"content,omitempty"`
}

type StatsOutput struct {
	TotalDocuments int            `json:"total_documents"`
	TotalChunks    int            `json:"total_chunks"`
	TotalSize      int64          `json:"total_size"`
	ByStatus       map[string]int `json:"by_status"`
	ByCategory     map[string]int `json:"by_category"`
}

type StatsInput struct {
	OwnerID string `json:"owner_id,omitempty" jsonschema:"limit statistics to one owner"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_knowledge",
		Description: "Semantic search over ingested agricultural documents; returns ranked passages with similarity scores",
	}, s.handleSearch)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_document",
		Description: "Fetch one document record with its ingestion status",
	}, s.handleGetDocument)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "knowledge_stats",
		Description: "Document and chunk counts by status and category",
	}, s.handleStats)
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	res, err := s.search.Search(ctx, retrieval.Query{
		Text:      in.Query,
		TopK:      in.TopK,
		Threshold: in.Threshold,
		OwnerID:   strings.TrimSpace(in.OwnerID),
	})
	if err != nil {
		return nil, SearchOutput{}, err
	}
	out := SearchOutput{Results: res.Hits, Count: len(res.Hits), Threshold: res.Threshold}
	if out.Results == nil {
		out.Results = []knowledge.SearchHit{}
	}
	return nil, out, nil
}

func (s *Server) handleGetDocument(ctx context.Context, _ *mcp.CallToolRequest, in DocumentInput) (*mcp.CallToolResult, DocumentOutput, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return nil, DocumentOutput{}, errors.New("id is required")
	}
	doc, found, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return nil, DocumentOutput{}, err
	}
	if !found {
		return nil, DocumentOutput{}, fmt.Errorf("%w: %s", knowledge.ErrNotFound, id)
	}
	out := DocumentOutput{
		ID:                 doc.ID,
		OriginalName:       doc.OriginalName,
		MimeType:           doc.MimeType,
		Category:           doc.Category,
		Tags:               doc.Tags,
		OwnerID:            doc.OwnerID,
		Status:             string(doc.Status),
		ChunkCount:         doc.ChunkCount,
		EmbeddingGenerated: doc.EmbeddingGenerated,
		FailureReason:      doc.FailureReason,
		CreatedAt:          doc.CreatedAt.UTC().Format(time.RFC3339),
		Metadata:           doc.Metadata,
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if doc.ProcessedAt != nil {
		out.ProcessedAt = doc.ProcessedAt.UTC().Format(time.RFC3339)
	}
	if in.IncludeContent {
		out.Content = doc.Content
	}
	return nil, out, nil
}

func (s *Server) handleStats(ctx context.Context, _ *mcp.CallToolRequest, in StatsInput) (*mcp.CallToolResult, StatsOutput, error) {
	st, err := s.docs.DocumentStats(ctx, strings.TrimSpace(in.OwnerID))
	if err != nil {
		return nil, StatsOutput{}, err
	}
	out := StatsOutput{
		TotalDocuments: st.TotalDocuments,
		TotalChunks:    st.TotalChunks,
		TotalSize:      st.TotalSize,
		ByStatus:       make(map[string]int, len(st.ByStatus)),
		ByCategory:     make(map[string]int, len(st.ByCategory)),
	}
	for k, v := range st.ByStatus {
		out.ByStatus[string(k)] = v
	}
	for k, v := range st.ByCategory {
		out.ByCategory[k] = v
	}
	return nil, out, nil
}

// Package mcp exposes knowledge search to MCP clients over stdio or HTTP.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/agrichat/knowledge/internal/retrieval"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Searcher answers semantic queries.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// DocumentReader reads document records and corpus statistics.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (knowledge.Document, bool, error)
	DocumentStats(ctx context.Context, ownerID string) (knowledge.Stats, error)
}

type Server struct {
	search Searcher
	docs   DocumentReader
	server *mcp.Server
}

// NewServer registers the knowledge tools under the given implementation name.
func NewServer(name, version string, search Searcher, docs DocumentReader) (*Server, error) {
	if search == nil || docs == nil {
		return nil, errors.New("mcp server requires a searcher and a document reader")
	}
	if name == "" {
		name = "agrirag"
	}
	s := &Server{
		search: search,
		docs:   docs,
		server: mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns the streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}

// RunHTTP serves the streamable HTTP transport on addr until ctx is cancelled.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mcp http: %w", err)
	}
	return nil
}

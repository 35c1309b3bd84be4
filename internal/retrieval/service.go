// Package retrieval answers semantic queries against the vector index.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/agrichat/knowledge/config"
	"github.com/agrichat/knowledge/internal/knowledge"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	// ErrEmptyQuery is returned for blank query text.
	ErrEmptyQuery = errors.New("query text is empty")
	// ErrInvalidThreshold rejects thresholds outside [0,1].
	ErrInvalidThreshold = errors.New("threshold must be within [0,1]")
)

// QueryEmbedder turns query text into a vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Query is a retrieval request. A nil Threshold selects one from the query text.
type Query struct {
	Text      string
	TopK      int
	Threshold *float64
	OwnerID   string
	Debug     bool
}

// Result is the ranked answer to a Query.
type Result struct {
	Hits      []knowledge.SearchHit `json:"results"`
	Threshold float64               `json:"threshold"`
	TopK      int                   `json:"top_k"`
	// Nearest is only populated for debug queries that matched nothing.
	Nearest []knowledge.SearchHit `json:"nearest,omitempty"`
}

type Service struct {
	embedder QueryEmbedder
	index    knowledge.VectorIndex
	cfg      config.SearchConfig
	logger   *log.Logger

	requests otelmetric.Int64Counter
	empty    otelmetric.Int64Counter
}

func NewService(embedder QueryEmbedder, index knowledge.VectorIndex, cfg config.SearchConfig, logger *log.Logger, meter otelmetric.Meter) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxTopK < cfg.TopK {
		cfg.MaxTopK = cfg.TopK
	}
	if cfg.DebugNearestCount <= 0 {
		cfg.DebugNearestCount = 3
	}
	s := &Service{embedder: embedder, index: index, cfg: cfg, logger: logger}
	if meter != nil {
		var err error
		s.requests, err = meter.Int64Counter("search_requests_total")
		if err != nil {
			logger.Printf("warn: create request counter failed: %v", err)
		}
		s.empty, err = meter.Int64Counter("search_empty_results_total")
		if err != nil {
			logger.Printf("warn: create empty counter failed: %v", err)
		}
	}
	return s
}

// Threshold picks the similarity cutoff for a query: short queries need
// higher precision, analytical wording tolerates looser matches and technical
// wording tightens them again.
func (s *Service) Threshold(text string) float64 {
	text = strings.ToLower(strings.TrimSpace(text))
	if s.cfg.ShortQueryRunes > 0 && utf8.RuneCountInString(text) < s.cfg.ShortQueryRunes {
		return s.cfg.ShortQueryBoost
	}
	if containsAny(text, s.cfg.AnalyticalTerms) {
		return s.cfg.AnalyticalCutoff
	}
	if containsAny(text, s.cfg.TechnicalTerms) {
		return s.cfg.TechnicalCutoff
	}
	return s.cfg.Threshold
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" && strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// Search embeds the query and returns passages at or above the threshold,
// best first. An empty hit list is a valid answer.
func (s *Service) Search(ctx context.Context, q Query) (Result, error) {
	if s.requests != nil {
		s.requests.Add(ctx, 1)
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Result{}, ErrEmptyQuery
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if topK > s.cfg.MaxTopK {
		topK = s.cfg.MaxTopK
	}
	threshold := s.Threshold(text)
	if q.Threshold != nil {
		threshold = *q.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return Result{}, fmt.Errorf("%w, got %v", ErrInvalidThreshold, threshold)
	}

	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.index.Search(ctx, knowledge.SearchRequest{Vector: vec, TopK: topK, Threshold: threshold, OwnerID: q.OwnerID})
	if err != nil {
		return Result{}, fmt.Errorf("vector search: %w", err)
	}
	res := Result{Hits: hits, Threshold: threshold, TopK: topK}
	if res.Hits == nil {
		res.Hits = []knowledge.SearchHit{}
	}
	if len(res.Hits) > 0 {
		return res, nil
	}

	if s.empty != nil {
		s.empty.Add(ctx, 1)
	}
	nearest, err := s.index.Nearest(ctx, vec, s.cfg.DebugNearestCount, q.OwnerID)
	if err != nil {
		s.logger.Printf("warn: nearest lookup failed: %v", err)
		return res, nil
	}
	for i, h := range nearest {
		s.logger.Printf("no match above %.2f; nearest #%d %s[%d] similarity=%.3f", threshold, i+1, h.DocumentName, h.ChunkIndex, h.Similarity)
	}
	if q.Debug {
		res.Nearest = nearest
	}
	return res, nil
}

// Package keywords derives ranked index terms for a passage using bleve's
// text analysis pipeline.
package keywords

import (
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/blevesearch/bleve/analysis"
	"github.com/blevesearch/bleve/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/registry"
)

// Extractor returns the most frequent analysed terms of a text.
type Extractor struct {
	analyzer *analysis.Analyzer
	limit    int
	minLen   int
	mu       sync.Mutex
}

// New builds an extractor backed by the named bleve analyzer. An empty name
// selects the standard analyzer (unicode tokenizer, lowercase, English stop words).
func New(analyzerName string, limit int) (*Extractor, error) {
	if analyzerName == "" {
		analyzerName = standard.Name
	}
	if limit <= 0 {
		limit = 8
	}
	cache := registry.NewCache()
	a, err := cache.AnalyzerNamed(analyzerName)
	if err != nil {
		return nil, fmt.Errorf("analyzer %q: %w", analyzerName, err)
	}
	return &Extractor{analyzer: a, limit: limit, minLen: 2}, nil
}

// Extract returns up to the configured number of terms ordered by frequency,
// then by first occurrence.
func (e *Extractor) Extract(text string) []string {
	if e == nil || text == "" {
		return nil
	}
	e.mu.Lock()
	tokens := e.analyzer.Analyze([]byte(text))
	e.mu.Unlock()

	type termStat struct {
		term  string
		count int
		first int
	}
	stats := make(map[string]*termStat)
	for i, tok := range tokens {
		term := string(tok.Term)
		if utf8.RuneCountInString(term) < e.minLen || isNumeric(term) {
			continue
		}
		if st, ok := stats[term]; ok {
			st.count++
			continue
		}
		stats[term] = &termStat{term: term, count: 1, first: i}
	}
	ranked := make([]*termStat, 0, len(stats))
	for _, st := range stats {
		ranked = append(ranked, st)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].first < ranked[j].first
	})
	if len(ranked) > e.limit {
		ranked = ranked[:e.limit]
	}
	out := make([]string, len(ranked))
	for i, st := range ranked {
		out[i] = st.term
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return false
		}
	}
	return true
}

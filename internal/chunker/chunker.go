// Package chunker splits document text into overlapping, sentence-aligned passages.
package chunker

import (
	"unicode"
)

// Strategy is recorded in document metadata so passages can be traced to the
// algorithm that produced them.
const Strategy = "sentence-based"

// Config bounds passage sizes. Sizes are measured in runes.
type Config struct {
	MaxChunkSize     int
	MinChunkSize     int
	OverlapSentences int
}

// DefaultConfig mirrors the production deployment.
func DefaultConfig() Config {
	return Config{MaxChunkSize: 2000, MinChunkSize: 200, OverlapSentences: 5}
}

// Normalize fills unset values from DefaultConfig.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = def.MaxChunkSize
	}
	if c.MinChunkSize < 0 {
		c.MinChunkSize = 0
	}
	if c.MinChunkSize > c.MaxChunkSize {
		c.MinChunkSize = c.MaxChunkSize
	}
	if c.OverlapSentences < 0 {
		c.OverlapSentences = 0
	}
	return c
}

// Passage is one emitted chunk. Start and End are rune offsets into the input
// and Content equals the input runes in [Start, End).
type Passage struct {
	Content string
	Start   int
	End     int
	Tokens  int
}

type span struct {
	start int
	end   int
}

// Chunk splits text into passages. It is deterministic and never drops
// non-whitespace content; a sentence longer than MaxChunkSize becomes its own
// passage. Whitespace-only input yields no passages.
//
// Each passage repeats up to OverlapSentences trailing sentences of the one
// before it. Overlap gives way to MaxChunkSize: its oldest sentences are
// dropped until the next unseen sentence fits. A final passage shorter than
// MinChunkSize is merged into its predecessor, which may then exceed
// MaxChunkSize by less than MinChunkSize runes.
func Chunk(text string, cfg Config) []Passage {
	cfg = cfg.Normalize()
	runes := []rune(text)
	sents := sentences(runes)
	if len(sents) == 0 {
		return nil
	}

	type group struct{ first, last int }
	var groups []group
	first := 0
	for {
		last := first
		for last+1 < len(sents) && sents[last+1].end-sents[first].start <= cfg.MaxChunkSize {
			last++
		}
		groups = append(groups, group{first, last})
		if last == len(sents)-1 {
			break
		}
		next := last + 1 - cfg.OverlapSentences
		if next <= first {
			next = first + 1
		}
		// shrink the overlap until the next unseen sentence fits
		for next < last+1 && sents[last+1].end-sents[next].start > cfg.MaxChunkSize {
			next++
		}
		first = next
	}

	if n := len(groups); n >= 2 {
		tail := groups[n-1]
		if sents[tail.last].end-sents[tail.first].start < cfg.MinChunkSize {
			groups[n-2].last = tail.last
			groups = groups[:n-1]
		}
	}

	out := make([]Passage, 0, len(groups))
	for _, g := range groups {
		start, end := sents[g.first].start, sents[g.last].end
		out = append(out, Passage{
			Content: string(runes[start:end]),
			Start:   start,
			End:     end,
			Tokens:  EstimateTokens(end - start),
		})
	}
	return out
}

// EstimateTokens approximates model tokens as one per four characters.
func EstimateTokens(runeCount int) int {
	if runeCount <= 0 {
		return 0
	}
	return (runeCount + 3) / 4
}

// sentences segments text into trimmed sentence spans. Boundaries are a run of
// terminal punctuation followed by whitespace, or a blank line.
func sentences(runes []rune) []span {
	var out []span
	n := len(runes)
	i := 0
	for i < n {
		for i < n && unicode.IsSpace(runes[i]) {
			i++
		}
		if i >= n {
			break
		}
		start := i
		end := -1
		for i < n {
			c := runes[i]
			if isTerminator(c) {
				j := i + 1
				for j < n && (isTerminator(runes[j]) || isCloser(runes[j])) {
					j++
				}
				if j >= n || unicode.IsSpace(runes[j]) {
					end = j
					i = j
					break
				}
				i = j
				continue
			}
			if c == '\n' && paragraphBreak(runes, i) {
				end = trimRight(runes, start, i)
				break
			}
			i++
		}
		if end < 0 {
			end = trimRight(runes, start, n)
			i = n
		}
		out = append(out, span{start: start, end: end})
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '»', '”', '’':
		return true
	}
	return false
}

func paragraphBreak(runes []rune, i int) bool {
	for j := i + 1; j < len(runes); j++ {
		switch runes[j] {
		case ' ', '\t', '\r':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return false
}

func trimRight(runes []rune, start, end int) int {
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return end
}

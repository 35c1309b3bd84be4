package keywords

import "testing"

func TestExtractRanksByFrequency(t *testing.T) {
	ex, err := New("", 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := ex.Extract("Rice needs water. Rice fields need drainage, and the water level matters for rice 2024.")
	if len(got) != 3 {
		t.Fatalf("expected 3 keywords, got %v", got)
	}
	if got[0] != "rice" {
		t.Fatalf("expected rice first, got %v", got)
	}
	if got[1] != "water" {
		t.Fatalf("expected water second, got %v", got)
	}
	for _, kw := range got {
		if kw == "the" || kw == "and" || kw == "2024" {
			t.Fatalf("stop word or number leaked: %v", got)
		}
	}
}

func TestExtractEmpty(t *testing.T) {
	ex, err := New("", 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := ex.Extract(""); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	var nilEx *Extractor
	if got := nilEx.Extract("text"); got != nil {
		t.Fatalf("expected nil from nil extractor")
	}
}

func TestNewUnknownAnalyzer(t *testing.T) {
	if _, err := New("does-not-exist", 5); err == nil {
		t.Fatalf("expected error for unknown analyzer")
	}
}

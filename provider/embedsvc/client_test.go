package embedsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agrichat/knowledge/internal/embedding"
)

func TestEmbedPostsBatch(t *testing.T) {
	var got batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed-batch" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(batchResponse{
			Embeddings: [][]float32{{1, 0}, {0, 1}},
			Dimensions: 2,
			Count:      2,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][1] != 1 {
		t.Fatalf("unexpected vectors: %v", vecs)
	}
	if !got.Normalize || len(got.Texts) != 2 {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestEmbedClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"texts cannot be empty"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Embed(context.Background(), []string{"x"})
	if err == nil || !embedding.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestEmbedServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Embed(context.Background(), []string{"x"})
	if err == nil || embedding.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","model":"m","dimensions":768,"max_sequence_length":256}`))
	}))
	defer srv.Close()

	h, err := NewClient(srv.URL, time.Second).Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Dimensions != 768 || h.Status != "healthy" {
		t.Fatalf("unexpected health: %+v", h)
	}
}

// Package embedsvc is a client for the self-hosted sentence-embedding service
// exposing /embed-batch and /health.
package embedsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agrichat/knowledge/internal/embedding"
)

// Client calls the embedding service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type batchRequest struct {
	Texts     []string `json:"texts"`
	Normalize bool     `json:"normalize"`
}

type batchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	Count      int         `json:"count"`
}

// Health is the payload returned by GET /health.
type Health struct {
	Status            string `json:"status"`
	Model             string `json:"model"`
	Dimensions        int    `json:"dimensions"`
	MaxSequenceLength int    `json:"max_sequence_length"`
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Embed returns L2-normalised vectors for texts, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(batchRequest{Texts: texts, Normalize: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed-batch", bytes.NewReader(body))
	if err != nil {
		return nil, embedding.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, err
	}
	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Count != 0 && out.Count != len(out.Embeddings) {
		return nil, fmt.Errorf("response count %d does not match %d embeddings", out.Count, len(out.Embeddings))
	}
	return out.Embeddings, nil
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return Health{}, err
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("failed to parse health: %w", err)
	}
	return h, nil
}

// statusError maps non-2xx responses; client errors other than 408/429 are not retryable.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
		return embedding.Permanent(err)
	}
	return err
}

package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PDFClient delegates PDF text extraction to the extraction service.
type PDFClient struct {
	baseURL    string
	httpClient *http.Client
}

type pdfResponse struct {
	Text      string `json:"text"`
	Method    string `json:"method"`
	PageCount int    `json:"page_count"`
	Error     string `json:"error,omitempty"`
}

func NewPDFClient(baseURL string, timeout time.Duration) *PDFClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &PDFClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *PDFClient) Extract(ctx context.Context, path, _ string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return Result{}, fmt.Errorf("buffer %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("pdf service: %w", err)
	}
	defer resp.Body.Close()

	var out pdfResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return Result{}, fmt.Errorf("decode pdf response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Result{}, fmt.Errorf("pdf service returned %d: %s", resp.StatusCode, msg)
	}
	return Result{Text: out.Text, Method: out.Method, PageCount: out.PageCount}, nil
}

// Package extract turns stored uploads into UTF-8 text.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/agrichat/knowledge/internal/knowledge"
)

const (
	MimeText = "text/plain"
	MimePDF  = "application/pdf"
)

// Result is the outcome of extracting one file.
type Result struct {
	Text      string
	Method    string
	PageCount int
}

// Extractor converts the file at path into text.
type Extractor interface {
	Extract(ctx context.Context, path, mimeType string) (Result, error)
}

// BaseMediaType strips parameters such as "; charset=utf-8".
func BaseMediaType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Supported reports whether uploads of mimeType can be ingested.
func Supported(mimeType string) bool {
	switch BaseMediaType(mimeType) {
	case MimeText, MimePDF:
		return true
	}
	return false
}

// CheckMagic verifies that head (the first bytes of an upload) matches the
// declared media type. Plain text has no signature and always passes.
func CheckMagic(mimeType string, head []byte) error {
	if BaseMediaType(mimeType) == MimePDF && !bytes.HasPrefix(head, []byte("%PDF")) {
		return fmt.Errorf("%w: content is not a PDF", knowledge.ErrUnsupportedMediaType)
	}
	return nil
}

// PlainText reads text files. Invalid UTF-8 sequences are replaced with U+FFFD.
type PlainText struct{}

func (PlainText) Extract(ctx context.Context, path, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	text := string(raw)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return Result{Text: text, Method: "plain-text"}, nil
}

// ByMediaType routes extraction by base media type.
type ByMediaType map[string]Extractor

// NewRouter wires the default extractors. pdf may be nil when PDF
// extraction is not configured.
func NewRouter(pdf Extractor) ByMediaType {
	r := ByMediaType{MimeText: PlainText{}}
	if pdf != nil {
		r[MimePDF] = pdf
	}
	return r
}

func (r ByMediaType) Extract(ctx context.Context, path, mimeType string) (Result, error) {
	ex, ok := r[BaseMediaType(mimeType)]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", knowledge.ErrUnsupportedMediaType, mimeType)
	}
	return ex.Extract(ctx, path, mimeType)
}

// Package documents implements the upload and administration side of the
// document store: validation, file storage and record lifecycle.
package documents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agrichat/knowledge/internal/chunker"
	"github.com/agrichat/knowledge/internal/extract"
	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/agrichat/knowledge/internal/documents")

// Repository is the persistence needed by the service.
type Repository interface {
	knowledge.DocumentRepository
	MarkFailed(ctx context.Context, documentID, reason string) error
}

// Upload is one incoming file.
type Upload struct {
	Filename string
	MimeType string
	Size     int64
	Body     io.Reader
	Category string
	Tags     []string
	OwnerID  string
}

// Options configures the service.
type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	Language       string
	EmbeddingModel string
}

type Service struct {
	repo       Repository
	dispatcher knowledge.Dispatcher
	opts       Options
	logger     *log.Logger
	now        func() time.Time
}

func NewService(repo Repository, dispatcher knowledge.Dispatcher, opts Options, logger *log.Logger) (*Service, error) {
	if opts.UploadDir == "" {
		opts.UploadDir = "./uploads/documents"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[DOCS] ", log.LstdFlags)
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Service{repo: repo, dispatcher: dispatcher, opts: opts, logger: logger, now: time.Now}, nil
}

// Create validates and stores the upload, records the document as
// PROCESSING and enqueues its ingestion. Rejections happen before any row exists.
// The ingestion run joins the trace started here when dispatched through a stream.
func (s *Service) Create(ctx context.Context, up Upload) (knowledge.Document, error) {
	ctx, span := tracer.Start(ctx, "documents.create")
	defer span.End()
	doc, err := s.create(ctx, up)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return doc, err
	}
	span.SetAttributes(attribute.String("document.id", doc.ID), attribute.String("document.mime_type", doc.MimeType))
	return doc, nil
}

func (s *Service) create(ctx context.Context, up Upload) (knowledge.Document, error) {
	mimeType := extract.BaseMediaType(up.MimeType)
	if !extract.Supported(mimeType) {
		return knowledge.Document{}, fmt.Errorf("%w: %s", knowledge.ErrUnsupportedMediaType, up.MimeType)
	}
	if up.Body == nil || up.Size == 0 {
		return knowledge.Document{}, knowledge.ErrEmptyUpload
	}
	if up.Size > s.opts.MaxUploadBytes {
		return knowledge.Document{}, fmt.Errorf("%w: %d bytes exceeds %d", knowledge.ErrFileTooLarge, up.Size, s.opts.MaxUploadBytes)
	}

	body := bufio.NewReader(up.Body)
	head, err := body.Peek(8)
	if err != nil && !errors.Is(err, io.EOF) {
		return knowledge.Document{}, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return knowledge.Document{}, knowledge.ErrEmptyUpload
	}
	if err := extract.CheckMagic(mimeType, head); err != nil {
		return knowledge.Document{}, err
	}

	id := uuid.NewString()
	original := SanitizeFilename(up.Filename)
	stored := id + "_" + original
	path := filepath.Join(s.opts.UploadDir, stored)
	written, err := s.saveFile(path, body)
	if err != nil {
		return knowledge.Document{}, err
	}

	doc, err := s.repo.CreateDocument(ctx, knowledge.Document{
		ID:           id,
		Filename:     stored,
		OriginalName: original,
		FilePath:     path,
		MimeType:     mimeType,
		Category:     strings.TrimSpace(up.Category),
		Tags:         normalizeTags(up.Tags),
		OwnerID:      up.OwnerID,
		Metadata: knowledge.DocumentMetadata{
			FileSize:         written,
			Language:         s.opts.Language,
			EmbeddingModel:   s.opts.EmbeddingModel,
			ChunkingStrategy: chunker.Strategy,
		},
	})
	if err != nil {
		s.removeFile(path)
		return knowledge.Document{}, fmt.Errorf("create document: %w", err)
	}
	s.logger.Printf("document %s stored (%s, %d bytes)", doc.ID, original, written)

	job := knowledge.Job{DocumentID: doc.ID, FilePath: path, MimeType: mimeType, RequestedAt: s.now().UTC()}
	if err := s.dispatcher.Enqueue(ctx, job); err != nil {
		reason := "enqueue: " + err.Error()
		if ferr := s.repo.MarkFailed(context.WithoutCancel(ctx), doc.ID, reason); ferr != nil {
			s.logger.Printf("warn: mark %s failed after enqueue error: %v", doc.ID, ferr)
		}
		return knowledge.Document{}, fmt.Errorf("enqueue ingestion for %s: %w", doc.ID, err)
	}
	return doc, nil
}

func (s *Service) saveFile(path string, body io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("store upload: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(body, s.opts.MaxUploadBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		s.removeFile(path)
		return 0, fmt.Errorf("store upload: %w", err)
	case n > s.opts.MaxUploadBytes:
		s.removeFile(path)
		return 0, fmt.Errorf("%w: exceeds %d bytes", knowledge.ErrFileTooLarge, s.opts.MaxUploadBytes)
	case n == 0:
		s.removeFile(path)
		return 0, knowledge.ErrEmptyUpload
	}
	return n, nil
}

func (s *Service) removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Printf("warn: remove %s: %v", path, err)
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, raw := range tags {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func (s *Service) List(ctx context.Context, filter knowledge.ListFilter) ([]knowledge.Document, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", filter.Status)
	}
	return s.repo.ListDocuments(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id string) (knowledge.Document, bool, error) {
	return s.repo.GetDocument(ctx, id)
}

// Delete removes the document and its chunks. The stored file is removed on a
// best-effort basis. Deleting a missing id reports false without error.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	doc, found, err := s.repo.DeleteDocument(ctx, id)
	if err != nil || !found {
		return false, err
	}
	s.removeFile(doc.FilePath)
	s.logger.Printf("document %s deleted", id)
	return true, nil
}

// BulkResult reports the outcome of BulkDelete.
type BulkResult struct {
	DeletedCount int      `json:"deletedCount"`
	Errors       []string `json:"errors"`
}

func (s *Service) BulkDelete(ctx context.Context, ids []string) BulkResult {
	res := BulkResult{Errors: []string{}}
	for _, id := range ids {
		found, err := s.Delete(ctx, id)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
		case !found:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, knowledge.ErrNotFound))
		default:
			res.DeletedCount++
		}
	}
	return res
}

func (s *Service) Stats(ctx context.Context, ownerID string) (knowledge.Stats, error) {
	return s.repo.DocumentStats(ctx, ownerID)
}

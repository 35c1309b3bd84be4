package knowledge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrUnsupportedMediaType rejects uploads outside the accepted mimetypes.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrFileTooLarge rejects uploads above the configured size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrEmptyUpload rejects zero-byte uploads.
	ErrEmptyUpload = errors.New("empty upload")
	// ErrInvalidTransition is returned when a status update does not start from PROCESSING.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrQueueClosed is returned by dispatchers that no longer accept jobs.
	ErrQueueClosed = errors.New("ingestion queue closed")
)

// ErrChunkCountMismatch signals that persisted chunk rows disagree with the
// count an ingestion run is about to commit.
type ErrChunkCountMismatch struct {
	DocumentID string
	Expected   int
	Persisted  int
}

func (e ErrChunkCountMismatch) Error() string {
	return fmt.Sprintf("document %s: expected %d chunks, %d persisted", e.DocumentID, e.Expected, e.Persisted)
}

// StageError wraps a failure with the ingestion stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Stage wraps err with the given stage name; nil stays nil.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

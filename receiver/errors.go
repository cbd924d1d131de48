package receiver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidChunkIndex is a client protocol violation; the request is rejected, not retried.
	ErrInvalidChunkIndex = errors.New("invalid chunk index")
	// ErrTotalChanged is returned when a request declares a different chunk count than
	// earlier requests of the same upload.
	ErrTotalChanged = fmt.Errorf("%w: declared chunk total changed", ErrInvalidChunkIndex)
	// ErrIncompleteSet means the client signalled completion while indices are missing.
	ErrIncompleteSet = errors.New("incomplete chunk set")
	// ErrAssemble covers staging and publish failures; merge can be retried.
	ErrAssemble = errors.New("assemble failed")
	// ErrChecksumMismatch means the assembled file does not match the client checksum.
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrAssemble)
	// ErrAbandoned is returned for chunks of an upload that was expired or cancelled.
	ErrAbandoned          = errors.New("upload abandoned")
	ErrInvalidUploadID    = errors.New("invalid upload id")
	ErrChunkTooLarge      = errors.New("chunk too large")
	ErrMissingChunkHeader = fmt.Errorf("%w: chunk metadata without an index", ErrInvalidChunkIndex)
)

// IncompleteSetError lists the indices still missing when completion was signalled.
type IncompleteSetError struct {
	UploadID string
	Total    int
	Missing  []int
}

func (e *IncompleteSetError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, i := range e.Missing {
		parts = append(parts, fmt.Sprint(i))
	}
	return fmt.Sprintf("upload %s: incomplete chunk set, total %d, missing [%s]",
		e.UploadID, e.Total, strings.Join(parts, ","))
}

func (e *IncompleteSetError) Is(target error) bool {
	return target == ErrIncompleteSet
}

// AssembleError wraps a failure while staging or publishing an artifact.
type AssembleError struct {
	UploadID string
	Op       string
	Err      error
}

func (e *AssembleError) Error() string {
	if e.UploadID == "" {
		return fmt.Sprintf("assemble %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("assemble %s (upload %s): %v", e.Op, e.UploadID, e.Err)
}

func (e *AssembleError) Unwrap() error {
	return e.Err
}

func (e *AssembleError) Is(target error) bool {
	return target == ErrAssemble
}

func invalidIndex(uploadID string, index, total int) error {
	if total > 0 {
		return fmt.Errorf("upload %s: index %d outside [0,%d): %w", uploadID, index, total, ErrInvalidChunkIndex)
	}
	return fmt.Errorf("upload %s: index %d: %w", uploadID, index, ErrInvalidChunkIndex)
}

package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for chunk storage failures.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrStorage classifies any I/O failure of a backend. Chunk level retries are expected to succeed eventually.
	ErrStorage = errors.New("chunk storage failure")

	// ErrMissingChunk indicates bookkeeping and stored bytes disagree for an upload.
	ErrMissingChunk = errors.New("missing chunk")

	// ErrNotFound is returned by backends when a single chunk object does not exist.
	ErrNotFound = errors.New("chunk not found")
)

// StorageError wraps a backend failure with the operation and key involved.
type StorageError struct {
	Op       string // "put", "list", "read", "purge", "sessions"
	UploadID string
	Index    int // -1 when the operation is not about a single chunk
	Err      error
}

func (e *StorageError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("storage %s %s[%d]: %v", e.Op, e.UploadID, e.Index, e.Err)
	}
	if e.UploadID != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.UploadID, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes every StorageError match ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// MissingChunkError reports the first index that could not be produced in order.
type MissingChunkError struct {
	UploadID string
	Index    int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("upload %s: chunk %d missing", e.UploadID, e.Index)
}

func (e *MissingChunkError) Is(target error) bool {
	return target == ErrMissingChunk
}

func wrapErr(op, uploadID string, index int, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, UploadID: uploadID, Index: index, Err: err}
}

// Package storage persists upload chunks keyed by (upload id, index).
//
// Every backend keeps the set of received indices and the chunk bytes in
// lockstep: an index is reported by ReceivedIndices only once its bytes are
// fully durable, and a write that fails or is cancelled leaves no trace.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"time"
)

// Chunk is one stored chunk as produced by ReadOrdered.
type Chunk struct {
	Index int
	Data  []byte
}

// ChunkStorage is the capability set the receiver needs from a backend.
type ChunkStorage interface {
	// Put stores the chunk at (uploadID, index), replacing any previous bytes at that key.
	Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error)
	// ReceivedIndices returns the durable indices for uploadID in ascending order.
	ReceivedIndices(ctx context.Context, uploadID string) ([]int, error)
	// ReadOrdered yields chunks from index 0 upward. Ranging again restarts the sequence.
	ReadOrdered(ctx context.Context, uploadID string) iter.Seq2[Chunk, error]
	// Purge removes every chunk of uploadID. Purging an unknown id succeeds.
	Purge(ctx context.Context, uploadID string) error
}

// SessionInfo describes an upload id that still has chunks in storage.
type SessionInfo struct {
	UploadID  string
	Chunks    int
	Bytes     int64
	UpdatedAt time.Time
}

// SessionLister is implemented by backends that can enumerate in-flight uploads.
type SessionLister interface {
	Sessions(ctx context.Context) ([]SessionInfo, error)
}

// chunkReader is the per-backend primitive readOrdered is built on.
type chunkReader func(ctx context.Context, index int) ([]byte, error)

// readOrdered walks indices (ascending) and yields chunk bytes, failing with
// MissingChunkError at the first gap or vanished chunk.
func readOrdered(ctx context.Context, uploadID string, list func(context.Context) ([]int, error), read chunkReader) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		indices, err := list(ctx)
		if err != nil {
			yield(Chunk{Index: -1}, err)
			return
		}
		for want, idx := range indices {
			if idx != want {
				yield(Chunk{Index: want}, &MissingChunkError{UploadID: uploadID, Index: want})
				return
			}
			if err := ctx.Err(); err != nil {
				yield(Chunk{Index: idx}, wrapErr("read", uploadID, idx, err))
				return
			}
			data, err := read(ctx, idx)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					yield(Chunk{Index: idx}, &MissingChunkError{UploadID: uploadID, Index: idx})
				} else {
					yield(Chunk{Index: idx}, wrapErr("read", uploadID, idx, err))
				}
				return
			}
			if !yield(Chunk{Index: idx, Data: data}, nil) {
				return
			}
		}
	}
}

func checkIndex(uploadID string, index int) error {
	if uploadID == "" {
		return &StorageError{Op: "put", Index: index, Err: fmt.Errorf("empty upload id")}
	}
	if index < 0 {
		return &StorageError{Op: "put", UploadID: uploadID, Index: index, Err: fmt.Errorf("negative chunk index")}
	}
	return nil
}

// chunkName is the zero padded object name of a chunk. Indices past eight
// digits grow the name, so listings are always sorted numerically afterwards.
func chunkName(index int) string {
	return fmt.Sprintf("chunk-%08d", index)
}

func parseChunkName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "chunk-")
	if !ok || len(rest) < 8 || len(rest) > 18 {
		return 0, false
	}
	n := 0
	for _, c := range rest {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func sortedIndices(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

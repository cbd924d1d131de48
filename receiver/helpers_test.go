package receiver_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moyoez/chunkrecv/receiver"
	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

// countingStorage records how often each operation reaches the backend.
type countingStorage struct {
	storage.ChunkStorage
	puts, lists, reads, purges atomic.Int32

	putErr   error
	readFail int // index at which ReadOrdered fails, -1 for never
}

func newCountingStorage() *countingStorage {
	return &countingStorage{ChunkStorage: storage.NewMemoryStorage(), readFail: -1}
}

func (s *countingStorage) total() int32 {
	return s.puts.Load() + s.lists.Load() + s.reads.Load() + s.purges.Load()
}

func (s *countingStorage) Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error) {
	s.puts.Add(1)
	if s.putErr != nil {
		return 0, &storage.StorageError{Op: "put", UploadID: uploadID, Index: index, Err: s.putErr}
	}
	return s.ChunkStorage.Put(ctx, uploadID, index, r)
}

func (s *countingStorage) ReceivedIndices(ctx context.Context, uploadID string) ([]int, error) {
	s.lists.Add(1)
	return s.ChunkStorage.ReceivedIndices(ctx, uploadID)
}

func (s *countingStorage) ReadOrdered(ctx context.Context, uploadID string) iter.Seq2[storage.Chunk, error] {
	s.reads.Add(1)
	return func(yield func(storage.Chunk, error) bool) {
		for c, err := range s.ChunkStorage.ReadOrdered(ctx, uploadID) {
			if err == nil && c.Index == s.readFail {
				err = &storage.StorageError{Op: "read", UploadID: uploadID, Index: c.Index, Err: errors.New("i/o error")}
			}
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}

func (s *countingStorage) Purge(ctx context.Context, uploadID string) error {
	s.purges.Add(1)
	return s.ChunkStorage.Purge(ctx, uploadID)
}

// recorder collects observer events.
type recorder struct {
	mu     sync.Mutex
	events []receiver.Event
}

func (r *recorder) observe(ev receiver.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newCoordinator(t *testing.T, store storage.ChunkStorage, opts receiver.Options) (*receiver.Coordinator, string) {
	t.Helper()
	root := t.TempDir()
	if opts.DestinationResolver == nil {
		opts.DestinationResolver = receiver.FolderResolver(root, false)
	}
	if opts.Logger == nil {
		opts.Logger = tool.DiscardLogger()
	}
	return receiver.New(store, opts), root
}

func intPtr(i int) *int { return &i }

func chunk(id string, index, total int, data string) *types.RawUpload {
	meta := &types.ChunkMeta{UploadID: id, Index: intPtr(index)}
	if total > 0 {
		meta.Total = intPtr(total)
	}
	return &types.RawUpload{
		File:  &types.FilePart{FileName: "data.bin", FileType: "application/x-test", Size: int64(len(data)), Content: strings.NewReader(data)},
		Chunk: meta,
	}
}

func lastChunk(id string, index int, data string) *types.RawUpload {
	raw := chunk(id, index, 0, data)
	raw.Chunk.IsLast = true
	return raw
}

func receive(t *testing.T, c *receiver.Coordinator, raw *types.RawUpload) types.Outcome {
	t.Helper()
	out, err := c.Receive(context.Background(), raw)
	require.NoError(t, err)
	return out
}

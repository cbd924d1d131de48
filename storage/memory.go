package storage

import (
	"bytes"
	"context"
	"io"
	"iter"
	"sync"
	"time"
)

// MemoryStorage keeps chunks in process memory. Intended for tests and single-process demos.
type MemoryStorage struct {
	mu      sync.RWMutex
	uploads map[string]*memoryUpload
	now     func() time.Time
}

type memoryUpload struct {
	chunks    map[int][]byte
	updatedAt time.Time
}

var (
	_ ChunkStorage  = (*MemoryStorage)(nil)
	_ SessionLister = (*MemoryStorage)(nil)
)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		uploads: make(map[string]*memoryUpload),
		now:     time.Now,
	}
}

// Put buffers the whole payload before publishing it, so a failed read never lands.
func (m *MemoryStorage) Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error) {
	if err := checkIndex(uploadID, index); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	data := buf.Bytes()

	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		up = &memoryUpload{chunks: make(map[int][]byte)}
		m.uploads[uploadID] = up
	}
	up.chunks[index] = data
	up.updatedAt = m.now()
	return int64(len(data)), nil
}

func (m *MemoryStorage) ReceivedIndices(_ context.Context, uploadID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return nil, nil
	}
	set := make(map[int]struct{}, len(up.chunks))
	for i := range up.chunks {
		set[i] = struct{}{}
	}
	return sortedIndices(set), nil
}

func (m *MemoryStorage) ReadOrdered(ctx context.Context, uploadID string) iter.Seq2[Chunk, error] {
	return readOrdered(ctx, uploadID,
		func(ctx context.Context) ([]int, error) { return m.ReceivedIndices(ctx, uploadID) },
		func(_ context.Context, index int) ([]byte, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			up, ok := m.uploads[uploadID]
			if !ok {
				return nil, ErrNotFound
			}
			data, ok := up.chunks[index]
			if !ok {
				return nil, ErrNotFound
			}
			// copy out so callers never share the stored slice
			return bytes.Clone(data), nil
		})
}

func (m *MemoryStorage) Purge(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStorage) Sessions(_ context.Context) ([]SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.uploads))
	for id, up := range m.uploads {
		info := SessionInfo{UploadID: id, Chunks: len(up.chunks), UpdatedAt: up.updatedAt}
		for _, c := range up.chunks {
			info.Bytes += int64(len(c))
		}
		out = append(out, info)
	}
	return out, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/moyoez/chunkrecv/tool"
)

const zstdExt = ".zst"

// FSStorage stores each chunk as its own file under <root>/<upload id>/.
// A chunk becomes visible only through an atomic rename of a fully synced temp file.
type FSStorage struct {
	root     string
	compress bool
}

var (
	_ ChunkStorage  = (*FSStorage)(nil)
	_ SessionLister = (*FSStorage)(nil)
)

// FSOption configures an FSStorage.
type FSOption func(*FSStorage)

// WithCompression stores chunks zstd compressed at rest.
func WithCompression(enabled bool) FSOption {
	return func(s *FSStorage) { s.compress = enabled }
}

// NewFSStorage creates the root directory if needed.
func NewFSStorage(root string, opts ...FSOption) (*FSStorage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("fs storage: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wrapErr("init", "", -1, err)
	}
	s := &FSStorage{root: root}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FSStorage) uploadDir(uploadID string) string {
	return filepath.Join(s.root, uploadID)
}

func (s *FSStorage) chunkPath(uploadID string, index int, compressed bool) string {
	name := chunkName(index)
	if compressed {
		name += zstdExt
	}
	return filepath.Join(s.uploadDir(uploadID), name)
}

func (s *FSStorage) Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error) {
	if err := checkIndex(uploadID, index); err != nil {
		return 0, err
	}
	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}

	tmp, err := os.CreateTemp(dir, "."+chunkName(index)+".tmp.*")
	if err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	var written int64
	if s.compress {
		enc, err := zstd.NewWriter(tmp)
		if err != nil {
			return 0, wrapErr("put", uploadID, index, err)
		}
		written, err = tool.CopyWithContext(ctx, enc, r)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return 0, wrapErr("put", uploadID, index, err)
		}
	} else {
		written, err = tool.CopyWithContext(ctx, tmp, r)
		if err != nil {
			return 0, wrapErr("put", uploadID, index, err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	// last check before the chunk becomes visible
	if err := ctx.Err(); err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	if err := os.Rename(tmpName, s.chunkPath(uploadID, index, s.compress)); err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	committed = true
	// a chunk written earlier with the other compression setting must not shadow this one
	if err := os.Remove(s.chunkPath(uploadID, index, !s.compress)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, wrapErr("put", uploadID, index, err)
	}
	if err := tool.SyncDir(dir); err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	return written, nil
}

func (s *FSStorage) ReceivedIndices(_ context.Context, uploadID string) ([]int, error) {
	set, _, err := s.scan(uploadID)
	if err != nil {
		return nil, wrapErr("list", uploadID, -1, err)
	}
	return sortedIndices(set), nil
}

// scan lists committed chunk files of one upload. Temp files are dot-prefixed and skipped.
func (s *FSStorage) scan(uploadID string) (map[int]struct{}, []fs.DirEntry, error) {
	entries, err := os.ReadDir(s.uploadDir(uploadID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	set := make(map[int]struct{}, len(entries))
	chunks := make([]fs.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		idx, ok := parseChunkName(strings.TrimSuffix(e.Name(), zstdExt))
		if !ok {
			continue
		}
		set[idx] = struct{}{}
		chunks = append(chunks, e)
	}
	return set, chunks, nil
}

func (s *FSStorage) ReadOrdered(ctx context.Context, uploadID string) iter.Seq2[Chunk, error] {
	return readOrdered(ctx, uploadID,
		func(ctx context.Context) ([]int, error) { return s.ReceivedIndices(ctx, uploadID) },
		func(_ context.Context, index int) ([]byte, error) { return s.readChunk(uploadID, index) })
}

func (s *FSStorage) readChunk(uploadID string, index int) ([]byte, error) {
	data, err := os.ReadFile(s.chunkPath(uploadID, index, false))
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	f, err := os.Open(s.chunkPath(uploadID, index, true))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", chunkName(index), ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// Purge first renames the upload directory out of the way so no reader ever sees a half-deleted set.
func (s *FSStorage) Purge(_ context.Context, uploadID string) error {
	if uploadID == "" {
		return nil
	}
	dir := s.uploadDir(uploadID)
	tomb := filepath.Join(s.root, ".purge-"+uploadID+"-"+uuid.NewString())
	if err := os.Rename(dir, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return wrapErr("purge", uploadID, -1, err)
	}
	if err := os.RemoveAll(tomb); err != nil {
		return wrapErr("purge", uploadID, -1, err)
	}
	return nil
}

// Sessions reports every upload directory with at least one committed chunk.
// Leftover purge tombstones are removed on the way.
func (s *FSStorage) Sessions(_ context.Context) ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, wrapErr("sessions", "", -1, err)
	}
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), ".purge-") {
			_ = os.RemoveAll(filepath.Join(s.root, e.Name()))
			continue
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		set, chunks, err := s.scan(e.Name())
		if err != nil {
			return nil, wrapErr("sessions", e.Name(), -1, err)
		}
		if len(set) == 0 {
			continue
		}
		info := SessionInfo{UploadID: e.Name(), Chunks: len(set)}
		for _, c := range chunks {
			fi, err := c.Info()
			if err != nil {
				continue
			}
			info.Bytes += fi.Size()
			if fi.ModTime().After(info.UpdatedAt) {
				info.UpdatedAt = fi.ModTime()
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Root returns the directory chunks are stored under.
func (s *FSStorage) Root() string {
	return s.root
}

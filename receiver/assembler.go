package receiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/moyoez/chunkrecv/storage"
	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

// ArtifactMeta is the client supplied metadata carried onto the artifact.
type ArtifactMeta struct {
	FileName string
	FileType string
	SHA256   string // expected hex digest, empty to skip verification
}

// Assembler concatenates stored chunks into a staging file and publishes it
// with a rename, so the destination is never observed half written.
type Assembler struct {
	store          storage.ChunkStorage
	logger         *log.Logger
	avoidOverwrite bool
	now            func() time.Time
}

func NewAssembler(store storage.ChunkStorage, logger *log.Logger, avoidOverwrite bool) *Assembler {
	if logger == nil {
		logger = tool.DefaultLogger
	}
	return &Assembler{store: store, logger: logger, avoidOverwrite: avoidOverwrite, now: time.Now}
}

// Merge assembles uploadID into dest. Chunk state is purged only after a
// successful publish; on any failure dest and the stored chunks are untouched.
func (a *Assembler) Merge(ctx context.Context, uploadID, dest string, meta ArtifactMeta) (*types.Artifact, error) {
	var chunks int
	art, err := a.publish(ctx, uploadID, dest, meta, func(w io.Writer) (int64, error) {
		var size int64
		for chunk, err := range a.store.ReadOrdered(ctx, uploadID) {
			if err != nil {
				return size, err
			}
			n, err := w.Write(chunk.Data)
			size += int64(n)
			if err != nil {
				return size, &AssembleError{UploadID: uploadID, Op: "write", Err: err}
			}
			chunks++
		}
		if chunks == 0 {
			return 0, &storage.MissingChunkError{UploadID: uploadID, Index: 0}
		}
		return size, nil
	})
	if err != nil {
		return nil, err
	}
	art.Chunks = chunks

	if err := a.store.Purge(ctx, uploadID); err != nil {
		// the artifact is published; leftovers are for the sweeper
		a.logger.Warnf("[Assemble] Published %s but failed to purge chunks: %v", uploadID, err)
	}
	a.logger.Infof("[Assemble] %s -> %s (%d chunks, %s)", uploadID, art.Path, chunks, tool.HumanSize(art.Size))
	return art, nil
}

// PublishSingle writes a non-chunked upload straight to dest without touching chunk storage.
func (a *Assembler) PublishSingle(ctx context.Context, uploadID string, r io.Reader, dest string, meta ArtifactMeta) (*types.Artifact, error) {
	art, err := a.publish(ctx, uploadID, dest, meta, func(w io.Writer) (int64, error) {
		n, err := tool.CopyWithContext(ctx, w, r)
		if err != nil {
			return n, &AssembleError{UploadID: uploadID, Op: "write", Err: err}
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	art.Chunks = 1
	a.logger.Infof("[Assemble] %s -> %s (%s)", uploadID, art.Path, tool.HumanSize(art.Size))
	return art, nil
}

func (a *Assembler) publish(ctx context.Context, uploadID, dest string, meta ArtifactMeta, fill func(io.Writer) (int64, error)) (*types.Artifact, error) {
	dir := filepath.Dir(dest)
	base := filepath.Base(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &AssembleError{UploadID: uploadID, Op: "mkdir", Err: err}
	}
	stagingPath := filepath.Join(dir, "."+base+"."+uuid.NewString()+".part")
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &AssembleError{UploadID: uploadID, Op: "stage", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(stagingPath)
		}
	}()

	hasher := sha256.New()
	size, err := fill(io.MultiWriter(f, hasher))
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, &AssembleError{UploadID: uploadID, Op: "sync", Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &AssembleError{UploadID: uploadID, Op: "close", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &AssembleError{UploadID: uploadID, Op: "stage", Err: err}
	}

	sum := hexSum(hasher)
	if meta.SHA256 != "" && meta.SHA256 != sum {
		return nil, &AssembleError{UploadID: uploadID, Op: "verify",
			Err: fmt.Errorf("%w: want %s, got %s", ErrChecksumMismatch, meta.SHA256, sum)}
	}

	fileType := meta.FileType
	if tool.NeedsSniff(fileType) {
		fileType = tool.DefaultFileType
		if mt, err := mimetype.DetectFile(stagingPath); err == nil {
			fileType = mt.String()
		}
	}

	target := dest
	if a.avoidOverwrite {
		target, err = linkAvailable(stagingPath, dir, base)
	} else {
		err = os.Rename(stagingPath, target)
	}
	if err != nil {
		return nil, &AssembleError{UploadID: uploadID, Op: "publish", Err: err}
	}
	// a link leaves the staging name behind for the deferred cleanup
	committed = !a.avoidOverwrite
	if err := tool.SyncDir(dir); err != nil {
		a.logger.Warnf("[Assemble] %v", err)
	}

	fileName := meta.FileName
	if fileName == "" {
		fileName = filepath.Base(target)
	}
	return &types.Artifact{
		UploadID:  uploadID,
		Path:      target,
		Size:      size,
		FileName:  fileName,
		FileType:  fileType,
		SHA256:    sum,
		CreatedAt: a.now(),
	}, nil
}

// maxPublishAttempts bounds the retries when concurrent merges race for the same free name.
const maxPublishAttempts = 64

// linkAvailable hard links staging to the first free name in dir. A link never
// replaces an existing file, so two merges cannot both claim one name.
// The staging file is left for the caller to remove.
func linkAvailable(staging, dir, base string) (string, error) {
	for range maxPublishAttempts {
		target := tool.NextAvailablePath(dir, base)
		err := os.Link(staging, target)
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", base, maxPublishAttempts)
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// IsRetryable reports whether the client should simply resend the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, storage.ErrStorage) ||
		(errors.Is(err, ErrAssemble) && !errors.Is(err, ErrChecksumMismatch))
}

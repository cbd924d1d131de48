package receiver

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/moyoez/chunkrecv/tool"
	"github.com/moyoez/chunkrecv/types"
)

// derivedIDLen is the length of upload ids derived for clients that send none.
const derivedIDLen = 32

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// DestinationResolver maps a descriptor to the final artifact path.
type DestinationResolver func(d *types.ChunkDescriptor) string

// FolderResolver places artifacts under root, in a per-upload folder unless flat is set.
func FolderResolver(root string, flat bool) DestinationResolver {
	return func(d *types.ChunkDescriptor) string {
		if flat || d.UploadID == "" {
			return filepath.Join(root, d.FileName)
		}
		return filepath.Join(root, d.UploadID, d.FileName)
	}
}

// Normalizer turns adapter supplied metadata into a canonical descriptor.
type Normalizer struct {
	Resolve      DestinationResolver
	MaxChunkSize int64 // 0 means unlimited
}

// ValidUploadID reports whether id is safe to use as a storage key and folder name.
func ValidUploadID(id string) bool {
	return id != "." && id != ".." && uploadIDPattern.MatchString(id)
}

// Normalize returns nil and no error when the request carries no file.
func (n *Normalizer) Normalize(raw *types.RawUpload) (*types.ChunkDescriptor, error) {
	if raw == nil || raw.File == nil {
		return nil, nil
	}
	f := raw.File
	d := &types.ChunkDescriptor{
		Kind:     types.KindSingle,
		FileName: tool.SanitizeFileName(f.FileName),
		FileType: strings.TrimSpace(f.FileType),
		Size:     f.Size,
		Content:  f.Content,
	}
	if d.Content == nil {
		d.Content = bytes.NewReader(nil)
	}

	m := raw.Chunk
	if m == nil || (m.Index == nil && m.Total == nil && !m.IsLast) {
		return n.single(d)
	}
	return n.chunked(d, m)
}

func (n *Normalizer) single(d *types.ChunkDescriptor) (*types.ChunkDescriptor, error) {
	d.UploadID = tool.GenerateShortID()
	if tool.NeedsSniff(d.FileType) {
		ft, r, err := tool.SniffFileType(d.Content)
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		d.FileType, d.Content = ft, r
	}
	d.Destination = n.resolve(d)
	return d, nil
}

func (n *Normalizer) chunked(d *types.ChunkDescriptor, m *types.ChunkMeta) (*types.ChunkDescriptor, error) {
	d.Kind = types.KindChunked
	if m.Index == nil {
		return nil, ErrMissingChunkHeader
	}
	d.Index = *m.Index
	if m.Total != nil {
		if *m.Total <= 0 {
			return nil, fmt.Errorf("chunk total %d: %w", *m.Total, ErrInvalidChunkIndex)
		}
		d.Total = *m.Total
	}
	d.IsLast = m.IsLast
	d.TotalSize = m.TotalSize
	d.SHA256 = strings.ToLower(strings.TrimSpace(m.SHA256))
	if tool.NeedsSniff(d.FileType) {
		// sniffed from the assembled file instead
		d.FileType = ""
	}

	if n.MaxChunkSize > 0 {
		if d.Size > n.MaxChunkSize {
			return nil, fmt.Errorf("chunk of %s exceeds %s: %w",
				tool.HumanSize(d.Size), tool.HumanSize(n.MaxChunkSize), ErrChunkTooLarge)
		}
		d.Content = &capReader{r: d.Content, left: n.MaxChunkSize}
	}

	if id := strings.TrimSpace(m.UploadID); id != "" {
		if !ValidUploadID(id) {
			return nil, fmt.Errorf("%q: %w", id, ErrInvalidUploadID)
		}
		d.UploadID = id
	} else {
		d.UploadID = tool.DigestID(derivedIDLen, d.FileName, strconv.FormatInt(d.TotalSize, 10), n.resolve(d))
	}
	d.Destination = n.resolve(d)
	return d, nil
}

func (n *Normalizer) resolve(d *types.ChunkDescriptor) string {
	if n.Resolve == nil {
		return FolderResolver("uploads", false)(d)
	}
	return n.Resolve(d)
}

// capReader fails once more than left bytes are read.
type capReader struct {
	r    io.Reader
	left int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, ErrChunkTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return 0, ErrChunkTooLarge
	}
	return n, err
}

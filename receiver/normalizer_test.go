package receiver

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/chunkrecv/types"
)

func ptr(i int) *int { return &i }

func TestNormalize_Single(t *testing.T) {
	n := &Normalizer{Resolve: FolderResolver("/srv/in", true)}
	d, err := n.Normalize(&types.RawUpload{File: &types.FilePart{
		FileName: "../../secret.txt",
		Content:  strings.NewReader("hello world"),
	}})
	require.NoError(t, err)
	assert.Equal(t, types.KindSingle, d.Kind)
	assert.Equal(t, "secret.txt", d.FileName)
	assert.Equal(t, filepath.Join("/srv/in", "secret.txt"), d.Destination)
	assert.True(t, strings.HasPrefix(d.FileType, "text/plain"))
	assert.NotEmpty(t, d.UploadID)

	body, err := io.ReadAll(d.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestNormalize_EmptyChunkMetaIsSingle(t *testing.T) {
	n := &Normalizer{}
	d, err := n.Normalize(&types.RawUpload{
		File:  &types.FilePart{FileName: "a.txt", FileType: "text/plain"},
		Chunk: &types.ChunkMeta{UploadID: "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.KindSingle, d.Kind)
	assert.NotEqual(t, "ignored", d.UploadID)
}

func TestNormalize_Chunked(t *testing.T) {
	n := &Normalizer{Resolve: FolderResolver("/srv/in", false)}
	d, err := n.Normalize(&types.RawUpload{
		File:  &types.FilePart{FileName: "movie.mp4", FileType: "application/octet-stream", Content: strings.NewReader("x")},
		Chunk: &types.ChunkMeta{UploadID: "abc-1", Index: ptr(2), Total: ptr(7), SHA256: " ABCD "},
	})
	require.NoError(t, err)
	assert.Equal(t, types.KindChunked, d.Kind)
	assert.Equal(t, "abc-1", d.UploadID)
	assert.Equal(t, 2, d.Index)
	assert.Equal(t, 7, d.Total)
	assert.True(t, d.HasTotal())
	assert.Equal(t, "abcd", d.SHA256)
	assert.Empty(t, d.FileType, "chunk MIME types are sniffed after assembly")
	assert.Equal(t, filepath.Join("/srv/in", "abc-1", "movie.mp4"), d.Destination)
}

func TestNormalize_Rejects(t *testing.T) {
	n := &Normalizer{}
	file := func() *types.FilePart { return &types.FilePart{FileName: "a"} }

	_, err := n.Normalize(&types.RawUpload{File: file(), Chunk: &types.ChunkMeta{Index: ptr(0), Total: ptr(0)}})
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)

	_, err = n.Normalize(&types.RawUpload{File: file(), Chunk: &types.ChunkMeta{IsLast: true}})
	assert.ErrorIs(t, err, ErrInvalidChunkIndex)

	_, err = n.Normalize(&types.RawUpload{File: file(), Chunk: &types.ChunkMeta{UploadID: ".", Index: ptr(0)}})
	assert.ErrorIs(t, err, ErrInvalidUploadID)
}

func TestNormalize_DerivedID(t *testing.T) {
	n := &Normalizer{Resolve: FolderResolver("/srv/in", false)}
	mk := func(size int64, index int) *types.ChunkDescriptor {
		d, err := n.Normalize(&types.RawUpload{
			File:  &types.FilePart{FileName: "big.iso"},
			Chunk: &types.ChunkMeta{Index: ptr(index), TotalSize: size},
		})
		require.NoError(t, err)
		return d
	}
	a, b, c := mk(100, 0), mk(100, 1), mk(101, 0)
	assert.Equal(t, a.UploadID, b.UploadID)
	assert.NotEqual(t, a.UploadID, c.UploadID)
	assert.Len(t, a.UploadID, derivedIDLen)
	assert.True(t, ValidUploadID(a.UploadID))
	assert.Equal(t, filepath.Join("/srv/in", a.UploadID, "big.iso"), a.Destination)
}

func TestCapReader(t *testing.T) {
	r := &capReader{r: strings.NewReader("12345"), left: 5}
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(got))

	r = &capReader{r: strings.NewReader("123456"), left: 5}
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

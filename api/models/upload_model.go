package models

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/moyoez/chunkrecv/receiver"
	"github.com/moyoez/chunkrecv/types"
)

// Convention is the client library wire format a request was sent with.
type Convention int

const (
	ConventionNone Convention = iota
	ConventionResumable
	ConventionDropzone
	ConventionHeaders
)

func (c Convention) String() string {
	switch c {
	case ConventionResumable:
		return "resumable"
	case ConventionDropzone:
		return "dropzone"
	case ConventionHeaders:
		return "headers"
	default:
		return "none"
	}
}

const (
	HeaderUploadID  = "X-Upload-Id"
	HeaderChunkIdx  = "X-Chunk-Index"
	HeaderChunkTot  = "X-Chunk-Total"
	HeaderChunkLast = "X-Chunk-Last"
	HeaderTotalSize = "X-File-Size"
	HeaderFileName  = "X-File-Name"
	HeaderSHA256    = "X-File-Sha256"

	FormFileField = "file"
)

// params reads a value from the multipart form first, then the query string.
type params struct {
	c *gin.Context
}

func (p params) get(name string) string {
	if v := p.c.PostForm(name); v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(p.c.Query(name))
}

// DetectConvention picks the wire format from the fields present on the request.
func DetectConvention(c *gin.Context) Convention {
	p := params{c}
	switch {
	case p.get("resumableChunkNumber") != "" || p.get("flowChunkNumber") != "":
		return ConventionResumable
	case p.get("dzchunkindex") != "" || p.get("dzuuid") != "":
		return ConventionDropzone
	case c.GetHeader(HeaderChunkIdx) != "" || c.GetHeader(HeaderChunkTot) != "" || c.GetHeader(HeaderChunkLast) != "":
		return ConventionHeaders
	default:
		return ConventionNone
	}
}

// ParseChunkMeta extracts chunk metadata in the given convention. It returns nil for ConventionNone.
func ParseChunkMeta(c *gin.Context, conv Convention) (*types.ChunkMeta, error) {
	p := params{c}
	switch conv {
	case ConventionResumable:
		prefix := "resumable"
		if p.get("resumableChunkNumber") == "" {
			prefix = "flow"
		}
		number, err := intParam(p.get(prefix+"ChunkNumber"), prefix+"ChunkNumber")
		if err != nil {
			return nil, err
		}
		// 1-based on the wire
		index := *number - 1
		meta := &types.ChunkMeta{UploadID: p.get(prefix + "Identifier"), Index: &index}
		if meta.Total, err = optionalInt(p.get(prefix+"TotalChunks"), prefix+"TotalChunks"); err != nil {
			return nil, err
		}
		meta.TotalSize, _ = strconv.ParseInt(p.get(prefix+"TotalSize"), 10, 64)
		return meta, nil

	case ConventionDropzone:
		meta := &types.ChunkMeta{UploadID: p.get("dzuuid")}
		var err error
		if meta.Index, err = optionalInt(p.get("dzchunkindex"), "dzchunkindex"); err != nil {
			return nil, err
		}
		if meta.Total, err = optionalInt(p.get("dztotalchunkcount"), "dztotalchunkcount"); err != nil {
			return nil, err
		}
		meta.TotalSize, _ = strconv.ParseInt(p.get("dztotalfilesize"), 10, 64)
		return meta, nil

	case ConventionHeaders:
		meta := &types.ChunkMeta{
			UploadID: c.GetHeader(HeaderUploadID),
			IsLast:   truthy(c.GetHeader(HeaderChunkLast)),
			SHA256:   c.GetHeader(HeaderSHA256),
		}
		var err error
		if meta.Index, err = optionalInt(c.GetHeader(HeaderChunkIdx), HeaderChunkIdx); err != nil {
			return nil, err
		}
		if meta.Total, err = optionalInt(c.GetHeader(HeaderChunkTot), HeaderChunkTot); err != nil {
			return nil, err
		}
		meta.TotalSize, _ = strconv.ParseInt(c.GetHeader(HeaderTotalSize), 10, 64)
		return meta, nil
	}
	return nil, nil
}

// ParseUploadRequest builds the receiver input from a request. The returned
// closer releases the file part and must be called once the receiver returns.
func ParseUploadRequest(c *gin.Context) (*types.RawUpload, io.Closer, error) {
	conv := DetectConvention(c)
	meta, err := ParseChunkMeta(c, conv)
	if err != nil {
		return nil, nil, err
	}
	file, closer, err := parseFilePart(c)
	if err != nil {
		return nil, nil, err
	}
	if meta != nil && meta.SHA256 == "" {
		meta.SHA256 = c.GetHeader(HeaderSHA256)
	}
	return &types.RawUpload{File: file, Chunk: meta}, closer, nil
}

func parseFilePart(c *gin.Context) (*types.FilePart, io.Closer, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile(FormFileField)
		if err == http.ErrMissingFile {
			return nil, noopCloser{}, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read multipart file: %w", err)
		}
		return openFileHeader(c, fh)
	}

	name := c.GetHeader(HeaderFileName)
	if name == "" || c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil, noopCloser{}, nil
	}
	return &types.FilePart{
		FileName: name,
		FileType: c.ContentType(),
		Size:     c.Request.ContentLength,
		Content:  c.Request.Body,
	}, c.Request.Body, nil
}

func openFileHeader(c *gin.Context, fh *multipart.FileHeader) (*types.FilePart, io.Closer, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open multipart file: %w", err)
	}
	name := fh.Filename
	for _, field := range []string{"resumableFilename", "flowFilename"} {
		if v := c.PostForm(field); v != "" {
			name = v
		}
	}
	return &types.FilePart{
		FileName: name,
		FileType: fh.Header.Get("Content-Type"),
		Size:     fh.Size,
		Content:  f,
	}, f, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func intParam(v, name string) (*int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s=%q: %w", name, v, receiver.ErrInvalidChunkIndex)
	}
	return &n, nil
}

func optionalInt(v, name string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	return intParam(v, name)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

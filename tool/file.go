package tool

import (
	"bufio"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	DefaultFileType = "application/octet-stream"
	DefaultFileName = "upload.bin"
	sniffLen        = 3072
)

// SanitizeFileName keeps only the base name of a client supplied filename.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	switch name {
	case "", ".", "..", "/":
		return DefaultFileName
	}
	return name
}

// SniffFileType detects the MIME type from the head of r. The returned reader
// replays the sniffed bytes, so callers must continue with it instead of r.
func SniffFileType(r io.Reader) (string, io.Reader, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", br, err
	}
	if len(head) == 0 {
		return DefaultFileType, br, nil
	}
	return mimetype.Detect(head).String(), br, nil
}

// NeedsSniff reports whether a client supplied MIME type carries no information.
func NeedsSniff(fileType string) bool {
	ft := strings.TrimSpace(strings.ToLower(fileType))
	return ft == "" || ft == DefaultFileType
}

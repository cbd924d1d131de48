package types

import "io"

// FilePart is the file payload extracted from one request by the transport adapter.
type FilePart struct {
	FileName string    `json:"fileName"`
	FileType string    `json:"fileType"`
	Size     int64     `json:"size"` // -1 when the adapter cannot tell
	Content  io.Reader `json:"-"`
}

// ChunkMeta is the optional chunk metadata a client protocol attached to the request.
// Index and Total are pointers so "absent" and "zero" stay distinguishable.
type ChunkMeta struct {
	UploadID  string `json:"uploadId,omitempty"`
	Index     *int   `json:"index,omitempty"`
	Total     *int   `json:"total,omitempty"`
	IsLast    bool   `json:"isLast,omitempty"`
	TotalSize int64  `json:"totalSize,omitempty"` // size of the whole file, 0 if unknown
	SHA256    string `json:"sha256,omitempty"`    // optional checksum of the assembled file
}

// RawUpload is what the request adapter hands to the receiver for every request.
type RawUpload struct {
	File  *FilePart
	Chunk *ChunkMeta
}

// ChunkDescriptor is the canonical, adapter independent view of one upload request.
type ChunkDescriptor struct {
	Kind        UploadKind
	UploadID    string
	Index       int
	Total       int // 0 when the protocol did not declare it
	IsLast      bool
	TotalSize   int64
	FileName    string
	FileType    string
	SHA256      string
	Size        int64
	Content     io.Reader
	Destination string
}

// HasTotal reports whether the client declared an upfront chunk count.
func (d *ChunkDescriptor) HasTotal() bool {
	return d.Total > 0
}

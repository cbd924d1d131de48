package types

import "time"

// UploadKind tags how a request carries its file.
type UploadKind int

const (
	// KindSingle means the whole file arrived in this one request.
	KindSingle UploadKind = iota
	// KindChunked means the request carries one chunk of a larger transfer.
	KindChunked
)

func (k UploadKind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindChunked:
		return "chunked"
	default:
		return "unknown"
	}
}

// OutcomeKind is the result variant of one Receive call.
type OutcomeKind int

const (
	NotUploaded OutcomeKind = iota
	ChunkAccepted
	Completed
	// AlreadyCompleted is returned for chunks of an upload id whose artifact was already assembled.
	AlreadyCompleted
)

func (k OutcomeKind) String() string {
	switch k {
	case NotUploaded:
		return "not_uploaded"
	case ChunkAccepted:
		return "chunk_accepted"
	case Completed:
		return "completed"
	case AlreadyCompleted:
		return "already_completed"
	default:
		return "unknown"
	}
}

// MarshalText lets the kind render as its name in JSON responses.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is returned to the calling layer for every request.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	UploadID string      `json:"uploadId,omitempty"`
	Received int         `json:"received,omitempty"`
	Total    int         `json:"total,omitempty"` // 0 while unknown
	Artifact *Artifact   `json:"artifact,omitempty"`
}

// TotalKnown reports whether the chunk count of the upload is known yet.
func (o Outcome) TotalKnown() bool {
	return o.Total > 0
}

// Artifact is the assembled file as published at its destination.
type Artifact struct {
	UploadID  string    `json:"uploadId,omitempty"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	FileName  string    `json:"fileName"`
	FileType  string    `json:"fileType"`
	SHA256    string    `json:"sha256"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"createdAt"`
}

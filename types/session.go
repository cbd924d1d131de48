package types

import "time"

// SessionState is the lifecycle state of an upload id.
type SessionState int

const (
	StateAbsent SessionState = iota
	StateReceiving
	StateCompleted
	StateAbandoned
)

func (s SessionState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateReceiving:
		return "receiving"
	case StateCompleted:
		return "completed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// MarshalText lets the state render as its name in JSON responses.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UploadSession is the bookkeeping view of one upload id.
type UploadSession struct {
	UploadID    string       `json:"uploadId"`
	State       SessionState `json:"state"`
	Total       int          `json:"total,omitempty"`
	Received    []int        `json:"received"`
	FileName    string       `json:"fileName,omitempty"`
	Destination string       `json:"destination,omitempty"`
	CreatedAt   time.Time    `json:"createdAt,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt,omitempty"`
	Artifact    *Artifact    `json:"artifact,omitempty"`
}

package types

const (
	NotifyTypeChunkAccepted   = "chunk_accepted"
	NotifyTypeUploadCompleted = "upload_completed"
	NotifyTypeUploadAbandoned = "upload_abandoned"
)

// Notification represents a notification message structure
type Notification struct {
	Type    string         `json:"type,omitempty"`    // Notification type, e.g. "upload_completed"
	Title   string         `json:"title,omitempty"`   // Notification title
	Message string         `json:"message,omitempty"` // Notification message/content
	Data    map[string]any `json:"data,omitempty"`    // Additional data fields
}

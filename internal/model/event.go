package model

import "time"

// Trigger sources.
const (
	SourceFunctions = "functions"
	SourceEventGrid = "eventgrid"
	SourceMinIO     = "minio"
	SourceManual    = "manual"
)

// BlobEvent is a normalized object-creation notification. The handler only
// uses it as an activation signal and never reads the object's bytes.
type BlobEvent struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Container string    `json:"container"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	Size      int64     `json:"size,omitempty"`
	ETag      string    `json:"etag,omitempty"`
	Time      time.Time `json:"time"`
}

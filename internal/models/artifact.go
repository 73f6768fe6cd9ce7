package models

import "time"

// AudioArtifact is a synthesized audio file registered by the pipeline.
type AudioArtifact struct {
	Name       string    `json:"name"`
	StoredPath string    `json:"stored_path"`
	SourceName string    `json:"source_name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

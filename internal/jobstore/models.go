package jobstore

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// JobType enumerates the supported generation pipelines.
type JobType string

const (
	TypeImage         JobType = "image"
	TypeVideo         JobType = "video"
	TypeVideoTimeline JobType = "video_timeline"
)

// Job represents a generation job persisted in Postgres. The payload is
// opaque to this service; only the pipelines interpret it.
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Status     JobStatus       `json:"status"`
	Priority   string          `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	Retries    int             `json:"retries"`
	LastReason string          `json:"last_reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsValidType reports whether t names a known generation pipeline.
func IsValidType(t string) bool {
	switch JobType(t) {
	case TypeImage, TypeVideo, TypeVideoTimeline:
		return true
	}
	return false
}

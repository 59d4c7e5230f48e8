package notify

import (
	"time"
)

// Level grades the severity of an operational event.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Record is a persisted operational event. Durability comes first: a record
// is written before any delivery attempt and survives channel failures.
type Record struct {
	ID        string         `json:"id"`
	Level     Level          `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Category  string         `json:"category"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ParseLevel normalizes a level string, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelWarning, LevelError, LevelCritical:
		return Level(s)
	default:
		return LevelInfo
	}
}

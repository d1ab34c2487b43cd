package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AudioEntry indexes one audio file kept by the on-disk cache.
type AudioEntry struct {
	Fingerprint string
	Path        string
	Size        int64
	MimeType    string
	Synthetic   bool
	CreatedAt   time.Time
}

// Turn is the persisted form of one conversation exchange.
type Turn struct {
	ID             string
	SessionID      string
	Timestamp      time.Time
	UserInput      string
	Intent         string
	Confidence     float64
	ResponseText   string
	AudioRef       string
	RelevantSlides string // JSON array stored as text
	LatencyMs      int64
}

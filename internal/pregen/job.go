package pregen

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/lectern/internal/slide"
)

// Priority orders the work queue. HIGH is always dequeued before LOW.
type Priority int

const (
	Low Priority = iota
	High
)

func (p Priority) String() string {
	if p == High {
		return "HIGH"
	}
	return "LOW"
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts HIGH or LOW in any case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(s) {
	case "HIGH":
		return High, nil
	case "LOW":
		return Low, nil
	}
	return Low, fmt.Errorf("unknown priority %q", s)
}

// Status is a job state. States only move forward:
// PENDING → GENERATING → READY|FAILED.
type Status string

const (
	Pending    Status = "PENDING"
	Generating Status = "GENERATING"
	Ready      Status = "READY"
	Failed     Status = "FAILED"

	// Scheduled marks a look-ahead issue that has not been enqueued yet. It is
	// never a job state.
	Scheduled Status = "SCHEDULED"
)

func (s Status) rank() int {
	switch s {
	case Pending:
		return 1
	case Generating:
		return 2
	case Ready, Failed:
		return 3
	}
	return 0
}

// Terminal reports whether s is READY or FAILED.
func (s Status) Terminal() bool { return s == Ready || s == Failed }

// Job is a snapshot of one pre-generation job.
type Job struct {
	SlideID   string                 `json:"slideId"`
	SlideKey  string                 `json:"slideKey"`
	Ordinal   int                    `json:"ordinal"`
	Priority  Priority               `json:"priority"`
	Status    Status                 `json:"status"`
	Record    *slide.NarrationRecord `json:"record,omitempty"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Issue describes one slide touched by Advance.
type Issue struct {
	SlideID  string   `json:"slideId"`
	Ordinal  int      `json:"ordinal"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`
	DelayMs  int64    `json:"delayMs"`
}

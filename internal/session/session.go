package session

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/lectern/internal/intent"
	"github.com/kalambet/lectern/internal/ranking"
	"github.com/kalambet/lectern/internal/slide"
)

// State is the lifecycle state of a session.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Active        State = "ACTIVE"
	Expired       State = "EXPIRED"
)

// Turn is one question and its answer. Turns are append-only and their
// timestamps strictly increase within a session.
type Turn struct {
	Timestamp        time.Time       `json:"timestamp"`
	UserInput        string          `json:"userInput"`
	DetectedIntent   intent.Intent   `json:"detectedIntent"`
	Confidence       float64         `json:"confidence"`
	ResponseText     string          `json:"responseText"`
	ResponseAudioRef string          `json:"responseAudioRef,omitempty"`
	RelevantSlides   []ranking.Score `json:"relevantSlides"`
	LatencyMs        int64           `json:"latencyMs"`
}

// Metrics aggregates a session's turns.
type Metrics struct {
	TurnCount          int                   `json:"turnCount"`
	QuestionCount      int                   `json:"questionCount"`
	ErrorCount         int                   `json:"errorCount"`
	AverageLatencyMs   float64               `json:"averageLatencyMs"`
	IntentDistribution map[intent.Intent]int `json:"intentDistribution"`
}

func (m *Metrics) record(t Turn) {
	m.TurnCount++
	if t.DetectedIntent == intent.Question {
		m.QuestionCount++
	}
	if m.IntentDistribution == nil {
		m.IntentDistribution = make(map[intent.Intent]int)
	}
	m.IntentDistribution[t.DetectedIntent]++
	m.AverageLatencyMs += (float64(t.LatencyMs) - m.AverageLatencyMs) / float64(m.TurnCount)
}

// Session is the conversation state of one listener.
type Session struct {
	ID           string          `json:"sessionId"`
	State        State           `json:"state"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActiveAt time.Time       `json:"lastActiveAt"`
	SlideContext []slide.Summary `json:"slideContext"`
	History      []Turn          `json:"history"`
	Metrics      Metrics         `json:"metrics"`

	// mu serializes every operation on the session.
	mu      sync.Mutex
	removed bool
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		State:        Uninitialized,
		CreatedAt:    now,
		LastActiveAt: now,
		Metrics:      Metrics{IntentDistribution: make(map[intent.Intent]int)},
	}
}

func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return !s.LastActiveAt.Add(ttl).After(now)
}

// snapshot copies s for callers outside the lock.
func (s *Session) snapshot() *Session {
	return &Session{
		ID:           s.ID,
		State:        s.State,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		SlideContext: slices.Clone(s.SlideContext),
		History:      slices.Clone(s.History),
		Metrics: Metrics{
			TurnCount:          s.Metrics.TurnCount,
			QuestionCount:      s.Metrics.QuestionCount,
			ErrorCount:         s.Metrics.ErrorCount,
			AverageLatencyMs:   s.Metrics.AverageLatencyMs,
			IntentDistribution: maps.Clone(s.Metrics.IntentDistribution),
		},
	}
}

// nextTimestamp returns now, nudged past the last turn if the clock did not
// move.
func (s *Session) nextTimestamp(now time.Time) time.Time {
	if n := len(s.History); n > 0 {
		if last := s.History[n-1].Timestamp; !now.After(last) {
			return last.Add(time.Nanosecond)
		}
	}
	return now
}

// Analytics is the aggregate view served by the analytics endpoint.
type Analytics struct {
	SessionID          string                `json:"sessionId"`
	State              State                 `json:"state"`
	QuestionCount      int                   `json:"questionCount"`
	TurnCount          int                   `json:"turnCount"`
	AverageLatencyMs   float64               `json:"averageLatencyMs"`
	IntentDistribution map[intent.Intent]int `json:"intentDistribution"`
	ErrorCount         int                   `json:"errorCount"`
	CreatedAt          time.Time             `json:"createdAt"`
	LastActiveAt       time.Time             `json:"lastActiveAt"`
}

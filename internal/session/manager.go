// Package session manages multi-turn conversations about a slide deck.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/audiocache"
	"github.com/kalambet/lectern/internal/intent"
	"github.com/kalambet/lectern/internal/observe"
	"github.com/kalambet/lectern/internal/prompt"
	"github.com/kalambet/lectern/internal/provider"
	"github.com/kalambet/lectern/internal/ranking"
	"github.com/kalambet/lectern/internal/slide"
	"github.com/kalambet/lectern/internal/storage"
)

const (
	DefaultTTL = 24 * time.Hour

	defaultMaxTokens   = 300
	defaultTemperature = 0.7
	maxTemperature     = 2.0

	// ConversationAsset is the asset hash conversation audio is keyed under.
	ConversationAsset = "conversation"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Router is the provider surface conversations use.
type Router interface {
	GenerateText(ctx context.Context, req provider.TextRequest) (provider.Result, error)
	Synthesize(ctx context.Context, req provider.SpeechRequest) (provider.Result, error)
}

// Ranker scores slides against a question.
type Ranker interface {
	Rank(ctx context.Context, query string, slides []slide.Summary) []ranking.Score
}

// TurnRecorder persists turns. *storage.Store implements it.
type TurnRecorder interface {
	SaveTurn(ctx context.Context, t storage.Turn) error
}

// AskOptions tunes one Ask call. Zero values select the defaults; a nil
// Temperature selects the default while an explicit 0 is kept.
type AskOptions struct {
	GenerateAudio bool     `json:"generateAudio"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
}

// Manager owns every session. Work on one session is serialized; different
// sessions proceed in parallel.
type Manager struct {
	router   Router
	store    Store
	composer *prompt.Composer
	ranker   Ranker
	cache    *audiocache.Cache
	recorder TurnRecorder
	clock    Clock
	ttl      time.Duration
	voice    string
	metrics  *observe.Metrics

	// mu guards lookup-or-create against the store.
	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

func WithStore(s Store) Option               { return func(m *Manager) { m.store = s } }
func WithComposer(c *prompt.Composer) Option { return func(m *Manager) { m.composer = c } }
func WithRanker(r Ranker) Option             { return func(m *Manager) { m.ranker = r } }
func WithRecorder(r TurnRecorder) Option     { return func(m *Manager) { m.recorder = r } }
func WithClock(c Clock) Option               { return func(m *Manager) { m.clock = c } }
func WithVoice(v string) Option              { return func(m *Manager) { m.voice = v } }
func WithMetrics(mt *observe.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithAudio enables spoken answers through c.
func WithAudio(c *audiocache.Cache) Option { return func(m *Manager) { m.cache = c } }

// WithTTL sets the inactivity timeout. Default 24h.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// NewManager creates a Manager over router.
func NewManager(router Router, opts ...Option) *Manager {
	m := &Manager{
		router:   router,
		store:    NewMemoryStore(),
		composer: prompt.New(0, 0),
		clock:    systemClock{},
		ttl:      DefaultTTL,
	}
	for _, o := range opts {
		o(m)
	}
	if m.ranker == nil {
		m.ranker = ranking.New(router, 0)
	}
	return m
}

// acquire returns the live session for id, creating it or replacing an
// expired one, with its lock held.
func (m *Manager) acquire(ctx context.Context, id string) *Session {
	for {
		m.mu.Lock()
		now := m.clock.Now()
		s, ok := m.store.Get(id)
		if ok && s.expired(now, m.ttl) && s.mu.TryLock() {
			s.removed = true
			s.mu.Unlock()
			m.store.Delete(id)
			m.metrics.AddActiveSessions(ctx, -1)
			ok = false
		}
		if !ok {
			s = newSession(id, now)
			m.store.Put(s)
			m.metrics.AddActiveSessions(ctx, 1)
			observe.Logger(ctx).Debug("session created", "session_id", id)
		}
		m.mu.Unlock()

		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

// lookup returns the session for id with its lock held, or not_found.
func (m *Manager) lookup(id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.InvalidInput("sessionId is required")
	}
	s, ok := m.store.Get(id)
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "session %q not found", id)
	}
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return nil, apperr.New(apperr.CodeNotFound, "session %q not found", id)
	}
	if s.State != Expired && s.expired(m.clock.Now(), m.ttl) {
		s.State = Expired
	}
	return s, nil
}

// Init sets the slide context of id, creating the session if needed, and
// marks it ACTIVE.
func (m *Manager) Init(ctx context.Context, id string, slides []slide.Summary) (*Session, error) {
	return m.setContext(ctx, id, slides)
}

// UpdateContext replaces the slide context of id. Unknown sessions are
// created.
func (m *Manager) UpdateContext(ctx context.Context, id string, slides []slide.Summary) (*Session, error) {
	return m.setContext(ctx, id, slides)
}

func (m *Manager) setContext(ctx context.Context, id string, slides []slide.Summary) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.InvalidInput("sessionId is required")
	}
	s := m.acquire(ctx, id)
	defer s.mu.Unlock()

	s.SlideContext = append([]slide.Summary(nil), slides...)
	s.State = Active
	s.LastActiveAt = m.clock.Now()
	return s.snapshot(), nil
}

// Ask answers input within session id. On text-generation failure the
// returned Turn carries the fallback message alongside the error and is not
// recorded.
func (m *Manager) Ask(ctx context.Context, id, input string, opts AskOptions) (Turn, error) {
	if strings.TrimSpace(id) == "" {
		return Turn{}, apperr.InvalidInput("sessionId is required")
	}
	if strings.TrimSpace(input) == "" {
		return Turn{}, apperr.InvalidInput("message is required")
	}
	if t := opts.Temperature; t != nil && (*t < 0 || *t > maxTemperature) {
		return Turn{}, apperr.InvalidInput("temperature must be between 0 and %g", maxTemperature)
	}

	ctx, span := observe.StartSpan(ctx, "session.ask")
	defer span.End()
	log := observe.Logger(ctx).With("session_id", id)

	start := m.clock.Now()
	s := m.acquire(ctx, id)
	defer s.mu.Unlock()

	cls := intent.Classify(input)

	history := make([]prompt.Exchange, len(s.History))
	for i, t := range s.History {
		history[i] = prompt.Exchange{User: t.UserInput, Assistant: t.ResponseText}
	}
	req := m.composer.Conversation(cls.Intent, s.SlideContext, history, input)
	req.MaxTokens = opts.MaxTokens
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	temperature := defaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	req.Temperature = &temperature

	res, err := m.router.GenerateText(ctx, req)
	if err != nil {
		s.Metrics.ErrorCount++
		s.LastActiveAt = m.clock.Now()
		log.Warn("conversation text generation failed", "intent", cls.Intent, "error", err)
		return Turn{
			Timestamp:      s.LastActiveAt,
			UserInput:      input,
			DetectedIntent: cls.Intent,
			Confidence:     cls.Confidence,
			ResponseText:   apperr.FallbackMessage,
		}, err
	}
	answer := strings.TrimSpace(res.Text)

	var audioRef string
	if opts.GenerateAudio {
		audioRef = m.speak(ctx, answer)
	}

	scores := m.ranker.Rank(ctx, input, s.SlideContext)
	if scores == nil {
		scores = []ranking.Score{}
	}

	now := m.clock.Now()
	t := Turn{
		Timestamp:        s.nextTimestamp(now),
		UserInput:        input,
		DetectedIntent:   cls.Intent,
		Confidence:       cls.Confidence,
		ResponseText:     answer,
		ResponseAudioRef: audioRef,
		RelevantSlides:   scores,
		LatencyMs:        now.Sub(start).Milliseconds(),
	}
	s.History = append(s.History, t)
	s.Metrics.record(t)
	s.State = Active
	s.LastActiveAt = t.Timestamp

	m.metrics.RecordTurn(ctx, string(cls.Intent))
	m.persist(ctx, id, t)
	log.Info("conversation turn", "intent", cls.Intent, "provider", res.Provider, "latency_ms", t.LatencyMs)
	return t, nil
}

// speak returns the audio ref for answer, or "" when speech is unavailable.
// Placeholder tones are not served for conversation answers.
func (m *Manager) speak(ctx context.Context, answer string) string {
	if m.cache == nil {
		return ""
	}
	fp := audiocache.Fingerprint(ConversationAsset, answer)
	e, err := m.cache.GetOrCreate(ctx, fp, func(ctx context.Context) (audiocache.Blob, error) {
		res, err := m.router.Synthesize(ctx, provider.SpeechRequest{Text: answer, Voice: m.voice})
		if err != nil {
			return audiocache.Blob{}, err
		}
		return audiocache.Blob{
			Data:      res.Audio.Data,
			MimeType:  res.Audio.MimeType,
			Synthetic: res.Audio.Synthetic,
			Transient: res.Audio.Synthetic,
		}, nil
	})
	if err != nil {
		observe.Logger(ctx).Warn("conversation speech failed, answering with text only", "error", err)
		return ""
	}
	if e.Synthetic {
		observe.Logger(ctx).Warn("no speech provider succeeded, answering with text only")
		return ""
	}
	return fp
}

func (m *Manager) persist(ctx context.Context, id string, t Turn) {
	if m.recorder == nil {
		return
	}
	rel, err := json.Marshal(t.RelevantSlides)
	if err != nil {
		rel = []byte("[]")
	}
	err = m.recorder.SaveTurn(ctx, storage.Turn{
		ID:             uuid.NewString(),
		SessionID:      id,
		Timestamp:      t.Timestamp,
		UserInput:      t.UserInput,
		Intent:         string(t.DetectedIntent),
		Confidence:     t.Confidence,
		ResponseText:   t.ResponseText,
		AudioRef:       t.ResponseAudioRef,
		RelevantSlides: string(rel),
		LatencyMs:      t.LatencyMs,
	})
	if err != nil {
		observe.Logger(ctx).Warn("recording turn", "session_id", id, "error", err)
	}
}

// Get returns a snapshot of session id.
func (m *Manager) Get(id string) (*Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Analytics returns the aggregate metrics of session id.
func (m *Manager) Analytics(id string) (Analytics, error) {
	s, err := m.Get(id)
	if err != nil {
		return Analytics{}, err
	}
	return Analytics{
		SessionID:          s.ID,
		State:              s.State,
		QuestionCount:      s.Metrics.QuestionCount,
		TurnCount:          s.Metrics.TurnCount,
		AverageLatencyMs:   s.Metrics.AverageLatencyMs,
		IntentDistribution: s.Metrics.IntentDistribution,
		ErrorCount:         s.Metrics.ErrorCount,
		CreatedAt:          s.CreatedAt,
		LastActiveAt:       s.LastActiveAt,
	}, nil
}

// History returns the turns of session id in order.
func (m *Manager) History(id string) ([]Turn, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if s.History == nil {
		return []Turn{}, nil
	}
	return s.History, nil
}

// Len returns the number of stored sessions.
func (m *Manager) Len() int { return m.store.Len() }

// Sweep removes expired sessions and returns how many were removed. Sessions
// busy in an Ask are left for the next sweep.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	return m.remove(ctx, func(s *Session) bool { return s.expired(now, m.ttl) })
}

// Clear removes every idle session and returns the count.
func (m *Manager) Clear(ctx context.Context) int {
	return m.remove(ctx, func(*Session) bool { return true })
}

func (m *Manager) remove(ctx context.Context, match func(*Session) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	m.store.Range(func(s *Session) bool {
		if !s.mu.TryLock() {
			return true
		}
		defer s.mu.Unlock()
		if match(s) {
			s.removed = true
			m.store.Delete(s.ID)
			n++
		}
		return true
	})
	if n > 0 {
		m.metrics.AddActiveSessions(ctx, -int64(n))
		observe.Logger(ctx).Info("sessions removed", "count", n)
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

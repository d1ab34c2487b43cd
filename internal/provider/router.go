package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/observe"
	"github.com/kalambet/lectern/internal/resilience"
)

const defaultTimeout = 30 * time.Second

// Router dispatches capability requests to registered backends in fallback
// order. It is safe for concurrent use.
type Router struct {
	timeout time.Duration
	metrics *observe.Metrics

	text   *resilience.Chain[TextGenerator]
	vision *resilience.Chain[VisionAnalyzer]
	speech *resilience.Chain[SpeechSynthesizer]

	mu        sync.RWMutex
	providers []Provider
}

// Option configures a Router.
type Option func(*routerOptions)

type routerOptions struct {
	timeout time.Duration
	metrics *observe.Metrics
	breaker resilience.BreakerConfig
}

// WithTimeout bounds every individual provider call. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(o *routerOptions) { o.timeout = d }
}

// WithMetrics records request, error and latency metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *routerOptions) { o.metrics = m }
}

// WithBreaker tunes the per-provider circuit breakers.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(o *routerOptions) { o.breaker = cfg }
}

// NewRouter returns an empty Router.
func NewRouter(opts ...Option) *Router {
	o := routerOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = defaultTimeout
	}
	return &Router{
		timeout: o.timeout,
		metrics: o.metrics,
		text:    resilience.NewChain[TextGenerator](o.breaker),
		vision:  resilience.NewChain[VisionAnalyzer](o.breaker),
		speech:  resilience.NewChain[SpeechSynthesizer](o.breaker),
	}
}

// Register appends p to the chain of every capability it advertises and
// implements. Registering the same id again replaces the earlier backend.
func (r *Router) Register(p Provider) {
	id := p.ID()
	for _, c := range p.Capabilities() {
		switch c {
		case TextGen:
			if g, ok := p.(TextGenerator); ok {
				r.text.Add(id, g)
				continue
			}
		case Vision:
			if v, ok := p.(VisionAnalyzer); ok {
				r.vision.Add(id, v)
				continue
			}
		case Speech:
			if s, ok := p.(SpeechSynthesizer); ok {
				r.speech.Add(id, s)
				continue
			}
		}
		slog.Warn("provider advertises capability it does not implement", "provider", id, "capability", c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.providers {
		if existing.ID() == id {
			r.providers[i] = p
			return
		}
	}
	r.providers = append(r.providers, p)
}

// HasCapability reports whether at least one backend serves c.
func (r *Router) HasCapability(c Capability) bool {
	switch c {
	case TextGen:
		return r.text.Len() > 0
	case Vision:
		return r.vision.Len() > 0
	case Speech:
		return r.speech.Len() > 0
	}
	return false
}

// SetActive moves the backend id to the front of the chain for c. An empty id
// restores registration order. The fallback order is otherwise unchanged.
func (r *Router) SetActive(c Capability, id string) error {
	var err error
	switch c {
	case TextGen:
		err = r.text.Prefer(id)
	case Vision:
		err = r.vision.Prefer(id)
	case Speech:
		err = r.speech.Prefer(id)
	default:
		return apperr.InvalidInput("unknown capability %q", c)
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeNotFound, err, "no %s provider %q", c, id)
	}
	slog.Info("active provider changed", "capability", c, "provider", id)
	return nil
}

// Active returns the backend tried first for c: the toggled one, or the first
// registered.
func (r *Router) Active(c Capability) string {
	var names []string
	switch c {
	case TextGen:
		names = r.text.Names()
	case Vision:
		names = r.vision.Names()
	case Speech:
		names = r.speech.Names()
	}
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Order returns backend ids for c in try order.
func (r *Router) Order(c Capability) []string {
	switch c {
	case TextGen:
		return r.text.Names()
	case Vision:
		return r.vision.Names()
	case Speech:
		return r.speech.Names()
	}
	return nil
}

// Descriptors lists registered backends in registration order.
func (r *Router) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.providers))
	for i, p := range r.providers {
		out[i] = Descriptor{ID: p.ID(), Capabilities: slices.Clone(p.Capabilities()), Position: i}
	}
	return out
}

// Generate is the capability-generic entry point. payload must be the request
// type matching c.
func (r *Router) Generate(ctx context.Context, c Capability, payload any) (Result, error) {
	switch c {
	case TextGen:
		req, ok := payload.(TextRequest)
		if !ok {
			return Result{}, apperr.InvalidInput("TEXT_GEN expects TextRequest, got %T", payload)
		}
		return r.GenerateText(ctx, req)
	case Vision:
		req, ok := payload.(VisionRequest)
		if !ok {
			return Result{}, apperr.InvalidInput("VISION expects VisionRequest, got %T", payload)
		}
		return r.DescribeImage(ctx, req)
	case Speech:
		req, ok := payload.(SpeechRequest)
		if !ok {
			return Result{}, apperr.InvalidInput("SPEECH expects SpeechRequest, got %T", payload)
		}
		return r.Synthesize(ctx, req)
	}
	return Result{}, apperr.InvalidInput("unknown capability %q", c)
}

// GenerateText runs req through the TEXT_GEN chain.
func (r *Router) GenerateText(ctx context.Context, req TextRequest) (Result, error) {
	name, text, err := route(ctx, r, TextGen, r.text, func(ctx context.Context, g TextGenerator) (string, error) {
		out, err := g.GenerateText(ctx, req)
		if err == nil && strings.TrimSpace(out) == "" {
			err = errors.New("empty completion")
		}
		return out, err
	})
	if err != nil {
		return Result{}, exhausted(TextGen, err)
	}
	return Result{Provider: name, Text: text}, nil
}

// DescribeImage runs req through the VISION chain. Only backends advertising
// VISION are attempted.
func (r *Router) DescribeImage(ctx context.Context, req VisionRequest) (Result, error) {
	if len(req.Image) == 0 {
		return Result{}, apperr.InvalidInput("image is empty")
	}
	name, text, err := route(ctx, r, Vision, r.vision, func(ctx context.Context, v VisionAnalyzer) (string, error) {
		out, err := v.DescribeImage(ctx, req)
		if err == nil && strings.TrimSpace(out) == "" {
			err = errors.New("empty description")
		}
		return out, err
	})
	if err != nil {
		return Result{}, exhausted(Vision, err)
	}
	return Result{Provider: name, Text: text}, nil
}

// Synthesize runs req through the SPEECH chain. When the chain is empty or
// exhausted it returns SyntheticTone and no error; only an empty text or a
// cancelled ctx fail.
func (r *Router) Synthesize(ctx context.Context, req SpeechRequest) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, apperr.InvalidInput("speech text is empty")
	}
	name, audio, err := route(ctx, r, Speech, r.speech, func(ctx context.Context, s SpeechSynthesizer) (Audio, error) {
		a, err := s.Synthesize(ctx, req)
		if err == nil && len(a.Data) == 0 {
			err = errors.New("empty audio")
		}
		return a, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		slog.Warn("speech providers exhausted, using synthetic tone", "error", err)
		tone := SyntheticTone(req.Text)
		return Result{Provider: SyntheticID, Audio: tone}, nil
	}
	audio.Provider = name
	if audio.MimeType == "" {
		audio.MimeType = "audio/mpeg"
	}
	return Result{Provider: name, Audio: audio}, nil
}

func route[T Provider, R any](ctx context.Context, r *Router, c Capability, chain *resilience.Chain[T], fn func(context.Context, T) (R, error)) (string, R, error) {
	ctx, span := observe.StartSpan(ctx, "provider."+strings.ToLower(string(c)))
	defer span.End()

	start := time.Now()
	capName := string(c)
	name, out, err := resilience.Run(ctx, chain, func(name string, p T) (R, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		res, err := fn(callCtx, p)
		if err != nil {
			return res, fmt.Errorf("%s: %w", name, err)
		}
		r.metrics.RecordProviderRequest(ctx, name, capName, "ok")
		return res, nil
	}, func(a resilience.Attempt) {
		status := "error"
		if errors.Is(a.Err, resilience.ErrCircuitOpen) {
			status = "skipped"
		}
		r.metrics.RecordProviderRequest(ctx, a.Member, capName, status)
		r.metrics.RecordProviderError(ctx, a.Member, capName)
	})
	r.metrics.RecordProviderDuration(ctx, capName, time.Since(start).Seconds())
	return name, out, err
}

// exhausted maps a routing failure to its apperr code.
func exhausted(c Capability, err error) error {
	if !errors.Is(err, resilience.ErrAllFailed) && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return apperr.Wrap(apperr.CodeProviderFailure, err, "%s request abandoned by caller", c)
	}
	if errors.Is(err, resilience.ErrEmpty) {
		return apperr.Wrap(apperr.CodeProviderUnavailable, err, "no %s provider configured", c)
	}
	return apperr.Wrap(apperr.CodeProviderFailure, err, "all %s providers failed", c)
}

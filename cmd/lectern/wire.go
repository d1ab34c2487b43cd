package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/kalambet/lectern/internal/api"
	"github.com/kalambet/lectern/internal/audiocache"
	"github.com/kalambet/lectern/internal/config"
	"github.com/kalambet/lectern/internal/health"
	"github.com/kalambet/lectern/internal/narration"
	"github.com/kalambet/lectern/internal/observe"
	"github.com/kalambet/lectern/internal/pregen"
	"github.com/kalambet/lectern/internal/prompt"
	"github.com/kalambet/lectern/internal/provider"
	"github.com/kalambet/lectern/internal/provider/deepgram"
	"github.com/kalambet/lectern/internal/provider/ollama"
	"github.com/kalambet/lectern/internal/provider/openai"
	"github.com/kalambet/lectern/internal/provider/openrouter"
	"github.com/kalambet/lectern/internal/ranking"
	"github.com/kalambet/lectern/internal/resilience"
	"github.com/kalambet/lectern/internal/session"
	"github.com/kalambet/lectern/internal/slide"
	"github.com/kalambet/lectern/internal/storage"
)

// app holds the wired components of a running server.
type app struct {
	deps    api.Deps
	ollama  *ollama.Provider
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// buildRouter registers the configured backends. Backends without
// credentials are skipped; speech always falls back to the synthetic tone.
func buildRouter(cfg config.Config, m *observe.Metrics) (*provider.Router, *ollama.Provider, error) {
	router := provider.NewRouter(
		provider.WithTimeout(cfg.Provider.Timeout),
		provider.WithMetrics(m),
		provider.WithBreaker(resilience.BreakerConfig{
			MaxFailures:  cfg.Breaker.MaxFailures,
			ResetTimeout: cfg.Breaker.ResetTimeout,
		}),
	)

	textOrder := config.Order(cfg.Provider.TextOrder)
	speechOrder := config.Order(cfg.Provider.SpeechOrder)

	var ids []string
	for _, id := range append(slices.Clone(textOrder), speechOrder...) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	var oll *ollama.Provider
	for _, id := range ids {
		wantText := slices.Contains(textOrder, id)
		wantSpeech := slices.Contains(speechOrder, id)

		switch id {
		case openai.ID:
			if cfg.OpenAI.APIKey == "" {
				slog.Debug("skipping provider without api key", "provider", id)
				continue
			}
			opts := []openai.Option{openai.WithTimeout(cfg.Provider.Timeout)}
			if cfg.OpenAI.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
			}
			if wantSpeech {
				opts = append(opts, openai.WithSpeech(cfg.OpenAI.SpeechModel, cfg.OpenAI.Voice))
			} else {
				opts = append(opts, openai.WithoutSpeech())
			}
			p, err := openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.Model, opts...)
			if err != nil {
				return nil, nil, fmt.Errorf("creating openai provider: %w", err)
			}
			router.Register(p)
		case openrouter.ID:
			if cfg.OpenRouter.APIKey == "" || !wantText {
				continue
			}
			router.Register(openrouter.New(cfg.OpenRouter.APIKey, cfg.OpenRouter.Model))
		case ollama.ID:
			if !wantText {
				continue
			}
			oll = ollama.New(ollama.NewClient(cfg.Ollama.BaseURL), cfg.Ollama.Model, cfg.Ollama.VisionModel)
			router.Register(oll)
		case deepgram.ID:
			if cfg.Deepgram.APIKey == "" || !wantSpeech {
				continue
			}
			router.Register(deepgram.New(cfg.Deepgram.APIKey, cfg.Deepgram.Model))
		default:
			slog.Warn("unknown provider in order", "provider", id)
		}
	}

	// Registration follows the merged order; the speech chain starts from
	// the first configured speech backend that was registered.
	for _, id := range speechOrder {
		if slices.Contains(router.Order(provider.Speech), id) {
			if err := router.SetActive(provider.Speech, id); err != nil {
				return nil, nil, err
			}
			break
		}
	}
	return router, oll, nil
}

// newCacheStore picks the audio store for cfg.Cache.Backend.
func newCacheStore(ctx context.Context, cfg config.Config, index audiocache.Index) (audiocache.Store, *health.Checker, io.Closer, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return audiocache.NewMemoryStore(), nil, nil, nil
	case "redis":
		rdb, err := audiocache.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, nil, nil, err
		}
		rs := audiocache.NewRedisStore(rdb, cfg.Cache.TTL)
		return rs, &health.Checker{Name: "redis", Check: rs.Ping}, rdb, nil
	default:
		ds, err := audiocache.NewDiskStore(filepath.Join(cfg.Storage.DataDir, "audio"), index)
		if err != nil {
			return nil, nil, nil, err
		}
		return ds, nil, nil, nil
	}
}

// build wires storage, providers, cache, narration, scheduling and sessions.
func build(ctx context.Context, cfg config.Config, m *observe.Metrics) (*app, error) {
	a := &app{}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, store)

	router, oll, err := buildRouter(cfg, m)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ollama = oll

	checkers := []health.Checker{
		{Name: "storage", Check: store.Ping},
		{Name: "providers", Check: func(context.Context) error {
			if !router.HasCapability(provider.TextGen) {
				return errors.New("no text provider registered")
			}
			return nil
		}},
	}
	if oll != nil {
		checkers = append(checkers, health.Checker{Name: "ollama", Check: func(ctx context.Context) error {
			if !oll.Client().IsRunning(ctx) {
				return errors.New("ollama not reachable")
			}
			return nil
		}})
	}

	cs, chk, closer, err := newCacheStore(ctx, cfg, store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening audio cache: %w", err)
	}
	if chk != nil {
		checkers = append(checkers, *chk)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	cache := audiocache.New(cs, audiocache.WithTTL(cfg.Cache.TTL), audiocache.WithMetrics(m))

	narrator := narration.New(router, cache,
		narration.WithImages(slide.DirImageStore{Root: cfg.Slides.ImageDir}),
		narration.WithRecords(store),
		narration.WithVoice(cfg.OpenAI.Voice),
		narration.WithTimeout(cfg.Narration.Timeout),
	)

	sched := pregen.New(narrator,
		pregen.WithWorkers(cfg.Pregen.Workers),
		pregen.WithDelay(cfg.Pregen.Delay),
		pregen.WithLookahead(cfg.Pregen.Lookahead),
		pregen.WithMetrics(m),
		pregen.WithObserver(func(j pregen.Job) {
			slog.Debug("pregeneration job", "slide", j.SlideID, "status", j.Status, "priority", j.Priority)
		}),
	)
	a.closers = append(a.closers, sched)

	// A nil interface, not a nil *Router, disables model-based ranking.
	var gen ranking.TextGenerator
	if cfg.Ranking.UseLLM {
		gen = router
	}
	ranker := ranking.New(gen, cfg.Ranking.Timeout)

	sessions := session.NewManager(router,
		session.WithComposer(prompt.New(0, cfg.Session.HistoryK)),
		session.WithRanker(ranker),
		session.WithRecorder(store),
		session.WithVoice(cfg.OpenAI.Voice),
		session.WithMetrics(m),
		session.WithAudio(cache),
		session.WithTTL(cfg.Session.TTL),
	)

	a.deps = api.Deps{
		Narrator:  narrator,
		Scheduler: sched,
		Sessions:  sessions,
		Cache:     cache,
		Router:    router,
		Ranker:    ranker,
		Metrics:   m,
		Health:    health.New(checkers...),
	}
	return a, nil
}

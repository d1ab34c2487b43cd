// Package narration turns a slide into narration text and cached audio.
package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/lectern/internal/audiocache"
	"github.com/kalambet/lectern/internal/observe"
	"github.com/kalambet/lectern/internal/prompt"
	"github.com/kalambet/lectern/internal/provider"
	"github.com/kalambet/lectern/internal/slide"
	"github.com/kalambet/lectern/internal/storage"
)

const (
	defaultTimeout = 2 * time.Minute

	// SyntheticAsset is the asset hash synthetic audio is committed under, so
	// the real fingerprint stays free for the next attempt.
	SyntheticAsset = "synthetic"

	visionPrompt = "Describe what this presentation slide shows: charts, diagrams, images and their key takeaways. Be concise."
)

// Router is the provider surface the pipeline uses.
type Router interface {
	HasCapability(c provider.Capability) bool
	DescribeImage(ctx context.Context, req provider.VisionRequest) (provider.Result, error)
	GenerateText(ctx context.Context, req provider.TextRequest) (provider.Result, error)
	Synthesize(ctx context.Context, req provider.SpeechRequest) (provider.Result, error)
}

// RecordStore keeps narration records for reuse. *storage.Store implements it.
type RecordStore interface {
	SaveNarration(ctx context.Context, r slide.NarrationRecord) error
	LatestNarration(ctx context.Context, contentHash string) (slide.NarrationRecord, error)
}

// Service runs the narration pipeline. Concurrent calls for the same slide
// share one execution.
type Service struct {
	router  Router
	cache   *audiocache.Cache
	images  slide.ImageStore
	records RecordStore
	voice   string
	timeout time.Duration
	now     func() time.Time

	group singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

func WithImages(s slide.ImageStore) Option { return func(svc *Service) { svc.images = s } }
func WithRecords(r RecordStore) Option     { return func(svc *Service) { svc.records = r } }
func WithVoice(v string) Option            { return func(svc *Service) { svc.voice = v } }

// WithTimeout bounds one shared pipeline run. Default 2m.
func WithTimeout(d time.Duration) Option {
	return func(svc *Service) {
		if d > 0 {
			svc.timeout = d
		}
	}
}

// New creates a Service.
func New(router Router, cache *audiocache.Cache, opts ...Option) *Service {
	s := &Service{
		router:  router,
		cache:   cache,
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Narrate returns the narration record for sl, generating whatever is not
// already available. Cancelling ctx stops the wait, never the shared work.
func (s *Service) Narrate(ctx context.Context, sl slide.Slide) (slide.NarrationRecord, error) {
	if err := sl.Validate(); err != nil {
		return slide.NarrationRecord{}, err
	}

	ch := s.group.DoChan(sl.Key(), func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.run(runCtx, sl)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return slide.NarrationRecord{}, res.Err
		}
		return res.Val.(slide.NarrationRecord), nil
	case <-ctx.Done():
		return slide.NarrationRecord{}, ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, sl slide.Slide) (slide.NarrationRecord, error) {
	ctx, span := observe.StartSpan(ctx, "narration.narrate")
	defer span.End()
	log := observe.Logger(ctx).With("slide_key", sl.Key())

	if rec, ok := s.reuse(ctx, sl); ok {
		log.Debug("narration reused", "audio_ref", rec.AudioRef)
		return rec, nil
	}

	description := s.describe(ctx, sl)

	textRes, err := s.router.GenerateText(ctx, prompt.NarrationPrompt(sl, description))
	if err != nil {
		return slide.NarrationRecord{}, err
	}
	text := strings.TrimSpace(textRes.Text)

	fp := audiocache.Fingerprint(sl.AssetHash(), text)
	entry, err := s.cache.GetOrCreate(ctx, fp, s.synthesize(text))
	if err != nil {
		return slide.NarrationRecord{}, fmt.Errorf("narration audio: %w", err)
	}

	audioRef := fp
	if entry.Synthetic {
		audioRef = audiocache.Fingerprint(SyntheticAsset, text)
		if _, err := s.cache.Commit(ctx, audioRef, audiocache.Blob{Data: entry.Data, MimeType: entry.MimeType, Synthetic: true}); err != nil {
			return slide.NarrationRecord{}, fmt.Errorf("narration audio: %w", err)
		}
		log.Warn("narration using synthetic audio", "fingerprint", fp)
	}

	rec := slide.NarrationRecord{
		ID:               uuid.NewString(),
		SlideID:          sl.ID,
		SlideKey:         sl.Key(),
		ContentHash:      sl.ContentHash(),
		Text:             text,
		AudioFingerprint: fp,
		AudioRef:         audioRef,
		GeneratedBy:      textRes.Provider,
		CreatedAt:        s.now().UTC(),
	}
	if s.records != nil {
		if err := s.records.SaveNarration(ctx, rec); err != nil {
			log.Warn("saving narration record", "error", err)
		}
	}
	log.Info("narration generated", "provider", textRes.Provider, "audio_ref", audioRef, "synthetic", entry.Synthetic)
	return rec, nil
}

// reuse returns a stored record whose real audio is still cached.
func (s *Service) reuse(ctx context.Context, sl slide.Slide) (slide.NarrationRecord, bool) {
	if s.records == nil {
		return slide.NarrationRecord{}, false
	}
	rec, err := s.records.LatestNarration(ctx, sl.ContentHash())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			observe.Logger(ctx).Warn("looking up narration record", "error", err)
		}
		return slide.NarrationRecord{}, false
	}
	e, err := s.cache.Lookup(ctx, rec.AudioRef)
	if err != nil || e.Synthetic {
		return slide.NarrationRecord{}, false
	}
	rec.SlideID = sl.ID
	rec.SlideKey = sl.Key()
	return rec, true
}

func (s *Service) describe(ctx context.Context, sl slide.Slide) string {
	if s.images == nil || sl.ImageRef == "" || !s.router.HasCapability(provider.Vision) {
		return TextOnlyDescription(sl)
	}
	log := observe.Logger(ctx)
	img, mime, err := s.images.Load(ctx, sl.ImageRef)
	if err != nil {
		log.Debug("slide image unavailable, using text description", "image_ref", sl.ImageRef, "error", err)
		return TextOnlyDescription(sl)
	}
	res, err := s.router.DescribeImage(ctx, provider.VisionRequest{Image: img, MimeType: mime, Prompt: visionPrompt})
	if err != nil {
		log.Warn("vision failed, using text description", "error", err)
		return TextOnlyDescription(sl)
	}
	return strings.TrimSpace(res.Text)
}

func (s *Service) synthesize(text string) func(context.Context) (audiocache.Blob, error) {
	return func(ctx context.Context) (audiocache.Blob, error) {
		res, err := s.router.Synthesize(ctx, provider.SpeechRequest{Text: text, Voice: s.voice})
		if err != nil {
			return audiocache.Blob{}, err
		}
		a := res.Audio
		return audiocache.Blob{
			Data:      a.Data,
			MimeType:  a.MimeType,
			Synthetic: a.Synthetic,
			Transient: a.Synthetic,
		}, nil
	}
}

// TextOnlyDescription is the description used when vision is unavailable:
// the title and the plain body text.
func TextOnlyDescription(sl slide.Slide) string {
	body := slide.PlainText(sl.BodyText)
	switch {
	case sl.Title == "":
		return body
	case body == "":
		return sl.Title
	}
	return sl.Title + ". " + body
}

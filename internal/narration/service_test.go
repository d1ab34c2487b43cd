package narration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/audiocache"
	"github.com/kalambet/lectern/internal/provider"
	"github.com/kalambet/lectern/internal/provider/mock"
	"github.com/kalambet/lectern/internal/slide"
	"github.com/kalambet/lectern/internal/storage"
)

type fakeImages struct {
	data []byte
	err  error
}

func (f fakeImages) Load(context.Context, string) ([]byte, string, error) {
	return f.data, "image/png", f.err
}

func testSlide() slide.Slide {
	return slide.Slide{
		ID: "s2", Ordinal: 2, TotalCount: 3,
		Title: "Turbine blades", BodyText: "Longer blades sweep more area.",
		ImageRef: "page-2.png", SourceAssetRef: "deck.pptx", SourceAssetHash: "abc123",
	}
}

type fixture struct {
	svc     *Service
	backend *mock.Provider
	cache   *audiocache.Cache
	store   *storage.Store
}

func newFixture(t *testing.T, backend *mock.Provider, opts ...Option) fixture {
	t.Helper()
	router := provider.NewRouter(provider.WithTimeout(time.Second))
	if backend != nil {
		router.Register(backend)
	}
	cache := audiocache.New(audiocache.NewMemoryStore())

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts = append([]Option{WithRecords(store), WithImages(fakeImages{data: []byte("png")})}, opts...)
	return fixture{svc: New(router, cache, opts...), backend: backend, cache: cache, store: store}
}

func TestNarrateFullPipeline(t *testing.T) {
	backend := mock.New("m")
	backend.TextFn = func(_ context.Context, req provider.TextRequest) (string, error) {
		return "  Blades matter.  ", nil
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	rec, err := f.svc.Narrate(ctx, testSlide())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Text != "Blades matter." {
		t.Errorf("text = %q", rec.Text)
	}
	wantFP := audiocache.Fingerprint("abc123", "Blades matter.")
	if rec.AudioFingerprint != wantFP || rec.AudioRef != wantFP {
		t.Errorf("fingerprint/ref = %s/%s, want %s", rec.AudioFingerprint, rec.AudioRef, wantFP)
	}
	if rec.GeneratedBy != "m" || rec.SlideKey != testSlide().Key() {
		t.Errorf("unexpected record %+v", rec)
	}
	if backend.VisionCalls() != 1 || backend.TextCalls() != 1 || backend.SpeechCalls() != 1 {
		t.Errorf("calls vision=%d text=%d speech=%d", backend.VisionCalls(), backend.TextCalls(), backend.SpeechCalls())
	}

	e, err := f.cache.Lookup(ctx, rec.AudioRef)
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Data) != "m:Blades matter." {
		t.Errorf("audio = %q", e.Data)
	}

	saved, err := f.store.LatestNarration(ctx, testSlide().ContentHash())
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if saved.AudioRef != rec.AudioRef {
		t.Errorf("saved ref = %s", saved.AudioRef)
	}
}

func TestNarrateReusesRecord(t *testing.T) {
	backend := mock.New("m")
	f := newFixture(t, backend)
	ctx := context.Background()

	first, err := f.svc.Narrate(ctx, testSlide())
	if err != nil {
		t.Fatal(err)
	}
	before := backend.Calls()

	second, err := f.svc.Narrate(ctx, testSlide())
	if err != nil {
		t.Fatal(err)
	}
	if second.AudioRef != first.AudioRef {
		t.Errorf("reuse returned a different ref: %s vs %s", second.AudioRef, first.AudioRef)
	}
	if backend.Calls() != before {
		t.Errorf("reuse made %d provider calls", backend.Calls()-before)
	}
}

func TestNarrateConcurrentCallsShareWork(t *testing.T) {
	backend := mock.New("m")
	release := make(chan struct{})
	backend.TextFn = func(ctx context.Context, _ provider.TextRequest) (string, error) {
		<-release
		return "shared", nil
	}
	f := newFixture(t, backend)

	var wg sync.WaitGroup
	refs := make([]string, 5)
	for i := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.svc.Narrate(context.Background(), testSlide())
			if err != nil {
				t.Error(err)
			}
			refs[i] = rec.AudioRef
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if backend.TextCalls() != 1 {
		t.Errorf("text calls = %d, want 1", backend.TextCalls())
	}
	for _, r := range refs[1:] {
		if r != refs[0] {
			t.Errorf("callers got different refs")
		}
	}
}

func TestNarrateCallerCancelDoesNotAbortWork(t *testing.T) {
	backend := mock.New("m")
	release := make(chan struct{})
	backend.TextFn = func(ctx context.Context, _ provider.TextRequest) (string, error) {
		<-release
		return "late", nil
	}
	f := newFixture(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Narrate(ctx, testSlide())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	close(release)

	rec, err := f.svc.Narrate(context.Background(), testSlide())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Text != "late" {
		t.Errorf("text = %q", rec.Text)
	}
	if backend.TextCalls() != 1 {
		t.Errorf("text calls = %d, want 1", backend.TextCalls())
	}
}

func TestNarrateVisionFallback(t *testing.T) {
	var gotPrompt string
	backend := mock.New("m", provider.TextGen, provider.Speech)
	backend.TextFn = func(_ context.Context, req provider.TextRequest) (string, error) {
		gotPrompt = req.Messages[0].Content
		return "ok", nil
	}
	f := newFixture(t, backend)

	if _, err := f.svc.Narrate(context.Background(), testSlide()); err != nil {
		t.Fatal(err)
	}
	if backend.VisionCalls() != 0 {
		t.Error("vision called without VISION capability")
	}
	want := TextOnlyDescription(testSlide())
	if !strings.Contains(gotPrompt, want) {
		t.Errorf("prompt missing text-only description %q:\n%s", want, gotPrompt)
	}
}

func TestNarrateImageLoadFailure(t *testing.T) {
	backend := mock.New("m")
	f := newFixture(t, backend, WithImages(fakeImages{err: slide.ErrImageNotFound}))
	if _, err := f.svc.Narrate(context.Background(), testSlide()); err != nil {
		t.Fatal(err)
	}
	if backend.VisionCalls() != 0 {
		t.Error("vision called without an image")
	}
}

func TestNarrateSyntheticAudio(t *testing.T) {
	backend := mock.New("m")
	backend.SpeechFn = func(context.Context, provider.SpeechRequest) (provider.Audio, error) {
		return provider.Audio{}, errors.New("tts down")
	}
	backend.TextFn = func(context.Context, provider.TextRequest) (string, error) { return "hello", nil }
	f := newFixture(t, backend)
	ctx := context.Background()

	rec, err := f.svc.Narrate(ctx, testSlide())
	if err != nil {
		t.Fatal(err)
	}
	realFP := audiocache.Fingerprint("abc123", "hello")
	if rec.AudioRef == realFP {
		t.Fatal("synthetic audio must not be served under the real fingerprint")
	}
	if rec.AudioRef != audiocache.Fingerprint(SyntheticAsset, "hello") {
		t.Errorf("audio ref = %s", rec.AudioRef)
	}
	if _, err := f.cache.Lookup(ctx, realFP); !errors.Is(err, audiocache.ErrMiss) {
		t.Errorf("real fingerprint should stay uncached, Lookup = %v", err)
	}
	e, err := f.cache.Lookup(ctx, rec.AudioRef)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Synthetic || e.MimeType != "audio/wav" {
		t.Errorf("unexpected synthetic entry %+v", e)
	}

	// Speech recovers: the next request regenerates real audio.
	backend.SpeechFn = nil
	rec2, err := f.svc.Narrate(ctx, testSlide())
	if err != nil {
		t.Fatal(err)
	}
	if rec2.AudioRef != realFP {
		t.Errorf("expected real audio after recovery, ref = %s", rec2.AudioRef)
	}
}

func TestNarrateTextFailure(t *testing.T) {
	backend := mock.New("m")
	backend.TextFn = func(context.Context, provider.TextRequest) (string, error) {
		return "", errors.New("boom")
	}
	f := newFixture(t, backend)

	_, err := f.svc.Narrate(context.Background(), testSlide())
	if apperr.CodeOf(err) != apperr.CodeProviderFailure {
		t.Errorf("code = %q, want provider_failure", apperr.CodeOf(err))
	}
}

func TestNarrateInvalidSlide(t *testing.T) {
	f := newFixture(t, mock.New("m"))
	_, err := f.svc.Narrate(context.Background(), slide.Slide{Ordinal: 1})
	if apperr.CodeOf(err) != apperr.CodeInvalidInput {
		t.Errorf("code = %q, want invalid_input", apperr.CodeOf(err))
	}
}

func TestTextOnlyDescription(t *testing.T) {
	tests := []struct {
		s    slide.Slide
		want string
	}{
		{slide.Slide{Title: "T", BodyText: "<b>body</b>"}, "T. body"},
		{slide.Slide{Title: "T"}, "T"},
		{slide.Slide{BodyText: "only body"}, "only body"},
	}
	for _, tt := range tests {
		if got := TextOnlyDescription(tt.s); got != tt.want {
			t.Errorf("TextOnlyDescription = %q, want %q", got, tt.want)
		}
	}
}

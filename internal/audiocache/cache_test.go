package audiocache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/lectern/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, opts...), store
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := Fingerprint("deck", "Hello   world\n")
	b := Fingerprint("deck", "  Hello world")
	if a != b {
		t.Errorf("whitespace variants produced different fingerprints")
	}
	if a == Fingerprint("other", "Hello world") {
		t.Error("different assets produced the same fingerprint")
	}
	if a == Fingerprint("deck", "hello world") {
		t.Error("fingerprint should be case-sensitive")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}
}

func TestLookupMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Lookup(context.Background(), "nope")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("Lookup = %v, want ErrMiss", err)
	}
	if apperr.CodeOf(err) != apperr.CodeCacheMiss {
		t.Errorf("code = %q, want %q", apperr.CodeOf(err), apperr.CodeCacheMiss)
	}
}

func TestReserveCommitLookup(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	res, err := c.Reserve(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Reserved {
		t.Fatalf("status = %v, want reserved", res.Status)
	}
	if !c.Pending("fp1") {
		t.Error("expected fp1 pending")
	}

	if _, err := c.Commit(ctx, "fp1", Blob{Data: []byte("mp3"), MimeType: "audio/mpeg"}); err != nil {
		t.Fatal(err)
	}
	if c.Pending("fp1") {
		t.Error("fp1 still pending after commit")
	}

	e, err := c.Lookup(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Data) != "mp3" || e.MimeType != "audio/mpeg" || e.Size != 3 {
		t.Errorf("unexpected entry %+v", e)
	}

	res, err = c.Reserve(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AlreadyComplete || res.Entry == nil {
		t.Errorf("status = %v, want complete with entry", res.Status)
	}
}

func TestReserveConcurrentSingleOwner(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	const n = 50
	var reserved, pendingCount atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Reserve(ctx, "same")
			if err != nil {
				t.Error(err)
				return
			}
			switch res.Status {
			case Reserved:
				reserved.Add(1)
			case AlreadyPending:
				pendingCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if reserved.Load() != 1 {
		t.Errorf("reserved = %d, want 1", reserved.Load())
	}
	if pendingCount.Load() != n-1 {
		t.Errorf("pending = %d, want %d", pendingCount.Load(), n-1)
	}
}

func TestWaitersReceiveCommittedEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	if _, err := c.Reserve(ctx, "fp"); err != nil {
		t.Fatal(err)
	}
	res, err := c.Reserve(ctx, "fp")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AlreadyPending {
		t.Fatalf("status = %v, want pending", res.Status)
	}

	got := make(chan *Entry, 1)
	go func() {
		e, err := res.Wait(ctx)
		if err != nil {
			t.Error(err)
		}
		got <- e
	}()

	if _, err := c.Commit(ctx, "fp", Blob{Data: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-got:
		if e == nil || string(e.Data) != "abc" {
			t.Errorf("waiter got %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.Reserve(ctx, "fp")
	res, _ := c.Reserve(ctx, "fp")

	wctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := res.Wait(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
	if !c.Pending("fp") {
		t.Error("giving up on Wait must not release the reservation")
	}
}

func TestAbandonAllowsRetry(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	c.Reserve(ctx, "fp")
	res, _ := c.Reserve(ctx, "fp")
	c.Abandon("fp")

	if _, err := res.Wait(ctx); !errors.Is(err, ErrAbandoned) {
		t.Errorf("Wait = %v, want ErrAbandoned", err)
	}
	again, err := c.Reserve(ctx, "fp")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != Reserved {
		t.Errorf("status after abandon = %v, want reserved", again.Status)
	}
}

func TestCommitWithoutReserve(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)
	if _, err := c.Commit(ctx, "direct", Blob{Data: []byte("x"), Synthetic: true}); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d, want 1", store.Len())
	}
	e, err := c.Lookup(ctx, "direct")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Synthetic {
		t.Error("expected synthetic flag preserved")
	}
}

func TestTransientBlobNotStored(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)
	c.Reserve(ctx, "fp")
	e, err := c.Commit(ctx, "fp", Blob{Data: []byte("tone"), Transient: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Data) != "tone" {
		t.Errorf("entry data = %q", e.Data)
	}
	if store.Len() != 0 {
		t.Errorf("transient blob was stored")
	}
	if c.Pending("fp") {
		t.Error("reservation not released")
	}
}

func TestGetOrCreateGeneratesOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	gen := func(context.Context) (Blob, error) {
		calls.Add(1)
		<-release
		return Blob{Data: []byte("audio"), MimeType: "audio/mpeg"}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Entry, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.GetOrCreate(ctx, "fp", gen)
			if err != nil {
				t.Error(err)
			}
			results[i] = e
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("generate called %d times, want 1", calls.Load())
	}
	for i, e := range results {
		if e == nil || string(e.Data) != "audio" {
			t.Errorf("result %d = %+v", i, e)
		}
	}
}

func TestGetOrCreateFailureReleases(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	boom := errors.New("boom")
	_, err := c.GetOrCreate(ctx, "fp", func(context.Context) (Blob, error) {
		return Blob{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if c.Pending("fp") {
		t.Fatal("failed generation left reservation pending")
	}

	e, err := c.GetOrCreate(ctx, "fp", func(context.Context) (Blob, error) {
		return Blob{Data: []byte("ok")}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Data) != "ok" {
		t.Errorf("data = %q", e.Data)
	}
}

func TestLookupExpiresOldEntry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, store := newTestCache(t, WithTTL(time.Hour), WithClock(clock.Now))

	c.Commit(ctx, "fp", Blob{Data: []byte("a")})
	clock.Advance(59 * time.Minute)
	if _, err := c.Lookup(ctx, "fp"); err != nil {
		t.Fatalf("entry expired early: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := c.Lookup(ctx, "fp"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Lookup = %v, want ErrMiss", err)
	}
	if store.Len() != 0 {
		t.Error("expired entry not deleted")
	}

	res, err := c.Reserve(ctx, "fp")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Reserved {
		t.Errorf("expired entry should be reservable, got %v", res.Status)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, store := newTestCache(t, WithTTL(time.Hour), WithClock(clock.Now))

	c.Commit(ctx, "old", Blob{Data: []byte("a")})
	clock.Advance(30 * time.Minute)
	c.Commit(ctx, "new", Blob{Data: []byte("b")})
	c.Reserve(ctx, "inflight")
	clock.Advance(45 * time.Minute)

	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d, want 1", store.Len())
	}
	if !c.Pending("inflight") {
		t.Error("sweep touched a pending reservation")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	c.Commit(ctx, "a", Blob{Data: []byte("a")})
	c.Commit(ctx, "b", Blob{Data: []byte("b")})

	n, err := c.Clear(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
	if _, err := c.Lookup(ctx, "a"); !errors.Is(err, ErrMiss) {
		t.Error("entry survived Clear")
	}
}

func TestReserveEmptyFingerprint(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Reserve(context.Background(), "")
	if apperr.CodeOf(err) != apperr.CodeInvalidInput {
		t.Errorf("code = %q, want invalid_input", apperr.CodeOf(err))
	}
}

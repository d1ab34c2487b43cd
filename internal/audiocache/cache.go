// Package audiocache is the content-addressed store for synthesized audio.
//
// Entries are keyed by a fingerprint of the source asset and the normalized
// narration text, so identical text for the same deck is generated once. The
// reserve/commit/abandon protocol guarantees that at most one caller
// generates a given fingerprint at a time; everyone else waits for its result.
package audiocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/observe"
)

const DefaultTTL = 30 * 24 * time.Hour

// ErrMiss is returned by Lookup and Store.Get for absent or expired entries.
var ErrMiss error = &apperr.Error{Code: apperr.CodeCacheMiss, Message: "audio not cached"}

// ErrAbandoned is delivered to waiters when the reserving caller gave up.
// They may Reserve again.
var ErrAbandoned = errors.New("audio generation abandoned")

// Fingerprint derives the cache key for text narrated from the asset
// identified by assetHash.
func Fingerprint(assetHash, text string) string {
	a := sha256.Sum256([]byte(assetHash))
	t := sha256.Sum256([]byte(Normalize(text)))
	sum := sha256.Sum256([]byte(hex.EncodeToString(a[:]) + ":" + hex.EncodeToString(t[:])))
	return hex.EncodeToString(sum[:])
}

// Normalize collapses runs of Unicode whitespace to one space and trims.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Entry is one cached audio blob. Entries are immutable once committed.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Data        []byte    `json:"-"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mimeType"`
	CreatedAt   time.Time `json:"createdAt"`
	Synthetic   bool      `json:"synthetic"`
}

// Blob is generated audio handed to Commit.
type Blob struct {
	Data      []byte
	MimeType  string
	Synthetic bool
	// Transient blobs are delivered to the caller and waiters but not stored.
	Transient bool
}

// Store persists committed entries.
type Store interface {
	Get(ctx context.Context, fp string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, fp string) error
	// Expire removes entries created before cutoff and returns the count.
	Expire(ctx context.Context, cutoff time.Time) (int, error)
	// Clear removes every entry and returns the count.
	Clear(ctx context.Context) (int, error)
}

// Status is the outcome of Reserve.
type Status int

const (
	// Reserved means the caller owns generation and must Commit or Abandon.
	Reserved Status = iota
	// AlreadyPending means another caller is generating; use Wait.
	AlreadyPending
	// AlreadyComplete means the entry exists; see Reservation.Entry.
	AlreadyComplete
)

func (s Status) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case AlreadyPending:
		return "pending"
	case AlreadyComplete:
		return "complete"
	}
	return "unknown"
}

type pending struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Reservation is returned by Reserve.
type Reservation struct {
	Status Status
	Entry  *Entry
	p      *pending
}

// Wait blocks until the in-flight generation finishes or ctx is done. Giving
// up never cancels the generation itself.
func (r Reservation) Wait(ctx context.Context) (*Entry, error) {
	if r.Status == AlreadyComplete {
		return r.Entry, nil
	}
	if r.p == nil {
		return nil, errors.New("audiocache: nothing to wait for")
	}
	select {
	case <-r.p.done:
		return r.p.entry, r.p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cache coordinates generation on top of a Store. It is safe for concurrent use.
type Cache struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	metrics *observe.Metrics

	mu      sync.Mutex
	pending map[string]*pending
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the entry lifetime. Default 30 days.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		ttl:     DefaultTTL,
		now:     time.Now,
		pending: make(map[string]*pending),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Lookup returns the committed entry for fp or ErrMiss.
func (c *Cache) Lookup(ctx context.Context, fp string) (*Entry, error) {
	e, err := c.get(ctx, fp)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.metrics.RecordCacheLookup(ctx, "miss")
		}
		return nil, err
	}
	c.metrics.RecordCacheLookup(ctx, "hit")
	return e, nil
}

func (c *Cache) get(ctx context.Context, fp string) (*Entry, error) {
	e, err := c.store.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	if c.expired(e) {
		if err := c.store.Delete(ctx, fp); err != nil && !errors.Is(err, ErrMiss) {
			slog.Warn("audiocache: deleting expired entry", "fingerprint", fp, "error", err)
		}
		return nil, ErrMiss
	}
	return e, nil
}

func (c *Cache) expired(e *Entry) bool {
	return c.now().Sub(e.CreatedAt) >= c.ttl
}

// Reserve claims generation of fp. The pending check and the store lookup run
// under one lock, so at most one Reserved is outstanding per fingerprint.
func (c *Cache) Reserve(ctx context.Context, fp string) (Reservation, error) {
	if fp == "" {
		return Reservation{}, apperr.InvalidInput("fingerprint is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[fp]; ok {
		c.metrics.RecordCacheLookup(ctx, "pending")
		return Reservation{Status: AlreadyPending, p: p}, nil
	}

	e, err := c.get(ctx, fp)
	switch {
	case err == nil:
		c.metrics.RecordCacheLookup(ctx, "hit")
		return Reservation{Status: AlreadyComplete, Entry: e}, nil
	case !errors.Is(err, ErrMiss):
		return Reservation{}, fmt.Errorf("audiocache: lookup %s: %w", fp, err)
	}

	c.metrics.RecordCacheLookup(ctx, "miss")
	p := &pending{done: make(chan struct{})}
	c.pending[fp] = p
	return Reservation{Status: Reserved, p: p}, nil
}

// Commit stores blob under fp and wakes every waiter with the entry. It may
// be called without a prior Reserve. A transient blob is delivered but not
// stored.
func (c *Cache) Commit(ctx context.Context, fp string, blob Blob) (*Entry, error) {
	e := &Entry{
		Fingerprint: fp,
		Data:        blob.Data,
		Size:        int64(len(blob.Data)),
		MimeType:    blob.MimeType,
		CreatedAt:   c.now(),
		Synthetic:   blob.Synthetic,
	}
	if e.MimeType == "" {
		e.MimeType = "application/octet-stream"
	}

	var err error
	if !blob.Transient {
		if err = c.store.Put(ctx, e); err != nil {
			err = fmt.Errorf("audiocache: storing %s: %w", fp, err)
		}
	}

	c.mu.Lock()
	p := c.pending[fp]
	delete(c.pending, fp)
	c.mu.Unlock()

	if p != nil {
		if err != nil {
			p.err = err
		} else {
			p.entry = e
		}
		close(p.done)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Abandon releases a reservation; waiters receive ErrAbandoned.
func (c *Cache) Abandon(fp string) {
	c.mu.Lock()
	p := c.pending[fp]
	delete(c.pending, fp)
	c.mu.Unlock()

	if p != nil {
		p.err = ErrAbandoned
		close(p.done)
	}
}

// Pending reports whether fp is being generated.
func (c *Cache) Pending(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[fp]
	return ok
}

// GetOrCreate returns the entry for fp, running generate only when no entry
// exists and nobody else is generating it. When the generating caller
// abandons, waiters retry the reservation.
func (c *Cache) GetOrCreate(ctx context.Context, fp string, generate func(context.Context) (Blob, error)) (*Entry, error) {
	for {
		res, err := c.Reserve(ctx, fp)
		if err != nil {
			return nil, err
		}

		switch res.Status {
		case AlreadyComplete:
			return res.Entry, nil
		case AlreadyPending:
			e, err := res.Wait(ctx)
			if errors.Is(err, ErrAbandoned) {
				continue
			}
			return e, err
		}

		return c.generate(ctx, fp, generate)
	}
}

func (c *Cache) generate(ctx context.Context, fp string, generate func(context.Context) (Blob, error)) (*Entry, error) {
	committed := false
	defer func() {
		if !committed {
			c.Abandon(fp)
		}
	}()

	blob, err := generate(ctx)
	if err != nil {
		return nil, err
	}
	committed = true
	return c.Commit(ctx, fp, blob)
}

// Sweep removes entries older than the TTL. Pending reservations are not
// affected.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.Expire(ctx, c.now().Add(-c.ttl))
	if err != nil {
		return n, fmt.Errorf("audiocache: sweep: %w", err)
	}
	if n > 0 {
		slog.Debug("audiocache: swept expired entries", "count", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				slog.Warn("audiocache: sweep failed", "error", err)
			}
		}
	}
}

// Clear removes every committed entry and returns the count.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	return c.store.Clear(ctx)
}

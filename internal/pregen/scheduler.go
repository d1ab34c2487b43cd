// Package pregen narrates upcoming slides ahead of time so playback does not
// wait on providers.
package pregen

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lectern/internal/observe"
	"github.com/kalambet/lectern/internal/slide"
)

const (
	defaultWorkers   = 4
	defaultDelay     = 2 * time.Second
	defaultLookahead = 2
)

// ErrClosed is returned once the scheduler has been closed.
var ErrClosed = errors.New("scheduler closed")

// Narrator produces the narration for one slide.
type Narrator interface {
	Narrate(ctx context.Context, s slide.Slide) (slide.NarrationRecord, error)
}

type job struct {
	Job
	slide  slide.Slide
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Scheduler owns the job table and a bounded worker pool.
type Scheduler struct {
	narrator  Narrator
	workers   int
	delay     time.Duration
	lookahead int
	metrics   *observe.Metrics
	observer  func(Job)
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
	timers sync.WaitGroup
	wake   chan struct{}

	mu          sync.Mutex
	closed      bool
	jobs        map[string]*job
	high, low   []*job
	stopAdvance context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the pool size. Default 4.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithDelay sets the spacing between look-ahead issues. Default 2s.
func WithDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithLookahead sets how many slides past the current one are prepared.
// Default 2.
func WithLookahead(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.lookahead = n
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithObserver registers fn to be called with a snapshot after every state
// change. fn runs outside the scheduler lock and must not block.
func WithObserver(fn func(Job)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// New starts a Scheduler and its worker pool. Call Close to stop it.
func New(n Narrator, opts ...Option) *Scheduler {
	s := &Scheduler{
		narrator:  n,
		workers:   defaultWorkers,
		delay:     defaultDelay,
		lookahead: defaultLookahead,
		now:       time.Now,
		jobs:      make(map[string]*job),
	}
	for _, o := range opts {
		o(s)
	}
	s.wake = make(chan struct{}, s.workers)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	eg, egCtx := errgroup.WithContext(s.ctx)
	for i := 0; i < s.workers; i++ {
		eg.Go(func() error {
			s.work(egCtx)
			return nil
		})
	}
	s.eg = eg
	return s
}

// Advance prepares the slides after deck[current]: the next slide right away
// at HIGH priority, the ones after it at LOW priority, each (k-1)*delay later.
// A new Advance cancels look-ahead issues still waiting from the previous one.
func (s *Scheduler) Advance(ctx context.Context, deck []slide.Slide, current int) []Issue {
	if current < 0 || current >= len(deck) {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.stopAdvance != nil {
		s.stopAdvance()
	}
	advCtx, stop := context.WithCancel(s.ctx)
	s.stopAdvance = stop
	s.mu.Unlock()

	var issues []Issue
	if next := current + 1; next < len(deck) {
		if j, err := s.Schedule(deck[next], High); err == nil {
			issues = append(issues, Issue{SlideID: j.SlideID, Ordinal: j.Ordinal, Priority: j.Priority, Status: j.Status})
		} else {
			observe.Logger(ctx).Warn("pregen: skipping slide", "index", next, "error", err)
		}
	}

	for k := 2; k <= s.lookahead; k++ {
		idx := current + k
		if idx >= len(deck) {
			break
		}
		sl := deck[idx]
		wait := time.Duration(k-1) * s.delay
		issues = append(issues, Issue{SlideID: sl.ID, Ordinal: sl.Ordinal, Priority: Low, Status: Scheduled, DelayMs: wait.Milliseconds()})

		s.timers.Add(1)
		go func() {
			defer s.timers.Done()
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-advCtx.Done():
				return
			case <-t.C:
			}
			if _, err := s.Schedule(sl, Low); err != nil && !errors.Is(err, ErrClosed) {
				slog.Warn("pregen: delayed schedule failed", "slide_id", sl.ID, "error", err)
			}
		}()
	}
	return issues
}

// Schedule enqueues sl unless a job for its key is already PENDING,
// GENERATING or READY, in which case the existing job is returned. A pending
// LOW job is promoted when asked for at HIGH. A FAILED job is superseded.
func (s *Scheduler) Schedule(sl slide.Slide, p Priority) (Job, error) {
	_, snap, err := s.schedule(sl, p)
	return snap, err
}

// schedule is Schedule returning the live job as well, so callers can wait
// on it even after the jobs map has moved on.
func (s *Scheduler) schedule(sl slide.Slide, p Priority) (*job, Job, error) {
	if err := sl.Validate(); err != nil {
		return nil, Job{}, err
	}
	key := sl.Key()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, Job{}, ErrClosed
	}

	if j, ok := s.jobs[key]; ok && j.Status != Failed {
		promoted := false
		if j.Status == Pending && p == High && j.Priority == Low {
			s.low = slices.DeleteFunc(s.low, func(q *job) bool { return q == j })
			j.Priority = High
			j.UpdatedAt = s.now()
			s.high = append(s.high, j)
			s.signal()
			promoted = true
		}
		snap := j.Job
		s.mu.Unlock()
		if promoted {
			s.notify(snap)
		}
		return j, snap, nil
	}

	now := s.now()
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{
		Job: Job{
			SlideID:   sl.ID,
			SlideKey:  key,
			Ordinal:   sl.Ordinal,
			Priority:  p,
			Status:    Pending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		slide:  sl,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.jobs[key] = j
	if p == High {
		s.high = append(s.high, j)
	} else {
		s.low = append(s.low, j)
	}
	s.signal()
	snap := j.Job
	s.mu.Unlock()

	s.notify(snap)
	return j, snap, nil
}

// Pregenerate schedules sl at HIGH priority and waits for the job to finish.
// A READY job returns immediately with its existing record. A FAILED job is
// returned together with the error that failed it.
func (s *Scheduler) Pregenerate(ctx context.Context, sl slide.Slide) (Job, error) {
	j, _, err := s.schedule(sl, High)
	if err != nil {
		return Job{}, err
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return j.Job, j.err
}

// Ready returns the record of a READY job for key.
func (s *Scheduler) Ready(key string) (slide.NarrationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok || j.Status != Ready || j.Record == nil {
		return slide.NarrationRecord{}, false
	}
	return *j.Record, true
}

// Job returns a snapshot of the job for key.
func (s *Scheduler) Job(key string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return Job{}, false
	}
	return j.Job, true
}

// Jobs returns snapshots of every job, oldest first.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Job)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return a.Ordinal - b.Ordinal
	})
	return out
}

// Cancel cancels the job for key. A PENDING job fails at once; a GENERATING
// job fails when its narration returns. It reports whether a non-terminal job
// was found.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok || j.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	j.cancel()
	var snap *Job
	if j.Status == Pending {
		s.dequeue(j)
		snap = s.transition(j, Failed, nil, context.Canceled)
	}
	s.mu.Unlock()

	if snap != nil {
		s.notify(*snap)
	}
	return true
}

// Reset drops terminal jobs and returns how many were removed.
func (s *Scheduler) Reset() int {
	return s.Prune(func(Job) bool { return true })
}

// Prune drops the terminal jobs for which drop reports true and returns how
// many were removed. drop runs with the scheduler locked and must not call
// back into it.
func (s *Scheduler) Prune(drop func(Job) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, j := range s.jobs {
		if j.Status.Terminal() && drop(j.Job) {
			delete(s.jobs, key)
			n++
		}
	}
	return n
}

// Close stops the pool and every delayed issue, fails pending jobs and waits
// for running ones to return.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var failed []Job
	for _, j := range append(s.high, s.low...) {
		if snap := s.transition(j, Failed, nil, ErrClosed); snap != nil {
			failed = append(failed, *snap)
		}
	}
	s.high, s.low = nil, nil
	s.mu.Unlock()

	for _, f := range failed {
		s.notify(f)
	}
	s.cancel()
	s.timers.Wait()
	return s.eg.Wait()
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		j := s.next()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.execute(j)
	}
}

// next pops the oldest HIGH job, else the oldest LOW one, and marks it
// GENERATING. It returns nil when both queues are empty.
func (s *Scheduler) next() *job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var j *job
	switch {
	case len(s.high) > 0:
		j, s.high = s.high[0], s.high[1:]
	case len(s.low) > 0:
		j, s.low = s.low[0], s.low[1:]
	default:
		return nil
	}
	if len(s.high)+len(s.low) > 0 {
		s.signal()
	}
	return j
}

func (s *Scheduler) execute(j *job) {
	s.mu.Lock()
	if j.ctx.Err() != nil {
		snap := s.transition(j, Failed, nil, j.ctx.Err())
		s.mu.Unlock()
		if snap != nil {
			s.notify(*snap)
		}
		return
	}
	snap := s.transition(j, Generating, nil, nil)
	s.mu.Unlock()
	if snap != nil {
		s.notify(*snap)
	}

	rec, err := s.narrator.Narrate(j.ctx, j.slide)
	if err == nil && j.ctx.Err() != nil {
		err = j.ctx.Err()
	}

	s.mu.Lock()
	if err != nil {
		snap = s.transition(j, Failed, nil, err)
	} else {
		snap = s.transition(j, Ready, &rec, nil)
	}
	s.mu.Unlock()

	if snap == nil {
		return
	}
	if err != nil {
		slog.Warn("pregen: job failed", "slide_key", j.SlideKey, "priority", j.Priority.String(), "error", err)
	} else {
		slog.Debug("pregen: job ready", "slide_key", j.SlideKey, "audio_ref", rec.AudioRef)
	}
	s.notify(*snap)
}

// transition moves j forward to st. Backward or repeated moves are ignored
// and return nil. Must be called with s.mu held.
func (s *Scheduler) transition(j *job, st Status, rec *slide.NarrationRecord, err error) *Job {
	if st.rank() <= j.Status.rank() {
		return nil
	}
	j.Status = st
	j.UpdatedAt = s.now()
	if rec != nil {
		j.Record = rec
	}
	if err != nil {
		j.err = err
		j.Error = err.Error()
	}
	if st.Terminal() {
		j.cancel()
		close(j.done)
		s.metrics.RecordPregenJob(context.Background(), j.Priority.String(), string(st))
	}
	snap := j.Job
	return &snap
}

func (s *Scheduler) dequeue(j *job) {
	match := func(q *job) bool { return q == j }
	s.high = slices.DeleteFunc(s.high, match)
	s.low = slices.DeleteFunc(s.low, match)
}

// signal wakes one idle worker without blocking. Must be called with s.mu held.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) notify(j Job) {
	if s.observer != nil {
		s.observer(j)
	}
}

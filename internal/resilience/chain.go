package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every member of a Chain failed or was
// rejected by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// ErrEmpty is returned when a Chain has no members.
var ErrEmpty = errors.New("no providers configured")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain is an ordered set of interchangeable members. Calls try members in
// order; the preferred member, when set, is tried first regardless of its
// registration position.
//
// Chain is safe for concurrent use.
type Chain[T any] struct {
	cfg BreakerConfig

	mu        sync.RWMutex
	members   []member[T]
	preferred string
}

// NewChain returns an empty Chain whose members get breakers built from cfg.
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a member. Adding a name twice replaces the earlier value in
// place and resets its breaker.
func (c *Chain[T]) Add(name string, value T) {
	cfg := c.cfg
	cfg.Name = name
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.members {
		if c.members[i].name == name {
			c.members[i] = member[T]{name: name, value: value, breaker: NewBreaker(cfg)}
			return
		}
	}
	c.members = append(c.members, member[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Prefer moves name to the front of the try order. An empty name restores
// registration order.
func (c *Chain[T]) Prefer(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		c.preferred = ""
		return nil
	}
	for _, m := range c.members {
		if m.name == name {
			c.preferred = name
			return nil
		}
	}
	return fmt.Errorf("unknown member %q", name)
}

// Preferred returns the name tried first, or "" when none is set.
func (c *Chain[T]) Preferred() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.preferred
}

// Names returns member names in try order.
func (c *Chain[T]) Names() []string {
	ordered := c.ordered()
	names := make([]string, len(ordered))
	for i, m := range ordered {
		names[i] = m.name
	}
	return names
}

// Len returns the number of members.
func (c *Chain[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// BreakerState returns the breaker state of the named member.
func (c *Chain[T]) BreakerState(name string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.members {
		if m.name == name {
			return m.breaker.State(), true
		}
	}
	return StateClosed, false
}

func (c *Chain[T]) ordered() []member[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]member[T], 0, len(c.members))
	for _, m := range c.members {
		if m.name == c.preferred {
			out = append(out, m)
		}
	}
	for _, m := range c.members {
		if m.name != c.preferred {
			out = append(out, m)
		}
	}
	return out
}

// Attempt describes one failed try, reported to the observer passed to Run.
type Attempt struct {
	Member string
	Err    error
}

// Run calls fn with each member in order until one succeeds and returns the
// winning member's name and result. onFail, when non-nil, is called for every
// failed or skipped member. Exhaustion returns ErrAllFailed wrapping the last
// error; an empty chain returns ErrEmpty.
//
// Once ctx is done Run stops and returns ctx.Err(); the member that was
// running is not charged with the failure.
func Run[T, R any](ctx context.Context, c *Chain[T], fn func(name string, value T) (R, error), onFail func(Attempt)) (string, R, error) {
	var zero R
	members := c.ordered()
	if len(members) == 0 {
		return "", zero, ErrEmpty
	}

	var lastErr error
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return "", zero, err
		}
		var result R
		err := m.breaker.ExecuteContext(ctx, func() error {
			var innerErr error
			result, innerErr = fn(m.name, m.value)
			return innerErr
		})
		if err == nil {
			return m.name, result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", zero, ctxErr
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", m.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", m.name, "error", err)
		}
		if onFail != nil {
			onFail(Attempt{Member: m.name, Err: err})
		}
	}
	return "", zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

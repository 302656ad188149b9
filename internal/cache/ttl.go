// Package cache holds a single-slot TTL cache with generation-checked writes.
package cache

import (
	"sync"
	"time"
)

// State is the lifecycle state of the cache slot.
type State int

const (
	// StateEmpty means nothing is stored (initially and after Invalidate).
	StateEmpty State = iota
	// StatePopulated means a fresh value is stored.
	StatePopulated
	// StateExpired means the stored value is past its TTL.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePopulated:
		return "populated"
	case StateExpired:
		return "expired"
	default:
		return "empty"
	}
}

// Entry is a stored value. Entries are replaced, never mutated.
type Entry[T any] struct {
	Value      T
	StoredAt   time.Time
	ExpiresAt  time.Time
	Generation uint64
}

// Config holds configuration for the cache.
type Config struct {
	// TTL is how long a stored value stays fresh.
	// Default: 5 minutes
	TTL time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// TTL is a single-slot cache. Writers call Begin before computing a value and
// pass the returned generation to Store; a write is dropped when a newer one
// has landed or when Invalidate ran after Begin.
type TTL[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entry   *Entry[T]
	last    *Entry[T]
	issued  uint64
	floor   uint64
	hits    uint64
	misses  uint64
	dropped uint64
}

// New creates an empty cache.
func New[T any](cfg Config) *TTL[T] {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TTL[T]{ttl: cfg.TTL, now: cfg.Now}
}

// TTLDuration returns the configured time to live.
func (c *TTL[T]) TTLDuration() time.Duration {
	return c.ttl
}

// Get returns the stored value while it is fresh.
func (c *TTL[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry != nil && c.now().Before(c.entry.ExpiresAt) {
		c.hits++
		return c.entry.Value, true
	}
	c.misses++
	var zero T
	return zero, false
}

// Peek is Get without touching the hit and miss counters.
func (c *TTL[T]) Peek() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.entry != nil && c.now().Before(c.entry.ExpiresAt) {
		return c.entry.Value, true
	}
	var zero T
	return zero, false
}

// Last returns the most recently stored entry, fresh or not. It survives
// Invalidate so callers can fall back to a stale value.
func (c *TTL[T]) Last() (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.last == nil {
		return Entry[T]{}, false
	}
	return *c.last, true
}

// Begin issues a new write generation.
func (c *TTL[T]) Begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
	return c.issued
}

// Store saves value under generation gen and reports whether it was kept.
func (c *TTL[T]) Store(gen uint64, value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen <= c.floor || (c.entry != nil && gen <= c.entry.Generation) {
		c.dropped++
		return false
	}

	now := c.now()
	e := &Entry[T]{
		Value:      value,
		StoredAt:   now,
		ExpiresAt:  now.Add(c.ttl),
		Generation: gen,
	}
	c.entry = e
	c.last = e
	return true
}

// Invalidate empties the slot and discards writes from every generation
// issued so far.
func (c *TTL[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
	c.floor = c.issued
}

// State returns the current lifecycle state.
func (c *TTL[T]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.entry == nil:
		return StateEmpty
	case c.now().Before(c.entry.ExpiresAt):
		return StatePopulated
	default:
		return StateExpired
	}
}

// Stats contains cache statistics.
type Stats struct {
	State        State
	Hits         uint64
	Misses       uint64
	DroppedWrite uint64
	ExpiresAt    *time.Time
}

// Stats returns cache statistics.
func (c *TTL[T]) Stats() Stats {
	state := c.State()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{State: state, Hits: c.hits, Misses: c.misses, DroppedWrite: c.dropped}
	if c.entry != nil {
		exp := c.entry.ExpiresAt
		s.ExpiresAt = &exp
	}
	return s
}

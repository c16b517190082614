// Package breaker tracks consecutive failures per external dependency and
// short-circuits calls while a dependency is cooling down.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while a key is short-circuited.
var ErrOpen = errors.New("circuit open")

// Config controls when a key opens and how long it stays open.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig matches the engine defaults: open after 5 consecutive
// failures, hold for 60 seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

type entry struct {
	failures    int
	lastFailure time.Time
}

// Tracker is a keyed circuit breaker. Keys are independent; a failing venue
// never blocks calls to the other one.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     Config

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Tracker{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Allow returns ErrOpen when the key has reached the failure threshold and
// the cooldown window has not elapsed.
func (t *Tracker) Allow(key string) error {
	t.mu.RLock()
	e, ok := t.entries[key]
	var (
		failures int
		last     time.Time
	)
	if ok {
		failures = e.failures
		last = e.lastFailure
	}
	t.mu.RUnlock()

	if !ok || failures < t.cfg.FailureThreshold {
		return nil
	}
	if t.now().Sub(last) >= t.cfg.Cooldown {
		// Cooled down; let one call through to probe.
		return nil
	}
	return fmt.Errorf("%w: %s (%d consecutive failures)", ErrOpen, key, failures)
}

// IsOpen reports whether Allow would currently refuse the key.
func (t *Tracker) IsOpen(key string) bool {
	return t.Allow(key) != nil
}

// Failure records one failed call against the key.
func (t *Tracker) Failure(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.failures++
	e.lastFailure = t.now()
}

// Success resets the key's failure counter.
func (t *Tracker) Success(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		e.failures = 0
	}
}

// Failures returns the current consecutive-failure count for a key.
func (t *Tracker) Failures(key string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[key]; ok {
		return e.failures
	}
	return 0
}

// Snapshot returns the failure count per key, for status reporting.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.entries))
	for k, e := range t.entries {
		out[k] = e.failures
	}
	return out
}

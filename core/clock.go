package core

import (
	"sync"
	"time"
)

// Clock provides the time source for buckets. Production code uses
// SystemClock; tests use ManualClock to control time progression without
// sleeps.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system clock. It is stateless and
// safe to share across goroutines.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a controllable Clock for deterministic tests.
// It is safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a ManualClock starting at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative deltas are ignored so the
// clock stays monotonic.
func (c *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to an absolute instant. Unlike Advance this can move
// time backward; use it only to establish an initial state.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

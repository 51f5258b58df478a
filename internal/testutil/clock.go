// Package testutil holds test doubles shared by the packages that
// exercise the sequencing engine: a manual wall clock and a lifecycle
// trace recorder.
package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wall clock that only moves when told to. Its Now
// method satisfies the clock hook of the rampdown policy, so tests can
// expire the processing deadline without sleeping.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current frozen time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t. Moving backwards is allowed; the clock
// imposes no monotonicity of its own.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

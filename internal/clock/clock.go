package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock is a settable clock for evaluation-cycle tests.
// Params: initial timestamp.
// Returns: clock whose time only moves when advanced.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates manual clock at the given instant.
// Params: initial timestamp.
// Returns: initialized manual clock.
func NewManualClock(at time.Time) *ManualClock {
	return &ManualClock{now: at.UTC()}
}

// Now returns the currently set instant.
// Params: none.
// Returns: frozen timestamp.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
// Params: positive step duration.
// Returns: clock mutated in place.
func (c *ManualClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

package testutil

import (
	"sync"
	"time"
)

// DeterministicClock provides a thread-safe, monotonically stepping wall clock for tests.
//
// Each call to Now() returns the previous value plus Step, so ledger timestamps
// (applied_at, reverted_at, created_at) are reproducible across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// DefaultEpoch is the first instant returned by a new DeterministicClock.
var DefaultEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewDeterministicClock creates a clock starting at DefaultEpoch that advances
// one second per call.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{start: DefaultEpoch, now: DefaultEpoch, step: time.Second}
}

// Now returns the current instant and advances the clock by one step.
//
// Monotonic: never returns the same instant twice.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now() call will return, without advancing.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}

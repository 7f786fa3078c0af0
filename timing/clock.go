package timing

import (
	"sync"
	"time"
)

// Clock supplies the current time in nanoseconds on a monotonic timeline.
type Clock interface {
	NowNs() int64
}

// SystemClock reads the monotonic system clock.
type SystemClock struct {
	base time.Time
}

// NewSystemClock returns a clock whose zero is the time of the call.
func NewSystemClock() *SystemClock {
	return &SystemClock{base: time.Now()}
}

// NowNs returns nanoseconds since the clock was created.
func (c *SystemClock) NowNs() int64 {
	return int64(time.Since(c.base))
}

// ManualClock is a clock that only moves when told to. It is safe for
// concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NowNs returns the current manual time.
func (c *ManualClock) NowNs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to ns.
func (c *ManualClock) Set(ns int64) {
	c.mu.Lock()
	c.now = ns
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += int64(d)
	c.mu.Unlock()
}

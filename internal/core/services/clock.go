package services

import (
	"sync"
	"time"
)

// Clock stamps composed frames relative to the first stamp it hands out.
type Clock struct {
	mu      sync.Mutex
	now     func() time.Time
	origin  time.Time
	started bool
	last    int64
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockWithSource uses now instead of the wall clock.
func NewClockWithSource(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Stamp returns milliseconds since the origin. Values never decrease.
func (c *Clock) Stamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.started {
		c.origin = now
		c.started = true
	}
	ts := now.Sub(c.origin).Milliseconds()
	if ts < c.last {
		ts = c.last
	}
	c.last = ts
	return ts
}

// Reset forgets the origin; the next Stamp starts again at zero.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.started = false
	c.last = 0
	c.mu.Unlock()
}

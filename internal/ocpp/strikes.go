package ocpp

import (
	"sync"
	"time"
)

// StrikeCounter tracks malformed-frame strikes inside a sliding window.
// The connection is closed once the limit is reached.
type StrikeCounter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	strikes []time.Time
	now     func() time.Time
}

// NewStrikeCounter builds a counter with the given limit and window.
func NewStrikeCounter(limit int, window time.Duration) *StrikeCounter {
	return &StrikeCounter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Strike records one malformed frame and reports whether the limit within
// the window has been reached.
func (c *StrikeCounter) Strike() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-c.window)
	kept := c.strikes[:0]
	for _, ts := range c.strikes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.strikes = append(kept, now)
	return len(c.strikes) >= c.limit
}

package live

import "sync/atomic"

// Clock is a monotonic counter stamping refresh generations.
//
// Generations give log lines a total order over refreshes of one query
// and let tests assert how many recomputations actually ran after
// coalescing.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next generation and increments the clock. Each call
// returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the latest generation without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

package lsmkv

import (
	"sync/atomic"
	"time"
)

// clock hands out strictly increasing wall-clock timestamps in nanoseconds.
// If the wall clock stalls or steps backwards the clock keeps counting from
// the last value it returned.
type clock struct {
	last atomic.Int64
	now  func() int64
}

func newClock() *clock {
	return &clock{now: func() int64 { return time.Now().UnixNano() }}
}

// Next returns a timestamp greater than every timestamp returned before.
func (c *clock) Next() int64 {
	for {
		last := c.last.Load()
		ts := c.now()
		if ts <= last {
			ts = last + 1
		}
		if c.last.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// Observe advances the clock so that later timestamps exceed ts.
func (c *clock) Observe(ts int64) {
	for {
		last := c.last.Load()
		if ts <= last || c.last.CompareAndSwap(last, ts) {
			return
		}
	}
}

// Last returns the most recent timestamp handed out or observed.
func (c *clock) Last() int64 {
	return c.last.Load()
}

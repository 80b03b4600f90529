// Package load tracks how many business requests a node is serving right now.
//
// The value is what the node reports to the registry for balancing decisions.
// It starts at Baseline rather than zero: an idle node reports a load of 1.
package load

import (
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Baseline is the load an idle node reports.
const Baseline int64 = 1

// Counter is a concurrency-safe, never-negative in-flight counter.
type Counter struct {
	value      atomic.Int64
	violations atomic.Int64
	logger     log.Logger
}

// New returns a counter starting at initial. A negative initial value is clamped to zero.
func New(initial int64, logger log.Logger) *Counter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Counter{logger: logger}
	c.value.Store(max(initial, 0))
	return c
}

// NewDefault returns a counter starting at Baseline.
func NewDefault(logger log.Logger) *Counter {
	return New(Baseline, logger)
}

// Increment counts one more request in flight.
func (c *Counter) Increment() {
	c.value.Add(1)
}

// Decrement lowers the counter by one. A decrement with nothing left to
// release means some call path released a slot it never took: the value stays
// at zero and the violation is logged and counted.
func (c *Counter) Decrement() {
	for {
		cur := c.value.Load()
		if cur <= 0 {
			n := c.violations.Add(1)
			level.Error(c.logger).Log("msg", "load counter decremented below zero, clamping", "violations", n)
			return
		}
		if c.value.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Snapshot returns the current value.
func (c *Counter) Snapshot() int64 {
	return c.value.Load()
}

// Violations returns how many unmatched decrements have been clamped.
func (c *Counter) Violations() int64 {
	return c.violations.Load()
}

// Acquire takes one slot and returns the function that gives it back. The
// release is idempotent, so it is safe to both defer it and call it early.
func (c *Counter) Acquire() (release func()) {
	c.Increment()
	var once sync.Once
	return func() {
		once.Do(c.Decrement)
	}
}

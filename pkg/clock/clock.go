// Package clock implements the global version clock shared by every region.
//
// The clock is a single monotonically increasing counter: transactions
// sample it at Begin to fix their snapshot (the read version), and
// committing read-write transactions tick it once in Phase 4 of the commit
// protocol to obtain a write version. It never decrements and never wraps
// under any realistic workload.
package clock

import "sync/atomic"

// Clock is a wait-free, monotonically increasing counter.
//
// The zero value starts at version 0, matching a freshly created region
// where every stripe is also at version 0.
type Clock struct {
	value atomic.Uint64
}

// New returns a Clock starting at version 0.
func New() *Clock {
	return &Clock{}
}

// Sample returns the current clock value without advancing it.
func (c *Clock) Sample() uint64 {
	return c.value.Load()
}

// Tick atomically advances the clock by one and returns the value observed
// before the increment. Callers computing a write version take Tick()+1.
func (c *Clock) Tick() uint64 {
	return c.value.Add(1) - 1
}

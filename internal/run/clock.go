package run

import (
	"sync/atomic"
	"time"
)

// Clock supplies wall time to the machine. Production code uses SystemClock;
// tests substitute a deterministic implementation so timeout behavior can be
// exercised without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SeqClock is a monotonic logical clock for interaction ordering.
//
// Every captured interaction and notification is stamped with a strictly
// increasing seq number on arrival. Wall timestamps can collide or run
// backwards under clock adjustment; the seq never does, which keeps
// attribution order and replay deterministic.
//
// Thread-safety: safe for concurrent use (atomic operations), though the
// machine only stamps while holding the run lock.
type SeqClock struct {
	seq atomic.Int64
}

// NewSeqClock creates a clock starting at 0; the first Next returns 1.
func NewSeqClock() *SeqClock {
	return &SeqClock{}
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *SeqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *SeqClock) Current() int64 {
	return c.seq.Load()
}

package timectrl

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// ManualClock is a test-only Clock whose virtual time only moves when the
// test calls Advance or AdvanceTo. Time is kept monotonic.
type ManualClock struct {
	mu      sync.Mutex
	now     Instant
	percent uint32
	seq     uint64
	queue   waitQueue
}

var _ Clock = (*ManualClock)(nil)
var _ Clock = (*Driver)(nil)

// NewManualClock creates a manual clock starting at start.
func NewManualClock(start Instant) *ManualClock {
	return &ManualClock{now: start, percent: 100}
}

// Now returns the current manual instant.
func (c *ManualClock) Now() Instant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewWaker registers a waker; deadlines at or before now fire immediately.
func (c *ManualClock) NewWaker(at Instant) *Waker {
	w := newWaker(at)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !at.After(c.now) {
		w.fire()
		return w
	}
	c.seq++
	e := &waitEntry{at: at, seq: c.seq, w: w}
	w.stop = func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.index < 0 {
			return false
		}
		heap.Remove(&c.queue, e.index)
		return true
	}
	heap.Push(&c.queue, e)
	return w
}

// SleepUntil blocks until the test advances past at, or ctx is done.
func (c *ManualClock) SleepUntil(ctx context.Context, at Instant) error {
	return sleepOn(ctx, c.NewWaker(at))
}

// Sleep blocks for the virtual duration d.
func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	return c.SleepUntil(ctx, c.Now().Add(d))
}

// SpeedPercent returns the stored speed; it has no effect on time.
func (c *ManualClock) SpeedPercent() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.percent
}

// SetSpeedPercent stores the clamped speed.
func (c *ManualClock) SetSpeedPercent(p uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.percent = clampSpeed(p)
	return c.percent
}

// RealTimeOf returns the wall clock now; manual deadlines are never late.
func (c *ManualClock) RealTimeOf(Instant) time.Time {
	return time.Now()
}

// Waiters returns the number of pending wakers.
func (c *ManualClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Advance moves time forward by d and fires due wakers.
func (c *ManualClock) Advance(d time.Duration) {
	c.AdvanceTo(c.Now().Add(d))
}

// AdvanceTo sets the time to t and fires every waker due at or before t,
// in deadline order. Moving backwards is a no-op.
func (c *ManualClock) AdvanceTo(t Instant) {
	c.mu.Lock()
	if t.Before(c.now) {
		c.mu.Unlock()
		return
	}
	c.now = t
	var due []*Waker
	for len(c.queue) > 0 && !c.queue[0].at.After(t) {
		e := heap.Pop(&c.queue).(*waitEntry)
		due = append(due, e.w)
	}
	c.mu.Unlock()

	for _, w := range due {
		w.fire()
	}
}

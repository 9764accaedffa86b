package timectrl

import (
	"context"
	"sync"
	"time"
)

// Instant is a point on the virtual time axis, in nanoseconds since the
// clock was created. It is unrelated to wall-clock time except through the
// operator-controlled scale.
type Instant int64

// Add returns i shifted by d.
func (i Instant) Add(d time.Duration) Instant { return i + Instant(d) }

// Sub returns the virtual duration i-o.
func (i Instant) Sub(o Instant) time.Duration { return time.Duration(i - o) }

// Before reports whether i is strictly earlier than o.
func (i Instant) Before(o Instant) bool { return i < o }

// After reports whether i is strictly later than o.
func (i Instant) After(o Instant) bool { return i > o }

// Duration returns the virtual time elapsed since the clock origin.
func (i Instant) Duration() time.Duration { return time.Duration(i) }

// Milliseconds returns i as whole virtual milliseconds.
func (i Instant) Milliseconds() int64 { return time.Duration(i).Milliseconds() }

func (i Instant) String() string { return time.Duration(i).String() }

// Speed bounds, in percent of real time.
const (
	MinSpeedPercent uint32 = 1
	MaxSpeedPercent uint32 = 1000
)

// Clock is the virtual time source shared by the network loop, the node
// tasks, the protocol stacks and the analyzer. Driver is the production
// implementation; ManualClock is used by tests.
type Clock interface {
	// Now returns the current virtual instant.
	Now() Instant
	// NewWaker returns a Waker whose channel is closed once virtual time
	// reaches at.
	NewWaker(at Instant) *Waker
	// SleepUntil blocks until at, or until ctx is done.
	SleepUntil(ctx context.Context, at Instant) error
	// Sleep blocks for the virtual duration d, or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
	// SpeedPercent returns the current scale (100 = real time).
	SpeedPercent() uint32
	// SetSpeedPercent changes the scale and returns the clamped value.
	SetSpeedPercent(p uint32) uint32
	// RealTimeOf maps a virtual instant onto the wall clock under the
	// current mapping.
	RealTimeOf(at Instant) time.Time
}

// Waker is a one-shot virtual deadline.
type Waker struct {
	c    chan struct{}
	at   Instant
	once sync.Once
	stop func() bool
}

func newWaker(at Instant) *Waker {
	return &Waker{c: make(chan struct{}), at: at}
}

// C returns a channel closed when the deadline is reached.
func (w *Waker) C() <-chan struct{} { return w.c }

// Deadline returns the virtual instant the waker fires at.
func (w *Waker) Deadline() Instant { return w.at }

// Stop removes a pending waker. It reports whether the waker was still
// pending; a stopped waker never fires.
func (w *Waker) Stop() bool {
	if w.stop == nil {
		return false
	}
	return w.stop()
}

func (w *Waker) fire() {
	w.once.Do(func() { close(w.c) })
}

func sleepOn(ctx context.Context, w *Waker) error {
	select {
	case <-w.C():
		return nil
	case <-ctx.Done():
		w.Stop()
		return ctx.Err()
	}
}

func clampSpeed(p uint32) uint32 {
	if p < MinSpeedPercent {
		return MinSpeedPercent
	}
	if p > MaxSpeedPercent {
		return MaxSpeedPercent
	}
	return p
}

// waitEntry is one pending deadline; seq breaks ties so the queue behaves
// as an ordered multiset with FIFO order for equal deadlines.
type waitEntry struct {
	at    Instant
	seq   uint64
	w     *Waker
	index int
}

// waitQueue implements heap.Interface ordered by (at, seq).
type waitQueue []*waitEntry

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	e := x.(*waitEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

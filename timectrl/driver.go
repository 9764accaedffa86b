package timectrl

import (
	"container/heap"
	"context"
	"math/bits"
	"sync"
	"time"
)

// maxSchedulerWait bounds a single scheduler wait so a missed notification
// can never stall wake-ups for long.
const maxSchedulerWait = 25 * time.Millisecond

// Driver is the scaled virtual clock plus its scheduler goroutine.
//
// The clock is the affine map
//
//	virtual = originVirtual + scale * (real - originReal)
//
// with scale stored in Q32.32 fixed point (1<<32 is real time). Speed changes
// rebase the origins at the current instant, so the virtual axis stays
// continuous and already-queued deadlines keep their meaning.
//
// Lock order: queueMu is always released before clockMu is taken.
type Driver struct {
	clockMu       sync.Mutex
	originReal    time.Time
	originVirtual Instant
	scale         uint64
	percent       uint32
	epoch         uint64
	epochCh       chan struct{}

	queueMu sync.Mutex
	queue   waitQueue
	seq     uint64
	notify  chan struct{}

	realNow func() time.Time
}

// NewDriver creates a driver running at speedPercent (clamped to
// [MinSpeedPercent, MaxSpeedPercent]). Start must be called for wakers with
// future deadlines to fire.
func NewDriver(speedPercent uint32) *Driver {
	return newDriver(speedPercent, time.Now)
}

func newDriver(speedPercent uint32, realNow func() time.Time) *Driver {
	p := clampSpeed(speedPercent)
	return &Driver{
		originReal: realNow(),
		scale:      scaleFromPercent(p),
		percent:    p,
		epochCh:    make(chan struct{}),
		notify:     make(chan struct{}, 1),
		realNow:    realNow,
	}
}

// Start runs the scheduler in a separate goroutine until ctx is done.
// It returns a channel that is closed when the scheduler exits.
func (d *Driver) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.run(ctx)
	}()
	return done
}

// Now returns the current virtual instant.
func (d *Driver) Now() Instant {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.virtualAtLocked(d.realNow())
}

// SpeedPercent returns the current scale in percent.
func (d *Driver) SpeedPercent() uint32 {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.percent
}

// Epoch returns the number of speed changes applied so far.
func (d *Driver) Epoch() uint64 {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.epoch
}

// SetSpeedPercent rebases the clock at the current instant and applies the
// new scale. It returns the clamped percent actually applied.
func (d *Driver) SetSpeedPercent(p uint32) uint32 {
	p = clampSpeed(p)

	d.clockMu.Lock()
	r := d.realNow()
	v := d.virtualAtLocked(r)
	d.originReal = r
	d.originVirtual = v
	d.scale = scaleFromPercent(p)
	d.percent = p
	d.epoch++
	close(d.epochCh)
	d.epochCh = make(chan struct{})
	d.clockMu.Unlock()

	d.poke()
	return p
}

// RealTimeOf maps a virtual instant onto the wall clock under the current
// mapping. Instants before the current origin map into the past.
func (d *Driver) RealTimeOf(at Instant) time.Time {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.realAtLocked(at)
}

// NewWaker schedules a wake-up at the virtual instant at. O(log n).
func (d *Driver) NewWaker(at Instant) *Waker {
	w := newWaker(at)
	if !at.After(d.Now()) {
		w.fire()
		return w
	}

	e := &waitEntry{at: at, w: w}
	w.stop = func() bool {
		d.queueMu.Lock()
		defer d.queueMu.Unlock()
		if e.index < 0 {
			return false
		}
		heap.Remove(&d.queue, e.index)
		return true
	}

	d.queueMu.Lock()
	d.seq++
	e.seq = d.seq
	heap.Push(&d.queue, e)
	earliest := d.queue[0] == e
	d.queueMu.Unlock()

	if earliest {
		d.poke()
	}
	return w
}

// SleepUntil blocks until the virtual instant at or until ctx is done.
func (d *Driver) SleepUntil(ctx context.Context, at Instant) error {
	return sleepOn(ctx, d.NewWaker(at))
}

// Sleep blocks for the virtual duration dur or until ctx is done.
func (d *Driver) Sleep(ctx context.Context, dur time.Duration) error {
	return d.SleepUntil(ctx, d.Now().Add(dur))
}

// Pending returns the number of queued wakers.
func (d *Driver) Pending() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return len(d.queue)
}

func (d *Driver) poke() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Driver) run(ctx context.Context) {
	timer := time.NewTimer(maxSchedulerWait)
	defer timer.Stop()

	for {
		// 1. Snapshot the earliest deadline under the queue lock.
		d.queueMu.Lock()
		pending := len(d.queue) > 0
		var deadline Instant
		if pending {
			deadline = d.queue[0].at
		}
		d.queueMu.Unlock()

		// 2. Map it to a real target under the clock lock.
		d.clockMu.Lock()
		epochCh := d.epochCh
		realNow := d.realNow()
		nowV := d.virtualAtLocked(realNow)
		var target time.Time
		if pending {
			target = d.realAtLocked(deadline)
		}
		d.clockMu.Unlock()

		if pending && !deadline.After(nowV) {
			d.drainDue()
			continue
		}

		// 3. Bounded timed wait; epoch changes and new earliest deadlines
		// restart the loop.
		wait := maxSchedulerWait
		if pending {
			if until := target.Sub(realNow); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-d.notify:
		case <-epochCh:
		case <-timer.C:
		}
		timer.Stop()

		// 4. Fire everything that is due.
		d.drainDue()
	}
}

func (d *Driver) drainDue() {
	now := d.Now()

	var due []*Waker
	d.queueMu.Lock()
	for len(d.queue) > 0 && !d.queue[0].at.After(now) {
		e := heap.Pop(&d.queue).(*waitEntry)
		due = append(due, e.w)
	}
	d.queueMu.Unlock()

	for _, w := range due {
		w.fire()
	}
}

func (d *Driver) virtualAtLocked(real time.Time) Instant {
	delta := real.Sub(d.originReal)
	if delta <= 0 {
		return d.originVirtual
	}
	return d.originVirtual + Instant(mulQ32(uint64(delta), d.scale))
}

func (d *Driver) realAtLocked(at Instant) time.Time {
	if at >= d.originVirtual {
		return d.originReal.Add(time.Duration(divQ32(uint64(at-d.originVirtual), d.scale, true)))
	}
	return d.originReal.Add(-time.Duration(divQ32(uint64(d.originVirtual-at), d.scale, false)))
}

func scaleFromPercent(p uint32) uint64 {
	return (uint64(p)<<32 + 50) / 100
}

// mulQ32 returns v*scale with scale in Q32.32, using a 128-bit intermediate.
func mulQ32(v, scale uint64) int64 {
	hi, lo := bits.Mul64(v, scale)
	if hi>>31 != 0 {
		return int64(^uint64(0) >> 1)
	}
	return int64(hi<<32 | lo>>32)
}

// divQ32 returns v/scale with scale in Q32.32. Forward offsets round up and
// backward ones truncate, so a real target derived from a virtual instant is
// never earlier than that instant.
func divQ32(v, scale uint64, roundUp bool) int64 {
	if scale == 0 {
		return int64(^uint64(0) >> 1)
	}
	hi, lo := v>>32, v<<32
	if hi >= scale {
		return int64(^uint64(0) >> 1)
	}
	q, r := bits.Div64(hi, lo, scale)
	if roundUp && r != 0 {
		q++
	}
	if q>>63 != 0 {
		return int64(^uint64(0) >> 1)
	}
	return int64(q)
}

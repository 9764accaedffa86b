package analyzer

import (
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/ring"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

// delayWindow is the number of delay samples averaged by the time sync.
const delayWindow = 100

// timeSync paces log replay so that the gaps between log timestamps are
// reproduced on the virtual clock. When replay falls behind its average,
// the next gap is shortened to 9/10 to catch up.
type timeSync struct {
	started     bool
	prevLog     time.Time
	prevInstant timectrl.Instant
	delays      *ring.Buffer[time.Duration]
}

func newTimeSync() *timeSync {
	return &timeSync{delays: ring.New[time.Duration](delayWindow)}
}

// wait returns how long to wait before processing a line stamped ts at
// virtual instant now. It is zero for the first line.
func (s *timeSync) wait(ts time.Time, now timectrl.Instant) time.Duration {
	if !s.started {
		return 0
	}
	logDiff := ts.Sub(s.prevLog)
	if logDiff < 0 {
		logDiff = 0
	}
	elapsed := now.Sub(s.prevInstant)
	current := elapsed - logDiff
	s.delays.Push(current)

	if s.average() < current && logDiff > 0 {
		logDiff = logDiff * 9 / 10
	}
	if remaining := logDiff - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

// mark records that the line stamped ts was processed at now.
func (s *timeSync) mark(ts time.Time, now timectrl.Instant) {
	s.started = true
	s.prevLog = ts
	s.prevInstant = now
}

// restart makes the next line an anchor that is processed immediately.
func (s *timeSync) restart() {
	s.started = false
	s.delays.Clear()
}

func (s *timeSync) average() time.Duration {
	n := s.delays.Len()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += s.delays.At(i)
	}
	return sum / time.Duration(n)
}

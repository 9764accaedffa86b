package network

import (
	"github.com/signalsfoundry/lora-mesh-simulator/internal/radio"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ring"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/sim/node"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
	"github.com/signalsfoundry/lora-mesh-simulator/model"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

// Per-node memory bounds.
const (
	MaxAirtimeEntries = 500
	MaxHistoryEntries = ring.DefaultCapacity
)

// airtimeEntry is one transmission heard (or sent) by a node. Entries are
// kept in insertion order and evaluated first-in first-out.
type airtimeEntry struct {
	packet    radio.Packet
	sender    uint32
	start     timectrl.Instant
	end       timectrl.Instant
	rssi      float32
	processed bool
}

func (e *airtimeEntry) overlaps(start, end timectrl.Instant) bool {
	return e.start < end && e.end > start
}

// cadItem is a pending channel activity detection.
type cadItem struct {
	start timectrl.Instant
	end   timectrl.Instant
}

// nodeState is everything the loop keeps per node. It is owned by the loop
// goroutine.
type nodeState struct {
	cfg               model.NodeConfig
	effectiveDistance float32
	effectiveSq       float32

	task *node.Task
	done chan struct{}

	airtime []airtimeEntry
	cads    []cadItem
	history *ring.Buffer[ui.PacketEvent]
}

func newNodeState(cfg model.NodeConfig, effective float32) *nodeState {
	return &nodeState{
		cfg:               cfg,
		effectiveDistance: effective,
		effectiveSq:       effective * effective,
		done:              make(chan struct{}),
		history:           ring.New[ui.PacketEvent](MaxHistoryEntries),
	}
}

func (n *nodeState) view() ui.NodeView {
	return ui.NodeView{
		ID:                n.cfg.ID,
		Position:          n.cfg.Position,
		TxPowerDBm:        n.cfg.TxPowerDBm,
		EffectiveDistance: n.effectiveDistance,
	}
}

// firstUnprocessed returns the index of the oldest unprocessed entry or -1.
func (n *nodeState) firstUnprocessed() int {
	for i := range n.airtime {
		if !n.airtime[i].processed {
			return i
		}
	}
	return -1
}

// addAirtime appends e, evicting to stay within MaxAirtimeEntries. The
// oldest processed entry goes first, then the oldest entry of any kind.
// It reports whether an entry was evicted.
func (n *nodeState) addAirtime(e airtimeEntry) bool {
	evicted := false
	if len(n.airtime) >= MaxAirtimeEntries {
		victim := 0
		for i := range n.airtime {
			if n.airtime[i].processed {
				victim = i
				break
			}
		}
		n.airtime = append(n.airtime[:victim], n.airtime[victim+1:]...)
		evicted = true
	}
	n.airtime = append(n.airtime, e)
	return evicted
}

// busyDuring reports whether any airtime entry overlaps [start, end).
func (n *nodeState) busyDuring(start, end timectrl.Instant) bool {
	for i := range n.airtime {
		if n.airtime[i].overlaps(start, end) {
			return true
		}
	}
	return false
}

// gc drops processed entries that ended before the horizon: the earliest
// start among unprocessed entries and pending CADs, or now when there are
// none.
func (n *nodeState) gc(now timectrl.Instant) {
	horizon := now
	for i := range n.airtime {
		if !n.airtime[i].processed && n.airtime[i].start < horizon {
			horizon = n.airtime[i].start
		}
	}
	for _, c := range n.cads {
		if c.start < horizon {
			horizon = c.start
		}
	}

	kept := n.airtime[:0]
	for _, e := range n.airtime {
		if e.processed && e.end < horizon {
			continue
		}
		kept = append(kept, e)
	}
	clear(n.airtime[len(kept):])
	n.airtime = kept
}

// nextDeadline returns the earliest instant this node needs the loop: the
// end of its first unprocessed entry or of any pending CAD.
func (n *nodeState) nextDeadline() (timectrl.Instant, bool) {
	var next timectrl.Instant
	found := false
	if i := n.firstUnprocessed(); i >= 0 {
		next = n.airtime[i].end
		found = true
	}
	for _, c := range n.cads {
		if !found || c.end < next {
			next = c.end
			found = true
		}
	}
	return next, found
}

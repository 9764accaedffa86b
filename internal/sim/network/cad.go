package network

import (
	"context"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/sim/node"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

func (l *Loop) requestCad(ctx context.Context, id uint32) {
	n, ok := l.nodes[id]
	if !ok {
		l.log.Warn(ctx, "cad request from unknown node dropped", logging.Uint32("node_id", id))
		return
	}
	now := l.clock.Now()
	n.cads = append(n.cads, cadItem{start: now, end: now.Add(l.signal.CadDuration())})
}

// resolveCads answers every CAD on n that has ended by now. The channel is
// busy when any airtime entry overlaps the CAD window.
func (l *Loop) resolveCads(ctx context.Context, n *nodeState, now timectrl.Instant) {
	if len(n.cads) == 0 {
		return
	}
	pending := n.cads[:0]
	var due []cadItem
	for _, c := range n.cads {
		if c.end.After(now) {
			pending = append(pending, c)
			continue
		}
		due = append(due, c)
	}
	n.cads = pending

	for _, c := range due {
		busy := n.busyDuring(c.start, c.end)
		l.log.Debug(ctx, "cad resolved", logging.Uint32("node_id", n.cfg.ID), logging.Bool("busy", busy))
		l.deliver(ctx, n, node.CadResult{Busy: busy})
	}
}

package network

import (
	"context"

	"github.com/signalsfoundry/lora-mesh-simulator/core"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/radio"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/sim/node"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
)

// verdict is the outcome of evaluating one airtime entry.
type verdict int

const (
	verdictDropped verdict = iota
	verdictDelivered
	verdictCollision
)

// judge evaluates entry i of airtime against every overlapping entry. An
// overlapping entry destroys i when it could itself be decoded (it started
// at or after i, or it is above sensitivity) and i does not dominate it by
// more than the capture threshold. Every overlapping entry adds to the
// noise.
func judge(airtime []airtimeEntry, i int, noiseFloor, sensitivity, snrThreshold float32) (verdict, float32, uint8) {
	x := &airtime[i]
	noise := core.DBmToMilliwatts(noiseFloor)
	destructive := false
	collision := false

	for j := range airtime {
		if j == i {
			continue
		}
		y := &airtime[j]
		if !y.overlaps(x.start, x.end) {
			continue
		}
		decodable := y.start >= x.start || y.rssi > sensitivity
		if decodable && x.rssi-y.rssi <= core.CaptureThresholdDB {
			destructive = true
		}
		noise += core.DBmToMilliwatts(y.rssi)
		collision = true
	}

	sinr := x.rssi - core.MilliwattsToDBm(noise)
	quality := radio.LinkQuality(x.rssi, sinr)
	switch {
	case sinr >= snrThreshold && !destructive:
		return verdictDelivered, sinr, quality
	case collision:
		return verdictCollision, sinr, quality
	default:
		return verdictDropped, sinr, quality
	}
}

// evaluate finalizes entry i on n: deliver, record a collision, or drop a
// weak packet silently.
func (l *Loop) evaluate(ctx context.Context, n *nodeState, i int) {
	n.airtime[i].processed = true
	x := n.airtime[i]

	v, sinr, quality := judge(n.airtime, i, l.signal.NoiseFloor(), l.signal.Sensitivity(), l.signal.SNRThreshold())

	ev := ui.PacketEvent{
		MessageType: uint8(x.packet.MessageType),
		PacketIndex: x.packet.PacketIndex,
		PacketCount: x.packet.TotalPacketCount,
		Length:      x.packet.Length,
		Sender:      x.sender,
		LinkQuality: quality,
		VirtualTime: x.end.Duration(),
	}

	switch v {
	case verdictDelivered:
		ev.Kind = ui.PacketReceived
		n.history.Push(ev)
		l.deliver(ctx, n, node.DeliverReceived{Packet: x.packet.Clone(), LinkQuality: quality})
		l.received.Add(1)
		l.metrics.IncReceived()
		l.emitCounters()
	case verdictCollision:
		ev.Kind = ui.PacketCollision
		ev.Collision = true
		n.history.Push(ev)
		l.collisions.Add(1)
		l.metrics.IncCollisions()
		l.emitCounters()
	default:
		l.log.Debug(ctx, "weak packet dropped",
			logging.Uint32("node_id", n.cfg.ID),
			logging.Uint32("sender", x.sender),
			logging.Float64("rssi", float64(x.rssi)),
			logging.Float64("sinr", float64(sinr)),
		)
	}
}

package network

import (
	"context"

	"github.com/signalsfoundry/lora-mesh-simulator/core"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/radio"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
)

// propagate puts a packet emitted by senderID on the air: it records the
// send, occupies the sender's own channel and enqueues an airtime entry on
// every receiver in range with line of sight.
func (l *Loop) propagate(ctx context.Context, senderID uint32, p radio.Packet) {
	sender, ok := l.nodes[senderID]
	if !ok {
		l.log.Warn(ctx, "packet from unknown sender dropped", logging.Uint32("node_id", senderID))
		return
	}

	now := l.clock.Now()
	end := now.Add(l.signal.Airtime(len(p.Data)))
	txPower := sender.cfg.TxPowerDBm

	sender.history.Push(ui.PacketEvent{
		Kind:        ui.PacketSent,
		MessageType: uint8(p.MessageType),
		PacketIndex: p.PacketIndex,
		PacketCount: p.TotalPacketCount,
		Length:      p.Length,
		Sender:      senderID,
		LinkQuality: radio.MaxLinkQuality,
		VirtualTime: now.Duration(),
	})
	l.addAirtime(ctx, sender, airtimeEntry{
		packet:    p,
		sender:    senderID,
		start:     now,
		end:       end,
		rssi:      l.signal.RSSI(0, txPower),
		processed: true,
	})

	l.sent.Add(1)
	l.metrics.IncSent()
	l.emit(ui.NodeSentRadioMessage{
		NodeID:            senderID,
		MessageType:       uint8(p.MessageType),
		EffectiveDistance: sender.effectiveDistance,
	})
	l.emitCounters()

	reached := 0
	for _, id := range l.order {
		if id == senderID {
			continue
		}
		r := l.nodes[id]
		d2 := core.DistanceSquared(sender.cfg.Position, r.cfg.Position)
		if d2 >= sender.effectiveSq {
			continue
		}
		if core.SegmentBlocked(sender.cfg.Position, r.cfg.Position, l.scene.Obstacles) {
			continue
		}
		l.addAirtime(ctx, r, airtimeEntry{
			packet: p,
			sender: senderID,
			start:  now,
			end:    end,
			rssi:   l.signal.RSSI(core.DistanceFromSquared(d2), txPower),
		})
		reached++
	}

	l.log.Debug(ctx, "packet on air",
		logging.Uint32("node_id", senderID),
		logging.String("type", p.MessageType.String()),
		logging.Int("length", len(p.Data)),
		logging.Int("receivers", reached),
		logging.Duration("airtime", end.Sub(now)),
	)
}

func (l *Loop) addAirtime(ctx context.Context, n *nodeState, e airtimeEntry) {
	if n.addAirtime(e) {
		l.metrics.IncAirtimeOverflow()
		l.log.Error(ctx, "airtime list full, dropped oldest entry",
			logging.Uint32("node_id", n.cfg.ID),
			logging.Int("limit", MaxAirtimeEntries),
		)
	}
}

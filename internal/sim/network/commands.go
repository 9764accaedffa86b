package network

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/observability"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/radio"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/sim/node"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
	"go.opentelemetry.io/otel/attribute"
)

func (l *Loop) handleCommand(ctx context.Context, cmd ui.Command) {
	switch c := cmd.(type) {
	case ui.RequestNodeInfo:
		n, ok := l.nodes[c.NodeID]
		if !ok {
			l.emit(ui.Alert{Message: fmt.Sprintf("unknown node %d", c.NodeID)})
			return
		}
		l.emit(ui.NodeInfo{Info: ui.NodeDetails{
			NodeView: n.view(),
			History:  n.history.Snapshot(),
		}})
	case ui.StartMeasurement:
		l.startMeasurement(ctx, c)
	case ui.SetAutoSpeed:
		l.auto.enabled = c.Enabled
		l.auto.upCount = 0
		if !c.Enabled && l.auto.warningMs != 0 {
			l.auto.warningMs = 0
			l.emit(ui.SimulationDelayWarningChanged{DelayMs: 0})
		}
		l.log.Info(ctx, "auto speed toggled", logging.Bool("enabled", c.Enabled))
	case ui.SetSimulationSpeed:
		l.setSpeed(ctx, c.Percent)
	default:
		l.log.Debug(ctx, "command ignored by network loop", logging.String("command", cmd.CommandName()))
	}
}

// startMeasurement makes the chosen node send an AddBlock carrying the
// measurement id as its sequence.
func (l *Loop) startMeasurement(ctx context.Context, c ui.StartMeasurement) {
	n, ok := l.nodes[c.NodeID]
	if !ok {
		l.emit(ui.Alert{Message: fmt.Sprintf("cannot start measurement: unknown node %d", c.NodeID)})
		return
	}

	ctx, span := observability.StartSpan(ctx, "measurement.start",
		attribute.Int64("node_id", int64(c.NodeID)),
		attribute.Int64("sequence", int64(c.MeasurementID)),
	)
	defer span.End()

	msg := radio.NewAddBlock(c.NodeID, c.MeasurementID, nil)
	l.deliver(ctx, n, node.SendMessage{Message: msg})
	l.emit(ui.SendMessageInSimulation{Sequence: c.MeasurementID})
	l.log.Info(ctx, "measurement started",
		logging.Uint32("node_id", c.NodeID),
		logging.Uint32("sequence", c.MeasurementID),
	)
}

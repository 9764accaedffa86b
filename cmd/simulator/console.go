package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/fabric"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
)

// printEvents writes one line per UI event until ctx is done, then flushes
// whatever is still queued. onEnd runs when VisualizationEnded is seen.
func printEvents(ctx context.Context, events *fabric.Pipe[ui.Event], out io.Writer, onEnd func()) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-events.C():
					fmt.Fprintln(out, formatEvent(ev))
				default:
					return
				}
			}
		case ev := <-events.C():
			fmt.Fprintln(out, formatEvent(ev))
			if _, ok := ev.(ui.VisualizationEnded); ok && onEnd != nil {
				onEnd()
			}
		}
	}
}

func formatEvent(ev ui.Event) string {
	switch e := ev.(type) {
	case ui.Alert:
		return "ALERT " + e.Message
	case ui.ModeChanged:
		return "mode " + e.Mode.String()
	case ui.SceneDimensionsUpdated:
		return fmt.Sprintf("scene %.0fx%.0f (%.1f,%.1f)-(%.1f,%.1f)",
			e.Width, e.Height, e.TopLeft.X, e.TopLeft.Y, e.BottomRight.X, e.BottomRight.Y)
	case ui.ObstaclesUpdated:
		return fmt.Sprintf("obstacles %d", len(e.Obstacles))
	case ui.NodesUpdated:
		ids := make([]string, 0, len(e.Nodes))
		for _, n := range e.Nodes {
			ids = append(ids, fmt.Sprintf("%d@%.0fm", n.ID, n.EffectiveDistance))
		}
		return "nodes " + strings.Join(ids, " ")
	case ui.PoorAndExcellentLimits:
		return fmt.Sprintf("link quality limits weak=%d excellent=%d", e.Poor, e.Excellent)
	case ui.NodeSentRadioMessage:
		return fmt.Sprintf("node %d sent type %d (range %.0fm)", e.NodeID, e.MessageType, e.EffectiveDistance)
	case ui.RadioMessagesCountUpdated:
		return fmt.Sprintf("counters sent=%d received=%d collisions=%d", e.Sent, e.Received, e.Collisions)
	case ui.NodeReachedInMeasurement:
		return fmt.Sprintf("measurement %d reached node %d", e.Sequence, e.NodeID)
	case ui.SendMessageInSimulation:
		return fmt.Sprintf("measurement %d started", e.Sequence)
	case ui.SimulationSpeedChanged:
		return fmt.Sprintf("speed %d%%", e.Percent)
	case ui.SimulationDelayWarningChanged:
		if e.DelayMs == 0 {
			return "delay warning cleared"
		}
		return fmt.Sprintf("delay warning %dms", e.DelayMs)
	case ui.NodeInfo:
		return fmt.Sprintf("node %d info: %d packets, %d log lines", e.Info.ID, len(e.Info.History), len(e.Info.LogLines))
	case ui.VisualizationEnded:
		return "visualization ended"
	default:
		return ev.EventName()
	}
}

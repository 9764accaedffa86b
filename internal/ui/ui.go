// Package ui defines the refresh events the core emits and the commands it
// consumes. The UI is a passive consumer: the core never waits on it.
package ui

import (
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/model"
)

// Mode selects the event source.
type Mode int

const (
	ModeSimulation Mode = iota
	ModeLogVisualization
	ModeRealtimeTracking
)

func (m Mode) String() string {
	switch m {
	case ModeSimulation:
		return "simulation"
	case ModeLogVisualization:
		return "log_visualization"
	case ModeRealtimeTracking:
		return "realtime_tracking"
	default:
		return "unknown"
	}
}

// ParseMode maps a CLI spelling onto a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "simulation", "sim":
		return ModeSimulation, true
	case "log", "log_visualization", "visualization":
		return ModeLogVisualization, true
	case "tracking", "realtime", "realtime_tracking":
		return ModeRealtimeTracking, true
	default:
		return 0, false
	}
}

// PacketEventKind tags a history entry.
type PacketEventKind int

const (
	PacketSent PacketEventKind = iota
	PacketReceived
	PacketCollision
	PacketCrcError
)

func (k PacketEventKind) String() string {
	switch k {
	case PacketSent:
		return "sent"
	case PacketReceived:
		return "received"
	case PacketCollision:
		return "collision"
	case PacketCrcError:
		return "crc_error"
	default:
		return "unknown"
	}
}

// PacketEvent is one entry of a node's packet history. VirtualTime is set by
// the simulator, LogTime by the analyzer.
type PacketEvent struct {
	Kind        PacketEventKind
	MessageType uint8
	PacketIndex uint8
	PacketCount uint8
	Length      uint16
	Sender      uint32
	LinkQuality uint8
	Collision   bool
	VirtualTime time.Duration
	LogTime     time.Time
}

// LogLine is one raw analyzer line attributed to a node.
type LogLine struct {
	Timestamp time.Time
	Level     string
	Content   string
}

// NodeView is the map representation of a node.
type NodeView struct {
	ID                uint32
	Position          model.Point
	TxPowerDBm        float32
	EffectiveDistance float32
}

// NodeDetails answers RequestNodeInfo.
type NodeDetails struct {
	NodeView
	History  []PacketEvent
	LogLines []LogLine
}

// Event is a UI refresh event.
type Event interface {
	EventName() string
}

type (
	Alert struct{ Message string }

	NodesUpdated struct{ Nodes []NodeView }

	ObstaclesUpdated struct{ Obstacles []model.Obstacle }

	SceneDimensionsUpdated struct {
		TopLeft, BottomRight model.Point
		Width, Height        float64
	}

	NodeSentRadioMessage struct {
		NodeID            uint32
		MessageType       uint8
		EffectiveDistance float32
	}

	RadioMessagesCountUpdated struct {
		Sent, Received, Collisions uint64
	}

	NodeReachedInMeasurement struct {
		NodeID   uint32
		Sequence uint32
	}

	SimulationSpeedChanged struct{ Percent uint32 }

	// SimulationDelayWarningChanged carries the lag in ms; 0 clears it.
	SimulationDelayWarningChanged struct{ DelayMs uint32 }

	NodeInfo struct{ Info NodeDetails }

	PoorAndExcellentLimits struct{ Poor, Excellent uint8 }

	SendMessageInSimulation struct{ Sequence uint32 }

	VisualizationEnded struct{}

	ModeChanged struct{ Mode Mode }
)

func (Alert) EventName() string                         { return "alert" }
func (NodesUpdated) EventName() string                  { return "nodes_updated" }
func (ObstaclesUpdated) EventName() string              { return "obstacles_updated" }
func (SceneDimensionsUpdated) EventName() string        { return "scene_dimensions_updated" }
func (NodeSentRadioMessage) EventName() string          { return "node_sent_radio_message" }
func (RadioMessagesCountUpdated) EventName() string     { return "radio_messages_count_updated" }
func (NodeReachedInMeasurement) EventName() string      { return "node_reached_in_measurement" }
func (SimulationSpeedChanged) EventName() string        { return "simulation_speed_changed" }
func (SimulationDelayWarningChanged) EventName() string { return "simulation_delay_warning_changed" }
func (NodeInfo) EventName() string                      { return "node_info" }
func (PoorAndExcellentLimits) EventName() string        { return "poor_and_excellent_limits" }
func (SendMessageInSimulation) EventName() string       { return "send_message_in_simulation" }
func (VisualizationEnded) EventName() string            { return "visualization_ended" }
func (ModeChanged) EventName() string                   { return "mode_changed" }

// Command is an operator command.
type Command interface {
	CommandName() string
}

type (
	LoadFile struct{ Path string }

	RequestNodeInfo struct{ NodeID uint32 }

	StartMeasurement struct {
		NodeID        uint32
		MeasurementID uint32
	}

	SetAutoSpeed struct{ Enabled bool }

	StartMode struct {
		Mode      Mode
		ScenePath string
		LogPath   string
	}

	// SeekAnalyzer skips playback forward to the log timestamp in unix ms.
	SeekAnalyzer struct{ UnixMs uint64 }

	SetSimulationSpeed struct{ Percent uint32 }
)

func (LoadFile) CommandName() string           { return "load_file" }
func (RequestNodeInfo) CommandName() string    { return "request_node_info" }
func (StartMeasurement) CommandName() string   { return "start_measurement" }
func (SetAutoSpeed) CommandName() string       { return "set_auto_speed" }
func (StartMode) CommandName() string          { return "start_mode" }
func (SeekAnalyzer) CommandName() string       { return "seek_analyzer" }
func (SetSimulationSpeed) CommandName() string { return "set_simulation_speed" }

// Queue capacities.
const (
	EventQueueSize   = 256
	CommandQueueSize = 16
)

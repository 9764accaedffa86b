package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/core"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/fabric"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/observability"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ring"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
	"github.com/signalsfoundry/lora-mesh-simulator/model"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
	"go.opentelemetry.io/otel/attribute"
)

// ErrVisualizationEnded is joined to the context error returned by Run
// when the replayed log had been read to its end.
var ErrVisualizationEnded = errors.New("log visualization ended")

// Per-node memory bounds.
const (
	MaxLogLines     = ring.DefaultCapacity
	MaxNodeEvents   = ring.DefaultCapacity
	lineChannelSize = 64
)

type nodeLog struct {
	lines   *ring.Buffer[ui.LogLine]
	history *ring.Buffer[ui.PacketEvent]
	reached map[uint32]struct{}
}

func newNodeLog() *nodeLog {
	return &nodeLog{
		lines:   ring.New[ui.LogLine](MaxLogLines),
		history: ring.New[ui.PacketEvent](MaxNodeEvents),
		reached: make(map[uint32]struct{}),
	}
}

// Analyzer turns a log into UI refresh events. It is driven by Run; all
// state belongs to the goroutine running it.
type Analyzer struct {
	scene    *model.Scene
	clock    timectrl.Clock
	events   *fabric.Pipe[ui.Event]
	commands <-chan ui.Command

	nodes map[uint32]*nodeLog
	sync  *timeSync
	seek  time.Time
	mode  ui.Mode

	sent, received, collisions uint64

	metrics *observability.SimulationCollector
	log     logging.Logger
}

// Option customises Analyzer construction.
type Option func(*Analyzer)

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *observability.SimulationCollector) Option {
	return func(a *Analyzer) {
		a.metrics = m
	}
}

// WithLogger sets the analyzer logger.
func WithLogger(log logging.Logger) Option {
	return func(a *Analyzer) {
		a.log = logging.OrNoop(log)
	}
}

// New builds an analyzer. scene may be nil, in which case node positions are
// unknown and only log-derived details are reported. New panics when clock
// or events is nil.
func New(scene *model.Scene, clock timectrl.Clock, events *fabric.Pipe[ui.Event], commands <-chan ui.Command, opts ...Option) *Analyzer {
	if clock == nil || events == nil {
		panic("analyzer: New requires a clock and an event pipe")
	}
	a := &Analyzer{
		scene:    scene,
		clock:    clock,
		events:   events,
		commands: commands,
		nodes:    make(map[uint32]*nodeLog),
		sync:     newTimeSync(),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logging.String("component", "analyzer"))
	return a
}

type lineResult struct {
	line string
	err  error
}

// Run reads path in the given mode until ctx is done and returns the
// context error, joined with ErrVisualizationEnded once a replay finished. In
// ModeLogVisualization lines are paced by their timestamps and, at the end
// of the file, VisualizationEnded is emitted and only commands are served.
// In ModeRealtimeTracking the file is tailed from its end.
func (a *Analyzer) Run(ctx context.Context, mode ui.Mode, path string) error {
	if mode != ui.ModeLogVisualization && mode != ui.ModeRealtimeTracking {
		return fmt.Errorf("analyzer: unsupported mode %s", mode)
	}
	a.mode = mode

	ctx, span := observability.StartSpan(ctx, "analyzer.run",
		attribute.String("mode", mode.String()),
		attribute.String("path", path),
	)
	defer span.End()

	src, err := OpenSource(path, mode == ui.ModeRealtimeTracking, a.log)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer src.Close()

	a.publishScene()
	a.log.Info(ctx, "analyzer started", logging.String("mode", mode.String()), logging.String("path", path))

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines := make(chan lineResult, lineChannelSize)
	go func() {
		for {
			line, err := src.Next(readCtx)
			select {
			case lines <- lineResult{line: line, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-a.commands:
			a.handleCommand(ctx, cmd)
		case lr := <-lines:
			if lr.err != nil {
				if errors.Is(lr.err, io.EOF) {
					return a.serveAfterEnd(ctx)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Error(ctx, "analyzer stopped on read error", logging.Err(lr.err))
				span.RecordError(lr.err)
				return lr.err
			}
			a.handleLine(ctx, lr.line)
		}
	}
}

// serveAfterEnd announces the end of the log and serves commands until ctx
// is done.
func (a *Analyzer) serveAfterEnd(ctx context.Context) error {
	a.emit(ui.VisualizationEnded{})
	a.log.Info(ctx, "log visualization ended",
		logging.Uint64("sent", a.sent),
		logging.Uint64("received", a.received),
		logging.Uint64("crc_errors", a.collisions),
	)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrVisualizationEnded, ctx.Err())
		case cmd := <-a.commands:
			a.handleCommand(ctx, cmd)
		}
	}
}

func (a *Analyzer) handleLine(ctx context.Context, line string) {
	raw := ParseRawLine(line)
	if raw.HasNodeID {
		a.node(raw.NodeID).lines.Push(ui.LogLine{Timestamp: raw.Timestamp, Level: raw.Level, Content: raw.Content})
	}

	ev, err := ParseEvent(line)
	switch {
	case errors.Is(err, ErrNotEvent):
		a.metrics.IncAnalyzerLine(observability.LineRaw)
		return
	case err != nil:
		a.metrics.IncAnalyzerLine(observability.LineSkipped)
		a.log.Debug(ctx, "skipping log line", logging.Err(err))
		return
	case !raw.HasNodeID:
		a.metrics.IncAnalyzerLine(observability.LineNoNodeID)
		a.log.Debug(ctx, "skipping event without node id", logging.String("event", ev.Kind.String()))
		return
	}

	if a.mode == ui.ModeLogVisualization && raw.HasTimestamp && !a.pace(ctx, raw.Timestamp) {
		return
	}
	a.metrics.IncAnalyzerLine(observability.LineEvent)
	if ev.PacketInfoDefaulted {
		a.log.Warn(ctx, "receive event without packet info, assuming 1/1", logging.Uint32("node_id", raw.NodeID))
	}
	a.apply(ctx, raw, ev)
}

// pace waits until the line stamped ts is due. It reports false when the
// wait was interrupted by a command or by ctx, in which case the line is
// abandoned.
func (a *Analyzer) pace(ctx context.Context, ts time.Time) bool {
	if !a.seek.IsZero() {
		if ts.Before(a.seek) {
			a.sync.mark(ts, a.clock.Now())
			return true
		}
		a.log.Info(ctx, "seek target reached", logging.String("timestamp", ts.Format(time.RFC3339Nano)))
		a.seek = time.Time{}
		a.sync.restart()
	}

	if d := a.sync.wait(ts, a.clock.Now()); d > 0 {
		w := a.clock.NewWaker(a.clock.Now().Add(d))
		select {
		case <-ctx.Done():
			w.Stop()
			return false
		case cmd := <-a.commands:
			w.Stop()
			a.handleCommand(ctx, cmd)
			return false
		case <-w.C():
		}
	}
	a.sync.mark(ts, a.clock.Now())
	return true
}

func (a *Analyzer) apply(ctx context.Context, raw RawLine, ev Event) {
	n := a.node(raw.NodeID)
	pe := ui.PacketEvent{
		MessageType: ev.MessageType,
		PacketIndex: ev.PacketIndex,
		PacketCount: ev.PacketCount,
		Length:      ev.Length,
		Sender:      ev.Sender,
		LinkQuality: ev.LinkQuality,
		LogTime:     raw.Timestamp,
	}

	switch ev.Kind {
	case EventSendPacket:
		pe.Kind = ui.PacketSent
		pe.Sender = raw.NodeID
		n.history.Push(pe)
		a.sent++
		a.metrics.IncSent()
		a.emit(ui.NodeSentRadioMessage{
			NodeID:            raw.NodeID,
			MessageType:       ev.MessageType,
			EffectiveDistance: a.effectiveDistance(raw.NodeID),
		})
		a.emitCounters()
	case EventReceivePacket:
		pe.Kind = ui.PacketReceived
		n.history.Push(pe)
		a.received++
		a.metrics.IncReceived()
		a.emitCounters()
	case EventPacketCrcError:
		pe.Kind = ui.PacketCrcError
		pe.Collision = true
		n.history.Push(pe)
		a.collisions++
		a.metrics.IncCollisions()
		a.emitCounters()
	case EventAddBlockReceived:
		if _, seen := n.reached[ev.Sequence]; !seen {
			n.reached[ev.Sequence] = struct{}{}
			a.emit(ui.NodeReachedInMeasurement{NodeID: raw.NodeID, Sequence: ev.Sequence})
		}
	case EventStartMeasurement, EventAddBlockSent:
		a.emit(ui.SendMessageInSimulation{Sequence: ev.Sequence})
	case EventReceivedFullMessage:
		a.log.Debug(ctx, "full message received",
			logging.Uint32("node_id", raw.NodeID),
			logging.Int("type", int(ev.MessageType)),
		)
	case EventVersionInfo:
		a.log.Info(ctx, "node version",
			logging.Uint32("node_id", raw.NodeID),
			logging.String("probe_version", ev.ProbeVersion),
			logging.String("node_version", ev.NodeVersion),
		)
	}
}

func (a *Analyzer) handleCommand(ctx context.Context, cmd ui.Command) {
	switch c := cmd.(type) {
	case ui.RequestNodeInfo:
		a.nodeInfo(c.NodeID)
	case ui.SeekAnalyzer:
		a.seek = time.UnixMilli(int64(c.UnixMs))
		a.log.Info(ctx, "seeking log", logging.Uint64("unix_ms", c.UnixMs))
	case ui.SetSimulationSpeed:
		applied := a.clock.SetSpeedPercent(c.Percent)
		a.metrics.SetSpeedPercent(applied)
		a.emit(ui.SimulationSpeedChanged{Percent: applied})
	default:
		a.log.Debug(ctx, "command ignored by analyzer", logging.String("command", cmd.CommandName()))
	}
}

func (a *Analyzer) nodeInfo(id uint32) {
	var details ui.NodeDetails
	details.ID = id
	known := false
	if a.scene != nil {
		if cfg, ok := a.scene.Node(id); ok {
			details.NodeView = a.view(cfg)
			known = true
		}
	}
	if n, ok := a.nodes[id]; ok {
		details.History = n.history.Snapshot()
		details.LogLines = n.lines.Snapshot()
		known = true
	}
	if !known {
		a.emit(ui.Alert{Message: fmt.Sprintf("unknown node %d", id)})
		return
	}
	a.emit(ui.NodeInfo{Info: details})
}

func (a *Analyzer) node(id uint32) *nodeLog {
	n, ok := a.nodes[id]
	if !ok {
		n = newNodeLog()
		a.nodes[id] = n
	}
	return n
}

func (a *Analyzer) view(cfg model.NodeConfig) ui.NodeView {
	return ui.NodeView{
		ID:                cfg.ID,
		Position:          cfg.Position,
		TxPowerDBm:        cfg.TxPowerDBm,
		EffectiveDistance: a.effectiveDistance(cfg.ID),
	}
}

func (a *Analyzer) effectiveDistance(id uint32) float32 {
	if a.scene == nil {
		return 0
	}
	cfg, ok := a.scene.Node(id)
	if !ok {
		return 0
	}
	if cfg.EffectiveDistance != 0 {
		return float32(cfg.EffectiveDistance)
	}
	return core.EffectiveDistance(cfg.TxPowerDBm, a.scene.PathLoss, a.scene.Lora.SpreadingFactor)
}

func (a *Analyzer) emit(ev ui.Event) {
	if !a.events.TrySend(ev) {
		a.metrics.IncUIEventsDropped()
	}
}

func (a *Analyzer) emitCounters() {
	a.emit(ui.RadioMessagesCountUpdated{Sent: a.sent, Received: a.received, Collisions: a.collisions})
}

func (a *Analyzer) publishScene() {
	if a.scene != nil {
		w := a.scene.World
		a.emit(ui.SceneDimensionsUpdated{TopLeft: w.TopLeft, BottomRight: w.BottomRight, Width: w.Width, Height: w.Height})
		a.emit(ui.ObstaclesUpdated{Obstacles: append([]model.Obstacle(nil), a.scene.Obstacles...)})
		views := make([]ui.NodeView, 0, len(a.scene.Nodes))
		for _, cfg := range a.scene.Nodes {
			views = append(views, a.view(cfg))
		}
		a.emit(ui.NodesUpdated{Nodes: views})
		a.emit(ui.PoorAndExcellentLimits{Poor: a.scene.LinkQualityWeak, Excellent: a.scene.LinkQualityExcellent})
		a.metrics.SetSceneNodes(len(a.scene.Nodes))
	}
	speed := a.clock.SpeedPercent()
	a.metrics.SetSpeedPercent(speed)
	a.emit(ui.SimulationSpeedChanged{Percent: speed})
	a.emitCounters()
}

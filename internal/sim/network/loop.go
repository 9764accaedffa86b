// Package network implements the central event loop of the mesh simulator:
// it propagates emitted packets to receivers in range, evaluates collisions
// at the end of each airtime, answers channel activity detections and
// drives the auto-speed controller.
package network

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/core"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/fabric"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/observability"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/radio"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/sim/node"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
	"github.com/signalsfoundry/lora-mesh-simulator/model"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

const (
	// heartbeat bounds every wait so commands are served promptly.
	heartbeat = 10 * time.Millisecond
	// idleHorizon is the deadline used when nothing is pending.
	idleHorizon = time.Hour

	shadowingStream uint64 = 0x5ad0
)

// Loop is the network event loop. All of its state is owned by the goroutine
// running Run; only the counters may be read concurrently.
type Loop struct {
	scene  *model.Scene
	clock  timectrl.Clock
	signal *core.SignalModel

	nodes map[uint32]*nodeState
	order []uint32

	outputs  chan node.Output
	events   *fabric.Pipe[ui.Event]
	commands <-chan ui.Command

	sent       atomic.Uint64
	received   atomic.Uint64
	collisions atomic.Uint64

	auto autoSpeed

	factory radio.StackFactory
	seed    uint64
	seeded  bool
	metrics *observability.SimulationCollector
	log     logging.Logger
}

// Option customises Loop construction.
type Option func(*Loop)

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *observability.SimulationCollector) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithStackFactory replaces the protocol stack run by every node. The
// default is radio.NewFloodStack.
func WithStackFactory(f radio.StackFactory) Option {
	return func(l *Loop) {
		if f != nil {
			l.factory = f
		}
	}
}

// WithSeed makes shadowing and protocol randomness reproducible.
func WithSeed(seed uint64) Option {
	return func(l *Loop) {
		l.seed = seed
		l.seeded = true
	}
}

// WithLogger sets the loop logger. Node tasks inherit it.
func WithLogger(log logging.Logger) Option {
	return func(l *Loop) {
		l.log = logging.OrNoop(log)
	}
}

// WithAutoSpeed sets the initial state of the auto-speed controller.
func WithAutoSpeed(enabled bool) Option {
	return func(l *Loop) {
		l.auto.enabled = enabled
	}
}

// New builds the loop and one node task per scene node. events receives UI
// refresh events and is never waited on; commands may be nil. New panics
// when scene, clock or events is nil.
func New(scene *model.Scene, clock timectrl.Clock, events *fabric.Pipe[ui.Event], commands <-chan ui.Command, opts ...Option) *Loop {
	if scene == nil || clock == nil || events == nil {
		panic("network: New requires a scene, a clock and an event pipe")
	}
	l := &Loop{
		scene:    scene,
		clock:    clock,
		nodes:    make(map[uint32]*nodeState, len(scene.Nodes)),
		outputs:  make(chan node.Output, node.OutputQueueSize),
		events:   events,
		commands: commands,
		factory:  radio.NewFloodStack,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if !l.seeded {
		l.seed = rand.Uint64()
	}
	l.log = l.log.With(logging.String("component", "network"))
	l.signal = core.NewSignalModel(scene.PathLoss, scene.Lora, rand.NewPCG(l.seed, shadowingStream))

	lora := scene.Lora
	airtime := func(length int) time.Duration { return core.Airtime(length, lora) }

	for _, cfg := range scene.Nodes {
		effective := float32(cfg.EffectiveDistance)
		if effective == 0 {
			effective = l.signal.EffectiveDistance(cfg.TxPowerDBm)
		}
		n := newNodeState(cfg, effective)
		n.task = node.NewTask(cfg.ID, l.factory, radio.StackConfig{
			Clock:   clock,
			Module:  scene.Module,
			Airtime: airtime,
			Rand:    rand.New(rand.NewPCG(l.seed, uint64(cfg.ID))),
		}, l.outputs, node.WithLogger(l.log))
		l.nodes[cfg.ID] = n
		l.order = append(l.order, cfg.ID)
	}
	sort.Slice(l.order, func(i, j int) bool { return l.order[i] < l.order[j] })
	return l
}

// Counters returns the global sent, received and collision totals.
func (l *Loop) Counters() (sent, received, collisions uint64) {
	return l.sent.Load(), l.received.Load(), l.collisions.Load()
}

// Run starts the node tasks and serves the loop until ctx is done. It
// returns ctx.Err() once every task has stopped.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for _, id := range l.order {
		n := l.nodes[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(n.done)
			if err := n.task.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.log.Error(ctx, "node task stopped", logging.Uint32("node_id", id), logging.Err(err))
			}
		}()
	}

	l.publishScene()
	l.log.Info(ctx, "network loop started",
		logging.Int("nodes", len(l.order)),
		logging.Uint32("speed_percent", l.clock.SpeedPercent()),
		logging.Bool("auto_speed", l.auto.enabled),
	)

	for {
		now := l.clock.Now()
		next := l.nextDeadline(now)
		if !next.After(now) {
			l.onDeadline(ctx, next)
			continue
		}

		wait := next
		if tick := now.Add(heartbeat); tick.Before(wait) {
			wait = tick
		}
		w := l.clock.NewWaker(wait)

		select {
		case <-ctx.Done():
			w.Stop()
			l.log.Info(ctx, "network loop stopped")
			return ctx.Err()
		case out := <-l.outputs:
			w.Stop()
			l.handleOutput(ctx, out)
		case cmd := <-l.commands:
			w.Stop()
			l.handleCommand(ctx, cmd)
		case <-w.C():
			l.onDeadline(ctx, wait)
		}
	}
}

func (l *Loop) nextDeadline(now timectrl.Instant) timectrl.Instant {
	next := now.Add(idleHorizon)
	for _, id := range l.order {
		if at, ok := l.nodes[id].nextDeadline(); ok && at < next {
			next = at
		}
	}
	return next
}

// onDeadline advances at most one airtime entry per node, resolves due CADs
// and collects garbage.
func (l *Loop) onDeadline(ctx context.Context, scheduled timectrl.Instant) {
	l.observeLag(ctx, scheduled)

	now := l.clock.Now()
	for _, id := range l.order {
		n := l.nodes[id]
		if i := n.firstUnprocessed(); i >= 0 && !n.airtime[i].end.After(now) {
			l.evaluate(ctx, n, i)
		}
		l.resolveCads(ctx, n, now)
		n.gc(now)
	}
}

func (l *Loop) handleOutput(ctx context.Context, out node.Output) {
	switch ev := out.Event.(type) {
	case node.EmittedPacket:
		l.propagate(ctx, out.NodeID, ev.Packet)
	case node.RequestCad:
		l.requestCad(ctx, out.NodeID)
	case node.HighLevelMessageReceived:
		l.log.Debug(ctx, "message received",
			logging.Uint32("node_id", out.NodeID),
			logging.String("type", ev.Message.Type.String()),
			logging.Uint32("origin", ev.Message.Origin),
		)
	case node.NodeReachedInMeasurement:
		l.emit(ui.NodeReachedInMeasurement{NodeID: out.NodeID, Sequence: ev.Sequence})
	}
}

// deliver hands in to a node task. It gives up when ctx ends or the task
// has stopped.
func (l *Loop) deliver(ctx context.Context, n *nodeState, in node.Input) {
	select {
	case n.task.Input() <- in:
	case <-n.done:
		l.log.Warn(ctx, "dropping input for stopped node", logging.Uint32("node_id", n.cfg.ID))
	case <-ctx.Done():
	}
}

// emit publishes a UI refresh event without waiting.
func (l *Loop) emit(ev ui.Event) {
	if !l.events.TrySend(ev) {
		l.metrics.IncUIEventsDropped()
	}
}

func (l *Loop) emitCounters() {
	sent, received, collisions := l.Counters()
	l.emit(ui.RadioMessagesCountUpdated{Sent: sent, Received: received, Collisions: collisions})
}

func (l *Loop) publishScene() {
	w := l.scene.World
	l.emit(ui.SceneDimensionsUpdated{TopLeft: w.TopLeft, BottomRight: w.BottomRight, Width: w.Width, Height: w.Height})
	l.emit(ui.ObstaclesUpdated{Obstacles: append([]model.Obstacle(nil), l.scene.Obstacles...)})

	views := make([]ui.NodeView, 0, len(l.order))
	for _, id := range l.order {
		views = append(views, l.nodes[id].view())
	}
	l.emit(ui.NodesUpdated{Nodes: views})
	l.emit(ui.PoorAndExcellentLimits{Poor: l.scene.LinkQualityWeak, Excellent: l.scene.LinkQualityExcellent})

	speed := l.clock.SpeedPercent()
	l.emit(ui.SimulationSpeedChanged{Percent: speed})
	l.metrics.SetSpeedPercent(speed)
	l.metrics.SetSceneNodes(len(l.order))
	l.emitCounters()
}

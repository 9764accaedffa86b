// Package engine owns the operating mode. It waits for the operator to pick
// a mode, loads the scene and runs either the network loop or the log
// analyzer, forwarding UI commands to whichever runner is active.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/signalsfoundry/lora-mesh-simulator/core"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/analyzer"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/fabric"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/observability"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/sim/network"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
	"github.com/signalsfoundry/lora-mesh-simulator/model"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrSceneLoad is returned by Run when the requested scene could not be
// loaded.
var ErrSceneLoad = errors.New("scene load failed")

// SceneLoader reads a scene file.
type SceneLoader func(path string) (*model.Scene, error)

// Engine dispatches operator commands to the runner of the current mode.
type Engine struct {
	clock    timectrl.Clock
	events   *fabric.Pipe[ui.Event]
	commands <-chan ui.Command

	load        SceneLoader
	networkOpts []network.Option
	analyzeOpts []analyzer.Option
	metrics     *observability.SimulationCollector
	log         logging.Logger
}

// Option customises Engine construction.
type Option func(*Engine)

// WithLogger sets the base logger; each mode run derives a run-scoped one.
func WithLogger(log logging.Logger) Option {
	return func(e *Engine) {
		e.log = logging.OrNoop(log)
	}
}

// WithMetrics is handed to both runners.
func WithMetrics(m *observability.SimulationCollector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithNetworkOptions appends options for every network loop the engine builds.
func WithNetworkOptions(opts ...network.Option) Option {
	return func(e *Engine) {
		e.networkOpts = append(e.networkOpts, opts...)
	}
}

// WithAnalyzerOptions appends options for every analyzer the engine builds.
func WithAnalyzerOptions(opts ...analyzer.Option) Option {
	return func(e *Engine) {
		e.analyzeOpts = append(e.analyzeOpts, opts...)
	}
}

// WithSceneLoader replaces core.LoadSceneFile.
func WithSceneLoader(load SceneLoader) Option {
	return func(e *Engine) {
		if load != nil {
			e.load = load
		}
	}
}

// New builds an engine. It panics when clock or events is nil.
func New(clock timectrl.Clock, events *fabric.Pipe[ui.Event], commands <-chan ui.Command, opts ...Option) *Engine {
	if clock == nil || events == nil {
		panic("engine: New requires a clock and an event pipe")
	}
	e := &Engine{
		clock:    clock,
		events:   events,
		commands: commands,
		load:     core.LoadSceneFile,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logging.String("component", "engine"))
	return e
}

// Run serves mode requests until ctx is done or a scene fails to load. It
// returns ctx.Err() on shutdown and an error wrapping ErrSceneLoad on a load
// failure.
func (e *Engine) Run(ctx context.Context) error {
	var pending *ui.StartMode
	for {
		if pending == nil {
			req, err := e.awaitMode(ctx)
			if err != nil {
				return err
			}
			pending = &req
		}
		next, err := e.runMode(ctx, *pending)
		if err != nil {
			return err
		}
		pending = next
	}
}

// Start runs the engine in a goroutine, mirroring timectrl.Driver.Start.
// The returned channel yields Run's error and is then closed.
func (e *Engine) Start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- e.Run(ctx)
	}()
	return done
}

func (e *Engine) awaitMode(ctx context.Context) (ui.StartMode, error) {
	for {
		select {
		case <-ctx.Done():
			return ui.StartMode{}, ctx.Err()
		case cmd := <-e.commands:
			if req, ok := modeRequest(cmd); ok {
				return req, nil
			}
			e.handleIdle(ctx, cmd)
		}
	}
}

// modeRequest maps LoadFile onto a simulation StartMode.
func modeRequest(cmd ui.Command) (ui.StartMode, bool) {
	switch c := cmd.(type) {
	case ui.StartMode:
		return c, true
	case ui.LoadFile:
		return ui.StartMode{Mode: ui.ModeSimulation, ScenePath: c.Path}, true
	}
	return ui.StartMode{}, false
}

func (e *Engine) handleIdle(ctx context.Context, cmd ui.Command) {
	switch c := cmd.(type) {
	case ui.SetSimulationSpeed:
		applied := e.clock.SetSpeedPercent(c.Percent)
		e.metrics.SetSpeedPercent(applied)
		e.emit(ui.SimulationSpeedChanged{Percent: applied})
	default:
		e.log.Debug(ctx, "no mode running, command ignored", logging.String("command", cmd.CommandName()))
	}
}

// runMode runs req until ctx ends, the runner stops, or another mode is
// requested. It returns that request, or nil to wait for one.
func (e *Engine) runMode(ctx context.Context, req ui.StartMode) (*ui.StartMode, error) {
	runCtx := logging.ContextWithRunID(ctx, uuid.NewString())
	runCtx, log := logging.WithRunLogger(runCtx, e.log)
	log = log.With(logging.String("mode", req.Mode.String()))

	e.emit(ui.ModeChanged{Mode: req.Mode})

	scene, err := e.loadScene(runCtx, req, log)
	if err != nil {
		e.emit(ui.Alert{Message: err.Error()})
		return nil, err
	}

	run, err := e.runner(req, scene, log)
	if err != nil {
		e.emit(ui.Alert{Message: err.Error()})
		log.Warn(runCtx, "mode rejected", logging.Err(err))
		return nil, nil
	}

	runCtx, cancel := context.WithCancel(runCtx)
	forward := make(chan ui.Command, ui.CommandQueueSize)
	done := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		done <- run(runCtx, forward)
	}()
	stop := func() {
		cancel()
		wg.Wait()
	}

	log.Info(runCtx, "mode started")
	for {
		select {
		case <-ctx.Done():
			stop()
			return nil, ctx.Err()
		case err := <-done:
			stop()
			e.runnerStopped(runCtx, req, err, log)
			return nil, nil
		case cmd := <-e.commands:
			if next, ok := modeRequest(cmd); ok {
				stop()
				log.Info(runCtx, "mode switch requested", logging.String("next_mode", next.Mode.String()))
				return &next, nil
			}
			select {
			case forward <- cmd:
			case err := <-done:
				stop()
				e.runnerStopped(runCtx, req, err, log)
				return nil, nil
			case <-ctx.Done():
				stop()
				return nil, ctx.Err()
			}
		}
	}
}

func (e *Engine) runnerStopped(ctx context.Context, req ui.StartMode, err error, log logging.Logger) {
	switch {
	case err == nil:
		e.emit(ui.Alert{Message: fmt.Sprintf("%s stopped", req.Mode)})
		log.Info(ctx, "mode stopped")
	case errors.Is(err, analyzer.ErrVisualizationEnded):
		log.Info(ctx, "mode stopped after visualization ended")
	default:
		e.emit(ui.Alert{Message: fmt.Sprintf("%s stopped: %v", req.Mode, err)})
		log.Error(ctx, "mode stopped", logging.Err(err))
	}
}

type runFunc func(ctx context.Context, commands <-chan ui.Command) error

func (e *Engine) runner(req ui.StartMode, scene *model.Scene, log logging.Logger) (runFunc, error) {
	switch req.Mode {
	case ui.ModeSimulation:
		opts := append([]network.Option{network.WithMetrics(e.metrics), network.WithLogger(log)}, e.networkOpts...)
		return func(ctx context.Context, commands <-chan ui.Command) error {
			return network.New(scene, e.clock, e.events, commands, opts...).Run(ctx)
		}, nil
	case ui.ModeLogVisualization, ui.ModeRealtimeTracking:
		if req.LogPath == "" {
			return nil, fmt.Errorf("%s requires a log path", req.Mode)
		}
		opts := append([]analyzer.Option{analyzer.WithMetrics(e.metrics), analyzer.WithLogger(log)}, e.analyzeOpts...)
		return func(ctx context.Context, commands <-chan ui.Command) error {
			return analyzer.New(scene, e.clock, e.events, commands, opts...).Run(ctx, req.Mode, req.LogPath)
		}, nil
	}
	return nil, fmt.Errorf("unsupported mode %s", req.Mode)
}

// loadScene loads the scene of req. The analyzer modes run without a scene
// when no path is given.
func (e *Engine) loadScene(ctx context.Context, req ui.StartMode, log logging.Logger) (*model.Scene, error) {
	if req.ScenePath == "" && req.Mode != ui.ModeSimulation {
		return nil, nil
	}
	ctx, span := observability.StartSpan(ctx, "scene.load", attribute.String("path", req.ScenePath))
	defer span.End()

	if req.ScenePath == "" {
		err := fmt.Errorf("%w: no scene path given", ErrSceneLoad)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "scene load failed", logging.Err(err))
		return nil, err
	}
	scene, err := e.load(req.ScenePath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scene load failed")
		log.Error(ctx, "scene load failed", logging.String("path", req.ScenePath), logging.Err(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrSceneLoad, req.ScenePath, err)
	}
	span.SetAttributes(attribute.Int("nodes", len(scene.Nodes)), attribute.Int("obstacles", len(scene.Obstacles)))
	log.Info(ctx, "scene loaded",
		logging.String("path", req.ScenePath),
		logging.Int("nodes", len(scene.Nodes)),
		logging.Int("obstacles", len(scene.Obstacles)),
	)
	return scene, nil
}

func (e *Engine) emit(ev ui.Event) {
	if !e.events.TrySend(ev) {
		e.metrics.IncUIEventsDropped()
	}
}

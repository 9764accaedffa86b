package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/engine"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/fabric"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/observability"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/sim/network"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

type config struct {
	mode        ui.Mode
	scenePath   string
	logPath     string
	speed       uint
	autoSpeed   bool
	measureNode uint
	measureAt   time.Duration
	duration    time.Duration
	metricsAddr string
	seed        uint64
}

func parseFlags(args []string) (config, error) {
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	mode := fs.String("mode", "simulation", "simulation, log or tracking")
	scenePath := fs.String("scene", "", "path to the scene JSON file")
	logPath := fs.String("log", "", "node log to replay (log) or tail (tracking)")
	speed := fs.Uint("speed", 100, "virtual clock speed in percent of real time")
	autoSpeed := fs.Bool("auto-speed", false, "lower the speed automatically when the simulation lags")
	measureNode := fs.Uint("measure-node", 0, "node that starts a measurement; 0 disables it")
	measureAt := fs.Duration("measure-at", time.Second, "virtual delay before the measurement starts")
	duration := fs.Duration("duration", 0, "virtual run time; 0 runs until interrupted")
	metricsAddr := fs.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics; empty disables it")
	seed := fs.Uint64("seed", 0, "seed for node and shadowing randomness; 0 picks one")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	m, ok := ui.ParseMode(*mode)
	if !ok {
		return config{}, fmt.Errorf("unknown mode %q", *mode)
	}
	cfg := config{
		mode:        m,
		scenePath:   *scenePath,
		logPath:     *logPath,
		speed:       *speed,
		autoSpeed:   *autoSpeed,
		measureNode: *measureNode,
		measureAt:   *measureAt,
		duration:    *duration,
		metricsAddr: *metricsAddr,
		seed:        *seed,
	}
	switch {
	case cfg.mode == ui.ModeSimulation && cfg.scenePath == "":
		return config{}, errors.New("simulation mode requires -scene")
	case cfg.mode != ui.ModeSimulation && cfg.logPath == "":
		return config{}, fmt.Errorf("%s mode requires -log", cfg.mode)
	case cfg.mode != ui.ModeSimulation && cfg.measureNode != 0:
		return config{}, errors.New("-measure-node only applies to simulation mode")
	}
	return cfg, nil
}

// runInfo labels this invocation on exported traces.
func (c config) runInfo() observability.RunInfo {
	info := observability.RunInfo{
		Mode:         c.mode.String(),
		ScenePath:    c.scenePath,
		SpeedPercent: uint32(c.speed),
		Seed:         c.seed,
	}
	if c.mode != ui.ModeSimulation {
		info.LogPath = c.logPath
	}
	return info
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.Run = cfg.runInfo()
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	collector, err := observability.NewSimulationCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(cfg.metricsAddr, collector, log)

	runErr := run(ctx, cfg, os.Stdout, collector, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	if runErr != nil {
		log.Error(ctx, "simulator stopped", logging.Err(runErr))
		os.Exit(1)
	}
}

// run drives one mode until ctx is done or the virtual duration elapsed,
// printing UI events to out.
func run(ctx context.Context, cfg config, out io.Writer, collector *observability.SimulationCollector, log logging.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	clock := timectrl.NewDriver(uint32(cfg.speed))
	clockDone := clock.Start(ctx)
	printerDone := make(chan struct{})
	defer func() {
		cancel()
		<-printerDone
		<-clockDone
	}()

	events := fabric.NewPipe[ui.Event](ui.EventQueueSize)
	commands := fabric.NewPipe[ui.Command](ui.CommandQueueSize)

	netOpts := []network.Option{network.WithAutoSpeed(cfg.autoSpeed)}
	if cfg.seed != 0 {
		netOpts = append(netOpts, network.WithSeed(cfg.seed))
	}
	eng := engine.New(clock, events, commands.C(),
		engine.WithLogger(log),
		engine.WithMetrics(collector),
		engine.WithNetworkOptions(netOpts...),
	)
	engineDone := eng.Start(ctx)

	go func() {
		defer close(printerDone)
		printEvents(ctx, events, out, func() {
			if cfg.mode == ui.ModeLogVisualization {
				cancel()
			}
		})
	}()

	if err := commands.Send(ctx, ui.StartMode{Mode: cfg.mode, ScenePath: cfg.scenePath, LogPath: cfg.logPath}); err != nil {
		return nil
	}

	if cfg.measureNode != 0 {
		go func() {
			if err := clock.Sleep(ctx, cfg.measureAt); err != nil {
				return
			}
			req := ui.StartMeasurement{NodeID: uint32(cfg.measureNode), MeasurementID: uuid.New().ID()}
			if err := commands.Send(ctx, req); err != nil {
				log.Debug(ctx, "measurement not requested", logging.Err(err))
			}
		}()
	}
	if cfg.duration > 0 {
		go func() {
			if err := clock.Sleep(ctx, cfg.duration); err == nil {
				log.Info(ctx, "virtual duration elapsed", logging.Duration("duration", cfg.duration))
				cancel()
			}
		}()
	}

	err := <-engineDone
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(addr string, collector *observability.SimulationCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

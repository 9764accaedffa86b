package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/observability"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
)

const meshScene = `{
  "world_top_left": {"x": 0, "y": 0},
  "world_bottom_right": {"x": 100, "y": 100},
  "width": 1000, "height": 1000,
  "nodes": [
    {"node_id": 1, "position": {"x": 10, "y": 10}, "radio_strength": 14},
    {"node_id": 2, "position": {"x": 20, "y": 10}, "radio_strength": 14}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-mode", "log", "-log", "mesh.log", "-speed", "400", "-metrics-addr", ""})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.mode != ui.ModeLogVisualization || cfg.logPath != "mesh.log" || cfg.speed != 400 || cfg.metricsAddr != "" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	for _, args := range [][]string{
		{"-mode", "simulation"},
		{"-mode", "tracking"},
		{"-mode", "bogus", "-scene", "s.json"},
		{"-mode", "log", "-log", "x.log", "-measure-node", "3"},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("parseFlags(%v) should fail", args)
		}
	}
}

func TestConfigRunInfo(t *testing.T) {
	sim := config{mode: ui.ModeSimulation, scenePath: "scene.json", logPath: "ignored.log", speed: 400, seed: 7}
	want := observability.RunInfo{Mode: "simulation", ScenePath: "scene.json", SpeedPercent: 400, Seed: 7}
	if diff := cmp.Diff(want, sim.runInfo()); diff != "" {
		t.Fatalf("simulation runInfo mismatch (-want +got):\n%s", diff)
	}

	replay := config{mode: ui.ModeLogVisualization, logPath: "mesh.log", speed: 100}
	want = observability.RunInfo{Mode: "log_visualization", LogPath: "mesh.log", SpeedPercent: 100}
	if diff := cmp.Diff(want, replay.runInfo()); diff != "" {
		t.Fatalf("replay runInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsWhenCancelledBeforeStart(t *testing.T) {
	path := writeFile(t, "scene.json", meshScene)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	cfg := config{mode: ui.ModeSimulation, scenePath: path, speed: 100, measureNode: 1}
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, &out, nil, logging.Noop()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run blocked on a cancelled context")
	}
}

func TestRunReplaysLogUntilEnd(t *testing.T) {
	path := writeFile(t, "mesh.log", strings.Join([]string{
		"INFO [1] *TM3* sequence: 12",
		"INFO [1] *TM1* type: 5, length: 20",
		"INFO [2] *TM2* type: 5, sender: 1, length: 20, packet: 1/1, link quality: 50",
		"INFO [2] *TM6* sequence: 12, sender: 1",
	}, "\n")+"\n")

	reg := prometheus.NewRegistry()
	collector, err := observability.NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config{mode: ui.ModeLogVisualization, logPath: path, speed: 100}
	if err := run(ctx, cfg, &out, collector, logging.Noop()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("replay did not stop at the end of the log")
	}

	text := out.String()
	for _, want := range []string{
		"mode log_visualization",
		"measurement 12 started",
		"node 1 sent type 5",
		"measurement 12 reached node 2",
		"counters sent=1 received=1 collisions=0",
		"visualization ended",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output is missing %q:\n%s", want, text)
		}
	}
	if got := testutil.ToFloat64(collector.PacketsSent); got != 1 {
		t.Errorf("packets sent = %v, want 1", got)
	}
}

func TestRunSimulationForDuration(t *testing.T) {
	path := writeFile(t, "scene.json", meshScene)
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config{
		mode:        ui.ModeSimulation,
		scenePath:   path,
		speed:       1000,
		measureNode: 1,
		measureAt:   10 * time.Millisecond,
		duration:    3 * time.Second,
		seed:        3,
	}
	if err := run(ctx, cfg, &out, nil, logging.Noop()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("simulation did not stop after its virtual duration")
	}

	text := out.String()
	for _, want := range []string{"mode simulation", "nodes 1@", "node 1 sent", "reached node 2"} {
		if !strings.Contains(text, want) {
			t.Errorf("output is missing %q:\n%s", want, text)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		ev   ui.Event
		want string
	}{
		{ui.Alert{Message: "boom"}, "ALERT boom"},
		{ui.SimulationDelayWarningChanged{DelayMs: 0}, "delay warning cleared"},
		{ui.SimulationDelayWarningChanged{DelayMs: 14}, "delay warning 14ms"},
		{ui.SimulationSpeedChanged{Percent: 250}, "speed 250%"},
		{ui.NodesUpdated{Nodes: []ui.NodeView{{ID: 1, EffectiveDistance: 120}, {ID: 4, EffectiveDistance: 80.4}}}, "nodes 1@120m 4@80m"},
	}
	for _, tt := range tests {
		if got := formatEvent(tt.ev); got != tt.want {
			t.Errorf("formatEvent(%T) = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

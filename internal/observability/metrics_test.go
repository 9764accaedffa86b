package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
)

func TestSimulationCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}

	c.IncSent()
	c.IncSent()
	c.IncReceived()
	c.IncCollisions()
	c.IncAirtimeOverflow()
	c.IncUIEventsDropped()
	c.SetSpeedPercent(250)
	c.SetSceneNodes(12)
	c.IncAnalyzerLine(LineEvent)
	c.IncAnalyzerLine(LineSkipped)
	c.IncAnalyzerLine(LineSkipped)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"mesh_packets_sent_total", testutil.ToFloat64(c.PacketsSent), 2},
		{"mesh_packets_received_total", testutil.ToFloat64(c.PacketsReceived), 1},
		{"mesh_packet_collisions_total", testutil.ToFloat64(c.PacketCollisions), 1},
		{"mesh_airtime_overflow_total", testutil.ToFloat64(c.AirtimeOverflow), 1},
		{"mesh_ui_events_dropped_total", testutil.ToFloat64(c.UIEventsDropped), 1},
		{"mesh_simulation_speed_percent", testutil.ToFloat64(c.SimulationSpeed), 250},
		{"mesh_scene_nodes", testutil.ToFloat64(c.SceneNodes), 12},
		{"mesh_analyzer_lines_total{result=skipped}", testutil.ToFloat64(c.AnalyzerLines.WithLabelValues(LineSkipped)), 2},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %v, want %v", ck.name, ck.got, ck.want)
		}
	}
}

func TestDeadlineLagHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}
	c.ObserveDeadlineLag(3 * time.Millisecond)
	c.ObserveDeadlineLag(-time.Millisecond)

	if count := histogramSampleCount(t, reg, "mesh_deadline_lag_seconds", nil); count != 2 {
		t.Fatalf("mesh_deadline_lag_seconds sample_count = %d, want 2", count)
	}
}

func TestSimulationCollectorRegistersIdempotently(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("first NewSimulationCollector: %v", err)
	}
	second, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("second NewSimulationCollector: %v", err)
	}
	first.IncSent()
	if got := testutil.ToFloat64(second.PacketsSent); got != 1 {
		t.Fatalf("second collector sees %v sends, want shared counter with 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SimulationCollector
	c.IncSent()
	c.IncReceived()
	c.IncCollisions()
	c.IncAirtimeOverflow()
	c.IncUIEventsDropped()
	c.SetSpeedPercent(1)
	c.SetSceneNodes(1)
	c.ObserveDeadlineLag(time.Second)
	c.IncAnalyzerLine(LineRaw)
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestMetricsHandlerExposesSimulationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}
	c.IncSent()
	c.SetSpeedPercent(100)
	c.IncAnalyzerLine(LineRaw)
	c.ObserveDeadlineLag(time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"mesh_packets_sent_total",
		"mesh_simulation_speed_percent",
		"mesh_analyzer_lines_total",
		"mesh_deadline_lag_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestTracingDisabledUsesNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "scene.load", attribute.String("path", "x.json"))
	if ctx == nil || span == nil {
		t.Fatalf("expected a span")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("SIM_TRACING_ENABLED", "true")
	t.Setenv("SIM_TRACING_EXPORTER", "OTLP")
	t.Setenv("SIM_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("SIM_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ServiceName != "lora-mesh-simulator" {
		t.Fatalf("ServiceName = %q", cfg.ServiceName)
	}

	if _, err := exporterFromConfig(context.Background(), TracingConfig{Exporter: "zipkin"}); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
}

func TestResourceAttributesDescribeRun(t *testing.T) {
	cfg := TracingConfig{
		Run: RunInfo{Mode: "simulation", ScenePath: "scenes/campus.json", SpeedPercent: 250, Seed: 42},
	}
	got := map[string]string{}
	for _, kv := range resourceAttributes(cfg) {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":       "lora-mesh-simulator",
		"service.namespace":  "mesh",
		"mesh.mode":          "simulation",
		"mesh.scene":         "scenes/campus.json",
		"mesh.speed_percent": "250",
		"mesh.seed":          "42",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("resource attributes mismatch (-want +got):\n%s", diff)
	}

	if attrs := (RunInfo{}).Attributes(); len(attrs) != 0 {
		t.Fatalf("empty run produced attributes %v", attrs)
	}
}

func TestStdoutTracingCarriesRunResource(t *testing.T) {
	var out bytes.Buffer
	cfg := TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
		Run:         RunInfo{Mode: "log_visualization", LogPath: "mesh.log"},
		Output:      &out,
	}
	shutdown, err := InitTracing(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		_, _ = InitTracing(context.Background(), TracingConfig{}, nil)
	})

	_, span := StartSpan(context.Background(), "analyzer.run")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	text := out.String()
	for _, want := range []string{`"analyzer.run"`, `"mesh.mode"`, `"log_visualization"`, `"mesh.log"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("exported span is missing %s:\n%s", want, text)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

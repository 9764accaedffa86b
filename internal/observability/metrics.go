package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Analyzer line outcomes for mesh_analyzer_lines_total.
const (
	LineEvent    = "event"
	LineRaw      = "raw"
	LineSkipped  = "skipped"
	LineNoNodeID = "no_node_id"
)

// SimulationCollector bundles Prometheus metrics for the mesh simulator and
// the log analyzer. All methods are safe on a nil receiver.
type SimulationCollector struct {
	gatherer prometheus.Gatherer

	PacketsSent      prometheus.Counter
	PacketsReceived  prometheus.Counter
	PacketCollisions prometheus.Counter
	AirtimeOverflow  prometheus.Counter
	UIEventsDropped  prometheus.Counter
	SimulationSpeed  prometheus.Gauge
	SceneNodes       prometheus.Gauge
	DeadlineLag      prometheus.Histogram
	AnalyzerLines    *prometheus.CounterVec
}

// NewSimulationCollector registers simulator metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registering twice against the same registry returns the existing
// collectors.
func NewSimulationCollector(reg prometheus.Registerer) (*SimulationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sent, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_packets_sent_total",
		Help: "Radio packets put on the air by simulated nodes.",
	}), "mesh_packets_sent_total")
	if err != nil {
		return nil, err
	}
	received, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_packets_received_total",
		Help: "Radio packets delivered to a receiver after collision evaluation.",
	}), "mesh_packets_received_total")
	if err != nil {
		return nil, err
	}
	collisions, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_packet_collisions_total",
		Help: "Radio packets lost to overlapping transmissions.",
	}), "mesh_packet_collisions_total")
	if err != nil {
		return nil, err
	}
	overflow, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_airtime_overflow_total",
		Help: "Airtime entries dropped because a node's airtime list was full.",
	}), "mesh_airtime_overflow_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_ui_events_dropped_total",
		Help: "UI refresh events dropped because the UI queue was full.",
	}), "mesh_ui_events_dropped_total")
	if err != nil {
		return nil, err
	}

	speed, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_simulation_speed_percent",
		Help: "Current virtual clock speed in percent of real time.",
	}), "mesh_simulation_speed_percent")
	if err != nil {
		return nil, err
	}
	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_scene_nodes",
		Help: "Number of nodes in the loaded scene.",
	}), "mesh_scene_nodes")
	if err != nil {
		return nil, err
	}

	lag, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_deadline_lag_seconds",
		Help:    "Real-time lag between a virtual deadline's scheduled and actual firing.",
		Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.008, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "mesh_deadline_lag_seconds")
	if err != nil {
		return nil, err
	}

	lines := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_analyzer_lines_total",
		Help: "Log lines read by the analyzer, labeled by parse result.",
	}, []string{"result"})
	lines, err = registerCounterVec(reg, lines, "mesh_analyzer_lines_total")
	if err != nil {
		return nil, err
	}

	return &SimulationCollector{
		gatherer:         gatherer,
		PacketsSent:      sent,
		PacketsReceived:  received,
		PacketCollisions: collisions,
		AirtimeOverflow:  overflow,
		UIEventsDropped:  dropped,
		SimulationSpeed:  speed,
		SceneNodes:       nodes,
		DeadlineLag:      lag,
		AnalyzerLines:    lines,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimulationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimulationCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// IncSent counts one transmitted packet.
func (c *SimulationCollector) IncSent() {
	if c == nil || c.PacketsSent == nil {
		return
	}
	c.PacketsSent.Inc()
}

// IncReceived counts one delivered packet.
func (c *SimulationCollector) IncReceived() {
	if c == nil || c.PacketsReceived == nil {
		return
	}
	c.PacketsReceived.Inc()
}

// IncCollisions counts one collided packet.
func (c *SimulationCollector) IncCollisions() {
	if c == nil || c.PacketCollisions == nil {
		return
	}
	c.PacketCollisions.Inc()
}

// IncAirtimeOverflow counts one airtime entry dropped on overflow.
func (c *SimulationCollector) IncAirtimeOverflow() {
	if c == nil || c.AirtimeOverflow == nil {
		return
	}
	c.AirtimeOverflow.Inc()
}

// IncUIEventsDropped counts one dropped UI refresh event.
func (c *SimulationCollector) IncUIEventsDropped() {
	if c == nil || c.UIEventsDropped == nil {
		return
	}
	c.UIEventsDropped.Inc()
}

// SetSceneNodes updates the scene size gauge.
func (c *SimulationCollector) SetSceneNodes(n int) {
	if c == nil || c.SceneNodes == nil {
		return
	}
	c.SceneNodes.Set(float64(n))
}

// IncAnalyzerLine counts one analyzer line with the given result label.
func (c *SimulationCollector) IncAnalyzerLine(result string) {
	if c == nil || c.AnalyzerLines == nil {
		return
	}
	c.AnalyzerLines.WithLabelValues(result).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

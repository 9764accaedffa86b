// Package model holds the immutable scene description shared by the
// simulator core, the analyzer and the UI.
package model

import "math"

// Point is a 2D position in world coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p-o.
func (p Point) Sub(o Point) Point { return Point{X: p.X - o.X, Y: p.Y - o.Y} }

// Add returns p+o.
func (p Point) Add(o Point) Point { return Point{X: p.X + o.X, Y: p.Y + o.Y} }

// Scale returns p scaled by f.
func (p Point) Scale(f float64) Point { return Point{X: p.X * f, Y: p.Y * f} }

// Dot returns the dot product of p and o.
func (p Point) Dot(o Point) float64 { return p.X*o.X + p.Y*o.Y }

// Cross returns the z component of the 2D cross product.
func (p Point) Cross(o Point) float64 { return p.X*o.Y - p.Y*o.X }

// World is the axis-aligned scene rectangle and its physical size.
type World struct {
	TopLeft     Point
	BottomRight Point
	// Width and Height are the physical dimensions in meters.
	Width  float64
	Height float64
}

// ScaleX returns meters per world unit along X.
func (w World) ScaleX() float64 {
	span := math.Abs(w.BottomRight.X - w.TopLeft.X)
	if span == 0 {
		return 1
	}
	return w.Width / span
}

// ScaleY returns meters per world unit along Y.
func (w World) ScaleY() float64 {
	span := math.Abs(w.BottomRight.Y - w.TopLeft.Y)
	if span == 0 {
		return 1
	}
	return w.Height / span
}

// ToMeters maps a world coordinate onto meters relative to TopLeft.
func (w World) ToMeters(p Point) Point {
	return Point{
		X: (p.X - w.TopLeft.X) * w.ScaleX(),
		Y: (p.Y - w.TopLeft.Y) * w.ScaleY(),
	}
}

// ObstacleKind tags the Obstacle variant.
type ObstacleKind int

const (
	ObstacleRectangle ObstacleKind = iota
	ObstacleCircle
)

func (k ObstacleKind) String() string {
	switch k {
	case ObstacleRectangle:
		return "rectangle"
	case ObstacleCircle:
		return "circle"
	default:
		return "unknown"
	}
}

// Obstacle blocks line of sight. Rectangles use TopLeft/BottomRight,
// circles use Center/Radius. Coordinates are meters.
type Obstacle struct {
	Kind        ObstacleKind
	TopLeft     Point
	BottomRight Point
	Center      Point
	Radius      float64
}

// Rectangle builds a rectangle obstacle.
func Rectangle(a, b Point) Obstacle {
	return Obstacle{Kind: ObstacleRectangle, TopLeft: a, BottomRight: b}
}

// Circle builds a circle obstacle.
func Circle(center Point, radius float64) Obstacle {
	return Obstacle{Kind: ObstacleCircle, Center: center, Radius: radius}
}

// NodeConfig is one node as declared by the scene. Position is in meters.
type NodeConfig struct {
	ID       uint32
	Position Point
	// TxPowerDBm is the radio strength in dBm.
	TxPowerDBm float32
	// EffectiveDistance overrides the computed range when non-zero (meters).
	EffectiveDistance uint32
}

// PathLossParameters configure the log-distance path loss model.
type PathLossParameters struct {
	// PathLossAtReference is PL0 at 1 m, in dB.
	PathLossAtReference float32
	// Exponent is n.
	Exponent float32
	// ShadowingSigma is the shadowing standard deviation in dB.
	ShadowingSigma float32
	// NoiseFloor is the receiver noise floor in dBm.
	NoiseFloor float32
}

// LoraParameters describe the modulation.
type LoraParameters struct {
	SpreadingFactor uint8
	// Bandwidth in Hz.
	Bandwidth uint32
	// CodingRate is 1..4 meaning 4/5..4/8.
	CodingRate      uint8
	PreambleSymbols float32
	CRCEnabled      bool
	// LowDataRateOptimization is the LoRa DE bit.
	LowDataRateOptimization bool
}

// ModuleConfig carries MAC-level timing knobs handed to the protocol stack.
type ModuleConfig struct {
	DelayBetweenTxMs uint32
	TxJitterMs       uint32
	CadRetryMinMs    uint32
	CadRetryMaxMs    uint32
	MaxCadRetries    uint32
	RelayEnabled     bool
}

// Scene is the immutable simulation input.
type Scene struct {
	World                World
	Obstacles            []Obstacle
	Nodes                []NodeConfig
	PathLoss             PathLossParameters
	Lora                 LoraParameters
	Module               ModuleConfig
	BackgroundImage      string
	LinkQualityWeak      uint8
	LinkQualityExcellent uint8
}

// Node returns the node config with the given id.
func (s *Scene) Node(id uint32) (NodeConfig, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeConfig{}, false
}

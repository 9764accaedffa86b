// core/scenario_loader.go
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/signalsfoundry/lora-mesh-simulator/model"
)

var (
	// ErrSceneDecode is returned when the scene file is not valid JSON.
	ErrSceneDecode = errors.New("scene decode failed")
	// ErrSceneInvalid is returned when the scene fails validation.
	ErrSceneInvalid = errors.New("invalid scene")
)

// Scene limits.
const (
	MaxSceneNodes       = 10000
	MinCoordinate       = 0.0
	MaxCoordinate       = 10000.0
	MinRadioStrengthDBm = -50
	MaxRadioStrengthDBm = 50
	MaxLinkQuality      = 63
)

// Defaults applied when the scene omits a parameter block or field.
const (
	DefaultSpreadingFactor      uint8   = 7
	DefaultBandwidthHz          uint32  = 125000
	DefaultCodingRate           uint8   = 1
	DefaultPreambleSymbols      float32 = 8
	DefaultPathLossAtReference  float32 = 40
	DefaultPathLossExponent     float32 = 2.7
	DefaultNoiseFloorDBm        float32 = -120
	DefaultDelayBetweenTxMs     uint32  = 100
	DefaultTxJitterMs           uint32  = 200
	DefaultCadRetryMinMs        uint32  = 50
	DefaultCadRetryMaxMs        uint32  = 250
	DefaultMaxCadRetries        uint32  = 8
	DefaultLinkQualityWeak      uint8   = 10
	DefaultLinkQualityExcellent uint8   = 40
)

// internal JSON shapes, unexported so the file format can evolve separately
// from model.Scene.
type sceneJSON struct {
	WorldTopLeft     *pointJSON     `json:"world_top_left"`
	WorldBottomRight *pointJSON     `json:"world_bottom_right"`
	Width            float64        `json:"width"`
	Height           float64        `json:"height"`
	Nodes            []nodeJSON     `json:"nodes"`
	Obstacles        []obstacleJSON `json:"obstacles"`
	PathLoss         *pathLossJSON  `json:"path_loss_parameters"`
	Lora             *loraJSON      `json:"lora_parameters"`
	Module           *moduleJSON    `json:"radio_module_config"`
	BackgroundImage  string         `json:"background_image"`
	WeakThreshold    *uint8         `json:"link_quality_weak_threshold"`
	ExcellentThresh  *uint8         `json:"link_quality_excellent_threshold"`
}

type pointJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type nodeJSON struct {
	NodeID            *uint32    `json:"node_id"`
	Position          *pointJSON `json:"position"`
	RadioStrength     float32    `json:"radio_strength"`
	EffectiveDistance *uint32    `json:"effective_distance"`
}

type obstacleJSON struct {
	Type        string     `json:"type"`
	TopLeft     *pointJSON `json:"top-left-position"`
	BottomRight *pointJSON `json:"bottom-right-position"`
	Center      *pointJSON `json:"center_position"`
	Radius      float64    `json:"radius"`
}

type pathLossJSON struct {
	PathLossAtReference *float32 `json:"path_loss_at_reference_distance"`
	Exponent            *float32 `json:"path_loss_exponent"`
	ShadowingSigma      *float32 `json:"shadowing_sigma"`
	NoiseFloor          *float32 `json:"noise_floor"`
}

type loraJSON struct {
	SpreadingFactor *uint8   `json:"spreading_factor"`
	Bandwidth       *uint32  `json:"bandwidth"`
	CodingRate      *uint8   `json:"coding_rate"`
	PreambleLength  *float32 `json:"preamble_length"`
	CRCEnabled      *bool    `json:"crc_enabled"`
	LowDataRate     *bool    `json:"low_data_rate_optimization"`
}

type moduleJSON struct {
	DelayBetweenTxMs *uint32 `json:"delay_between_tx_ms"`
	TxJitterMs       *uint32 `json:"tx_random_delay_ms"`
	CadRetryMinMs    *uint32 `json:"cad_retry_min_ms"`
	CadRetryMaxMs    *uint32 `json:"cad_retry_max_ms"`
	MaxCadRetries    *uint32 `json:"max_cad_retries"`
	RelayEnabled     *bool   `json:"relay_enabled"`
}

// LoadSceneFile opens path and decodes it with LoadScene.
func LoadSceneFile(path string) (*model.Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadSceneFile: %w", err)
	}
	defer f.Close()
	return LoadScene(f)
}

// LoadScene decodes a JSON scene from r, validates it and returns the scene
// with every coordinate converted to meters. Validation stops at the first
// violation; the error wraps ErrSceneInvalid and names the offending field.
func LoadScene(r io.Reader) (*model.Scene, error) {
	var payload sceneJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScene: %w: %v", ErrSceneDecode, err)
	}
	if err := validateScene(&payload); err != nil {
		return nil, fmt.Errorf("LoadScene: %w", err)
	}
	return buildScene(&payload), nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSceneInvalid, fmt.Sprintf(format, args...))
}

func inBounds(p pointJSON) bool {
	return p.X >= MinCoordinate && p.X <= MaxCoordinate &&
		p.Y >= MinCoordinate && p.Y <= MaxCoordinate
}

func validateScene(s *sceneJSON) error {
	// 1) World
	if s.WorldTopLeft == nil || s.WorldBottomRight == nil {
		return invalid("world_top_left and world_bottom_right are required")
	}
	if !inBounds(*s.WorldTopLeft) || !inBounds(*s.WorldBottomRight) {
		return invalid("world corners outside [%v, %v]", MinCoordinate, MaxCoordinate)
	}
	if s.WorldTopLeft.X == s.WorldBottomRight.X || s.WorldTopLeft.Y == s.WorldBottomRight.Y {
		return invalid("world rectangle is degenerate")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return invalid("width and height must be positive")
	}

	// 2) Nodes
	if len(s.Nodes) == 0 {
		return invalid("scene has no nodes")
	}
	if len(s.Nodes) > MaxSceneNodes {
		return invalid("scene has %d nodes, max %d", len(s.Nodes), MaxSceneNodes)
	}
	seen := make(map[uint32]struct{}, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.NodeID == nil {
			return invalid("nodes[%d]: node_id is required", i)
		}
		id := *n.NodeID
		if _, dup := seen[id]; dup {
			return invalid("node %d: duplicate node_id", id)
		}
		seen[id] = struct{}{}
		if n.Position == nil {
			return invalid("node %d: position is required", id)
		}
		if !inBounds(*n.Position) {
			return invalid("node %d: position (%v, %v) outside [%v, %v]",
				id, n.Position.X, n.Position.Y, MinCoordinate, MaxCoordinate)
		}
		if n.RadioStrength < MinRadioStrengthDBm || n.RadioStrength > MaxRadioStrengthDBm {
			return invalid("node %d: radio_strength %v dBm outside [%d, %d]",
				id, n.RadioStrength, MinRadioStrengthDBm, MaxRadioStrengthDBm)
		}
	}

	// 3) Obstacles
	for i, o := range s.Obstacles {
		switch strings.ToLower(strings.TrimSpace(o.Type)) {
		case "rectangle":
			if o.TopLeft == nil || o.BottomRight == nil {
				return invalid("obstacles[%d]: rectangle needs both corners", i)
			}
			if !inBounds(*o.TopLeft) || !inBounds(*o.BottomRight) {
				return invalid("obstacles[%d]: rectangle outside [%v, %v]", i, MinCoordinate, MaxCoordinate)
			}
			if o.TopLeft.X == o.BottomRight.X || o.TopLeft.Y == o.BottomRight.Y {
				return invalid("obstacles[%d]: degenerate rectangle", i)
			}
		case "circle":
			if o.Center == nil {
				return invalid("obstacles[%d]: circle needs center_position", i)
			}
			if o.Radius <= 0 {
				return invalid("obstacles[%d]: circle radius must be positive", i)
			}
			c := *o.Center
			if c.X-o.Radius < MinCoordinate || c.X+o.Radius > MaxCoordinate ||
				c.Y-o.Radius < MinCoordinate || c.Y+o.Radius > MaxCoordinate {
				return invalid("obstacles[%d]: circle outside [%v, %v]", i, MinCoordinate, MaxCoordinate)
			}
		default:
			return invalid("obstacles[%d]: unknown type %q", i, o.Type)
		}
	}

	// 4) Radio parameters
	if pl := s.PathLoss; pl != nil {
		if pl.Exponent != nil && *pl.Exponent <= 0 {
			return invalid("path_loss_exponent must be positive")
		}
		if pl.ShadowingSigma != nil && *pl.ShadowingSigma < 0 {
			return invalid("shadowing_sigma must not be negative")
		}
	}
	if l := s.Lora; l != nil {
		if l.SpreadingFactor != nil && (*l.SpreadingFactor < 5 || *l.SpreadingFactor > 12) {
			return invalid("spreading_factor %d outside [5, 12]", *l.SpreadingFactor)
		}
		if l.Bandwidth != nil && *l.Bandwidth == 0 {
			return invalid("bandwidth must not be zero")
		}
		if l.CodingRate != nil && (*l.CodingRate < 1 || *l.CodingRate > 4) {
			return invalid("coding_rate %d outside [1, 4]", *l.CodingRate)
		}
		if l.PreambleLength != nil && *l.PreambleLength < 0 {
			return invalid("preamble_length must not be negative")
		}
	}
	if m := s.Module; m != nil && m.CadRetryMinMs != nil && m.CadRetryMaxMs != nil &&
		*m.CadRetryMinMs > *m.CadRetryMaxMs {
		return invalid("cad_retry_min_ms is larger than cad_retry_max_ms")
	}

	// 5) Link quality limits
	weak, excellent := DefaultLinkQualityWeak, DefaultLinkQualityExcellent
	if s.WeakThreshold != nil {
		weak = *s.WeakThreshold
	}
	if s.ExcellentThresh != nil {
		excellent = *s.ExcellentThresh
	}
	if weak > MaxLinkQuality || excellent > MaxLinkQuality {
		return invalid("link quality thresholds must be at most %d", MaxLinkQuality)
	}
	if weak >= excellent {
		return invalid("link_quality_weak_threshold %d must be below excellent %d", weak, excellent)
	}
	return nil
}

func buildScene(s *sceneJSON) *model.Scene {
	world := model.World{
		TopLeft:     model.Point{X: s.WorldTopLeft.X, Y: s.WorldTopLeft.Y},
		BottomRight: model.Point{X: s.WorldBottomRight.X, Y: s.WorldBottomRight.Y},
		Width:       s.Width,
		Height:      s.Height,
	}
	toMeters := func(p pointJSON) model.Point {
		return world.ToMeters(model.Point{X: p.X, Y: p.Y})
	}

	scene := &model.Scene{
		World:           world,
		PathLoss:        pathLossFromJSON(s.PathLoss),
		Lora:            loraFromJSON(s.Lora),
		Module:          moduleFromJSON(s.Module),
		BackgroundImage: s.BackgroundImage,

		LinkQualityWeak:      DefaultLinkQualityWeak,
		LinkQualityExcellent: DefaultLinkQualityExcellent,
	}
	if s.WeakThreshold != nil {
		scene.LinkQualityWeak = *s.WeakThreshold
	}
	if s.ExcellentThresh != nil {
		scene.LinkQualityExcellent = *s.ExcellentThresh
	}

	// Obstacles are scaled per axis; circle radii use the mean scale.
	radiusScale := (world.ScaleX() + world.ScaleY()) / 2
	for _, o := range s.Obstacles {
		if strings.EqualFold(strings.TrimSpace(o.Type), "circle") {
			scene.Obstacles = append(scene.Obstacles, model.Circle(toMeters(*o.Center), o.Radius*radiusScale))
			continue
		}
		scene.Obstacles = append(scene.Obstacles, model.Rectangle(toMeters(*o.TopLeft), toMeters(*o.BottomRight)))
	}

	for _, n := range s.Nodes {
		cfg := model.NodeConfig{
			ID:         *n.NodeID,
			Position:   toMeters(*n.Position),
			TxPowerDBm: n.RadioStrength,
		}
		if n.EffectiveDistance != nil {
			cfg.EffectiveDistance = *n.EffectiveDistance
		}
		scene.Nodes = append(scene.Nodes, cfg)
	}
	return scene
}

func pathLossFromJSON(j *pathLossJSON) model.PathLossParameters {
	p := model.PathLossParameters{
		PathLossAtReference: DefaultPathLossAtReference,
		Exponent:            DefaultPathLossExponent,
		NoiseFloor:          DefaultNoiseFloorDBm,
	}
	if j == nil {
		return p
	}
	if j.PathLossAtReference != nil {
		p.PathLossAtReference = *j.PathLossAtReference
	}
	if j.Exponent != nil {
		p.Exponent = *j.Exponent
	}
	if j.ShadowingSigma != nil {
		p.ShadowingSigma = *j.ShadowingSigma
	}
	if j.NoiseFloor != nil {
		p.NoiseFloor = *j.NoiseFloor
	}
	return p
}

func loraFromJSON(j *loraJSON) model.LoraParameters {
	p := model.LoraParameters{
		SpreadingFactor: DefaultSpreadingFactor,
		Bandwidth:       DefaultBandwidthHz,
		CodingRate:      DefaultCodingRate,
		PreambleSymbols: DefaultPreambleSymbols,
		CRCEnabled:      true,
	}
	var ldro *bool
	if j != nil {
		if j.SpreadingFactor != nil {
			p.SpreadingFactor = *j.SpreadingFactor
		}
		if j.Bandwidth != nil {
			p.Bandwidth = *j.Bandwidth
		}
		if j.CodingRate != nil {
			p.CodingRate = *j.CodingRate
		}
		if j.PreambleLength != nil {
			p.PreambleSymbols = *j.PreambleLength
		}
		if j.CRCEnabled != nil {
			p.CRCEnabled = *j.CRCEnabled
		}
		ldro = j.LowDataRate
	}
	if ldro != nil {
		p.LowDataRateOptimization = *ldro
	} else {
		p.LowDataRateOptimization = p.SpreadingFactor >= 11 && p.Bandwidth <= DefaultBandwidthHz
	}
	return p
}

func moduleFromJSON(j *moduleJSON) model.ModuleConfig {
	m := model.ModuleConfig{
		DelayBetweenTxMs: DefaultDelayBetweenTxMs,
		TxJitterMs:       DefaultTxJitterMs,
		CadRetryMinMs:    DefaultCadRetryMinMs,
		CadRetryMaxMs:    DefaultCadRetryMaxMs,
		MaxCadRetries:    DefaultMaxCadRetries,
		RelayEnabled:     true,
	}
	if j == nil {
		return m
	}
	if j.DelayBetweenTxMs != nil {
		m.DelayBetweenTxMs = *j.DelayBetweenTxMs
	}
	if j.TxJitterMs != nil {
		m.TxJitterMs = *j.TxJitterMs
	}
	if j.CadRetryMinMs != nil {
		m.CadRetryMinMs = *j.CadRetryMinMs
	}
	if j.CadRetryMaxMs != nil {
		m.CadRetryMaxMs = *j.CadRetryMaxMs
	}
	if j.MaxCadRetries != nil {
		m.MaxCadRetries = *j.MaxCadRetries
	}
	if j.RelayEnabled != nil {
		m.RelayEnabled = *j.RelayEnabled
	}
	return m
}

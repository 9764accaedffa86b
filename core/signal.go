package core

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/model"
	"gonum.org/v1/gonum/stat/distuv"
)

// CaptureThresholdDB is the power margin a packet needs over an overlapping
// one to survive it.
const CaptureThresholdDB float32 = 6

// defaultSNRThreshold applies to spreading factors outside 5..12.
const defaultSNRThreshold float32 = -20

var snrThresholds = map[uint8]float32{
	5:  -2.5,
	6:  -5,
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}

// SNRThreshold returns the minimum SINR in dB needed to decode at sf.
func SNRThreshold(sf uint8) float32 {
	if v, ok := snrThresholds[sf]; ok {
		return v
	}
	return defaultSNRThreshold
}

// Sensitivity returns the receive sensitivity in dBm.
func Sensitivity(noiseFloor float32, sf uint8) float32 {
	return noiseFloor + SNRThreshold(sf)
}

// DeterministicPathLoss returns PL(d) without shadowing.
func DeterministicPathLoss(d float32, p model.PathLossParameters) float32 {
	if d < 1 {
		return p.PathLossAtReference
	}
	return p.PathLossAtReference + 10*p.Exponent*float32(math.Log10(float64(d)))
}

// EffectiveDistance inverts the path loss equation at the receive
// sensitivity: it is the range at which a transmission at txPower still
// reaches the SNR threshold with no shadowing. It returns 0 when the link
// budget is not positive.
func EffectiveDistance(txPower float32, p model.PathLossParameters, sf uint8) float32 {
	budget := txPower - Sensitivity(p.NoiseFloor, sf)
	if budget <= 0 || p.Exponent <= 0 {
		return 0
	}
	exp := float64(budget-p.PathLossAtReference) / (10 * float64(p.Exponent))
	return float32(math.Pow(10, exp))
}

// DBmToMilliwatts converts a power level from dBm to mW.
func DBmToMilliwatts(dbm float32) float64 {
	return math.Pow(10, float64(dbm)/10)
}

// MilliwattsToDBm converts a power level from mW to dBm.
func MilliwattsToDBm(mw float64) float32 {
	return float32(10 * math.Log10(mw))
}

// SignalModel evaluates the scene's propagation and modulation parameters.
// PathLoss draws a fresh shadowing sample on every call; everything else is
// deterministic. A SignalModel is not safe for concurrent use.
type SignalModel struct {
	PathLossParams model.PathLossParameters
	Lora           model.LoraParameters

	shadowing distuv.Normal
}

// NewSignalModel builds a model. src seeds the shadowing sampler; nil uses
// the global math/rand/v2 source.
func NewSignalModel(pl model.PathLossParameters, lora model.LoraParameters, src rand.Source) *SignalModel {
	return &SignalModel{
		PathLossParams: pl,
		Lora:           lora,
		shadowing: distuv.Normal{
			Mu:    0,
			Sigma: float64(pl.ShadowingSigma),
			Src:   src,
		},
	}
}

// PathLoss samples PL(d) = PL0 + 10 n log10(d) + X with X ~ N(0, sigma).
// Distances below 1 m return PL0.
func (m *SignalModel) PathLoss(d float32) float32 {
	if d < 1 {
		return m.PathLossParams.PathLossAtReference
	}
	pl := DeterministicPathLoss(d, m.PathLossParams)
	if m.PathLossParams.ShadowingSigma > 0 {
		pl += float32(m.shadowing.Rand())
	}
	return pl
}

// RSSI returns the received power in dBm at distance d.
func (m *SignalModel) RSSI(d float32, txPower float32) float32 {
	return txPower - m.PathLoss(d)
}

// SNRThreshold returns the decode threshold for the configured SF.
func (m *SignalModel) SNRThreshold() float32 {
	return SNRThreshold(m.Lora.SpreadingFactor)
}

// Sensitivity returns the receive sensitivity for the configured SF.
func (m *SignalModel) Sensitivity() float32 {
	return Sensitivity(m.PathLossParams.NoiseFloor, m.Lora.SpreadingFactor)
}

// NoiseFloor returns the configured noise floor in dBm.
func (m *SignalModel) NoiseFloor() float32 {
	return m.PathLossParams.NoiseFloor
}

// EffectiveDistance returns the deterministic range for txPower.
func (m *SignalModel) EffectiveDistance(txPower float32) float32 {
	return EffectiveDistance(txPower, m.PathLossParams, m.Lora.SpreadingFactor)
}

// Airtime returns the on-air duration of a frame of length bytes.
func (m *SignalModel) Airtime(length int) time.Duration {
	return Airtime(length, m.Lora)
}

// CadDuration returns the channel activity detection duration.
func (m *SignalModel) CadDuration() time.Duration {
	return CadDuration(m.Lora)
}

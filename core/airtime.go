package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/model"
)

// SymbolTime returns T_sym = 2^SF / BW in seconds.
func SymbolTime(sf uint8, bandwidthHz uint32) float64 {
	if bandwidthHz == 0 {
		return 0
	}
	return math.Exp2(float64(sf)) / float64(bandwidthHz)
}

// PreambleTime returns (N_preamble + 4.25) * T_sym in seconds.
func PreambleTime(p model.LoraParameters) float64 {
	return (float64(p.PreambleSymbols) + 4.25) * SymbolTime(p.SpreadingFactor, p.Bandwidth)
}

// PayloadSymbols returns the LoRa payload symbol count for length bytes.
// The implicit header bit is always 0.
func PayloadSymbols(length int, p model.LoraParameters) float64 {
	sf := float64(p.SpreadingFactor)
	crc := 0.0
	if p.CRCEnabled {
		crc = 1
	}
	de := 0.0
	if p.LowDataRateOptimization {
		de = 1
	}
	const ih = 0.0

	den := 4 * (sf - 2*de)
	if den <= 0 {
		return 8
	}
	num := 8*float64(length) - 4*sf + 28 + 16*crc - 20*ih
	blocks := math.Max(math.Ceil(num/den), 0)
	return 8 + blocks*float64(p.CodingRate+4)
}

// Airtime returns preamble time plus payload symbols times T_sym.
func Airtime(length int, p model.LoraParameters) time.Duration {
	tsym := SymbolTime(p.SpreadingFactor, p.Bandwidth)
	secs := PreambleTime(p) + PayloadSymbols(length, p)*tsym
	return time.Duration(secs * float64(time.Second))
}

// CadDuration returns 2 * T_sym.
func CadDuration(p model.LoraParameters) time.Duration {
	secs := 2 * SymbolTime(p.SpreadingFactor, p.Bandwidth)
	return time.Duration(secs * float64(time.Second))
}

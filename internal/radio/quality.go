package radio

// Link quality curve bounds.
const (
	MaxLinkQuality uint8 = 63

	qualityRSSIMin float32 = -130
	qualityRSSIMax float32 = -60
	qualitySINRMin float32 = -20
	qualitySINRMax float32 = 10
)

// LinkQuality maps RSSI (dBm) and SINR (dB) onto 0..63. Each input is
// scaled linearly over its range and the weaker of the two wins.
func LinkQuality(rssi, sinr float32) uint8 {
	return min(scaleQuality(rssi, qualityRSSIMin, qualityRSSIMax), scaleQuality(sinr, qualitySINRMin, qualitySINRMax))
}

func scaleQuality(v, lo, hi float32) uint8 {
	if v <= lo {
		return 0
	}
	if v >= hi {
		return MaxLinkQuality
	}
	return uint8((v - lo) / (hi - lo) * float32(MaxLinkQuality))
}

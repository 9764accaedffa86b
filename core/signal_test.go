package core

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/model"
)

func defaultLora() model.LoraParameters {
	return model.LoraParameters{
		SpreadingFactor: 7,
		Bandwidth:       125000,
		CodingRate:      1,
		PreambleSymbols: 8,
		CRCEnabled:      true,
	}
}

func defaultPathLoss() model.PathLossParameters {
	return model.PathLossParameters{
		PathLossAtReference: 40,
		Exponent:            2.0,
		NoiseFloor:          -120,
	}
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestSNRThresholdTable(t *testing.T) {
	want := map[uint8]float32{7: -7.5, 8: -10, 9: -12.5, 10: -15, 11: -17.5, 12: -20}
	for sf, w := range want {
		if got := SNRThreshold(sf); !approx(float64(got), float64(w), 0.01) {
			t.Errorf("SNRThreshold(%d) = %v, want %v", sf, got, w)
		}
	}
	if got := SNRThreshold(4); got != -20 {
		t.Errorf("SNRThreshold(4) = %v, want default -20", got)
	}
	if got := SNRThreshold(13); got != -20 {
		t.Errorf("SNRThreshold(13) = %v, want default -20", got)
	}
}

func TestSensitivity(t *testing.T) {
	if got := Sensitivity(-120, 7); got != -127.5 {
		t.Fatalf("Sensitivity(-120, 7) = %v, want -127.5", got)
	}
}

func TestRSSI_DeterministicWithoutShadowing(t *testing.T) {
	m := NewSignalModel(defaultPathLoss(), defaultLora(), rand.NewPCG(1, 2))

	if got := m.RSSI(0, 10); got != -30 {
		t.Fatalf("RSSI(0) = %v, want P_tx - PL0 = -30", got)
	}
	if a, b := m.RSSI(20, 10), m.RSSI(20, 10); a != b {
		t.Fatalf("RSSI not deterministic with sigma=0: %v vs %v", a, b)
	}

	prev := m.RSSI(1.5, 10)
	for d := float32(2); d < 5000; d *= 1.5 {
		cur := m.RSSI(d, 10)
		if cur >= prev {
			t.Fatalf("RSSI(%v) = %v not below RSSI at shorter distance %v", d, cur, prev)
		}
		prev = cur
	}
}

func TestPathLoss_ShadowingSampled(t *testing.T) {
	pl := defaultPathLoss()
	pl.ShadowingSigma = 6
	m := NewSignalModel(pl, defaultLora(), rand.NewPCG(42, 7))

	base := DeterministicPathLoss(100, pl)
	var sum float64
	distinct := false
	const n = 2000
	first := m.PathLoss(100)
	for i := 0; i < n; i++ {
		v := m.PathLoss(100)
		if v != first {
			distinct = true
		}
		sum += float64(v - base)
	}
	if !distinct {
		t.Fatalf("expected shadowing to vary path loss")
	}
	if mean := sum / n; math.Abs(mean) > 1 {
		t.Fatalf("shadowing mean = %v, want close to 0", mean)
	}
	if got := m.PathLoss(0.5); got != pl.PathLossAtReference {
		t.Fatalf("PathLoss below 1 m = %v, want PL0 without shadowing", got)
	}
}

func TestEffectiveDistance(t *testing.T) {
	pl := defaultPathLoss()

	// budget = 10 - (-127.5) = 137.5 dB; (137.5 - 40) / 20 = 4.875
	want := math.Pow(10, 4.875)
	if got := EffectiveDistance(10, pl, 7); !approx(float64(got), want, want*1e-4) {
		t.Fatalf("EffectiveDistance = %v, want %v", got, want)
	}

	prev := float32(0)
	for p := float32(-50); p <= 50; p += 0.5 {
		d := EffectiveDistance(p, pl, 7)
		if d < prev {
			t.Fatalf("EffectiveDistance decreased at %v dBm: %v < %v", p, d, prev)
		}
		if d <= 0 && p-Sensitivity(pl.NoiseFloor, 7) > 0 {
			t.Fatalf("EffectiveDistance(%v) = %v with positive budget", p, d)
		}
		prev = d
	}

	pl.NoiseFloor = 0
	if got := EffectiveDistance(-20, pl, 7); got != 0 {
		t.Fatalf("EffectiveDistance with negative budget = %v, want 0", got)
	}
}

func TestDBmRoundTrip(t *testing.T) {
	for x := float32(-100); x <= 10; x += 0.25 {
		got := MilliwattsToDBm(DBmToMilliwatts(x))
		if !approx(float64(got), float64(x), 1e-5) {
			t.Fatalf("round trip %v -> %v", x, got)
		}
	}
	if got := DBmToMilliwatts(0); got != 1 {
		t.Fatalf("DBmToMilliwatts(0) = %v, want 1", got)
	}
}

func TestPreambleAndCadDuration(t *testing.T) {
	lora := defaultLora()

	pre := time.Duration(PreambleTime(lora) * float64(time.Second))
	if d := pre - 12544*time.Microsecond; d < -300*time.Microsecond || d > 300*time.Microsecond {
		t.Fatalf("preamble = %v, want ~12.544ms", pre)
	}

	cad := CadDuration(lora)
	if d := cad - 2048*time.Microsecond; d < -200*time.Microsecond || d > 200*time.Microsecond {
		t.Fatalf("cad = %v, want ~2.048ms", cad)
	}
}

func TestAirtimeMonotonic(t *testing.T) {
	lora := defaultLora()

	// Payload symbols grow in blocks, so airtime is non-decreasing per byte
	// and strictly larger across one block.
	prev := Airtime(1, lora)
	for n := 2; n <= 255; n++ {
		cur := Airtime(n, lora)
		if cur < prev {
			t.Fatalf("Airtime(%d) = %v < Airtime(%d) = %v", n, cur, n-1, prev)
		}
		if Airtime(n+4, lora) <= cur {
			t.Fatalf("Airtime(%d) not above Airtime(%d)", n+4, n)
		}
		prev = cur
	}

	for _, length := range []int{10, 50, 200} {
		prev := time.Duration(0)
		for sf := uint8(5); sf <= 12; sf++ {
			l := lora
			l.SpreadingFactor = sf
			l.LowDataRateOptimization = sf >= 11
			cur := Airtime(length, l)
			if cur <= prev {
				t.Fatalf("Airtime(%d, SF%d) = %v not above SF%d %v", length, sf, cur, sf-1, prev)
			}
			prev = cur
		}
	}
}

func TestAirtimeKnownValue(t *testing.T) {
	// SF7/125kHz/CR4:5/8 symbols/CRC: 50 bytes = 12.544ms + 83 symbols * 1.024ms.
	lora := defaultLora()
	if got := PayloadSymbols(50, lora); got != 83 {
		t.Fatalf("PayloadSymbols(50) = %v, want 83", got)
	}
	want := 12544*time.Microsecond + 83*1024*time.Microsecond
	if got := Airtime(50, lora); !approx(float64(got), float64(want), float64(time.Microsecond)) {
		t.Fatalf("Airtime(50) = %v, want %v", got, want)
	}
}

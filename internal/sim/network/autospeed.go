package network

import (
	"context"
	"time"

	"github.com/signalsfoundry/lora-mesh-simulator/internal/logging"
	"github.com/signalsfoundry/lora-mesh-simulator/internal/ui"
	"github.com/signalsfoundry/lora-mesh-simulator/timectrl"
)

// Auto-speed controller tuning.
const (
	autoSpeedTargetLag = 8 * time.Millisecond
	autoSpeedWarnLag   = 10 * time.Millisecond
	autoSpeedUpSamples = 6
	autoSpeedFloor     = 20
)

type autoSpeed struct {
	enabled   bool
	upCount   int
	warningMs uint32
}

// observeLag measures how late the deadline scheduled for at fired in real
// time and feeds the controller.
func (l *Loop) observeLag(ctx context.Context, at timectrl.Instant) {
	lag := time.Since(l.clock.RealTimeOf(at))
	l.metrics.ObserveDeadlineLag(lag)
	l.adjustSpeed(ctx, lag)
}

// adjustSpeed nudges the clock speed up after a run of punctual deadlines
// and down on every late one. Lags above autoSpeedWarnLag raise a UI
// warning that clears once deadlines are punctual again.
func (l *Loop) adjustSpeed(ctx context.Context, lag time.Duration) {
	if !l.auto.enabled {
		return
	}

	speed := l.clock.SpeedPercent()
	switch {
	case lag < autoSpeedTargetLag:
		l.auto.upCount++
		if l.auto.upCount >= autoSpeedUpSamples {
			l.auto.upCount = 0
			if speed < timectrl.MaxSpeedPercent {
				l.setSpeed(ctx, speed+1)
			}
		}
	case lag > autoSpeedTargetLag:
		if speed > autoSpeedFloor {
			l.setSpeed(ctx, speed-1)
		}
	}

	var warning uint32
	if lag > autoSpeedWarnLag {
		warning = uint32(lag.Milliseconds())
	}
	if warning != l.auto.warningMs {
		l.auto.warningMs = warning
		l.emit(ui.SimulationDelayWarningChanged{DelayMs: warning})
	}
}

func (l *Loop) setSpeed(ctx context.Context, percent uint32) {
	applied := l.clock.SetSpeedPercent(percent)
	l.metrics.SetSpeedPercent(applied)
	l.emit(ui.SimulationSpeedChanged{Percent: applied})
	l.log.Debug(ctx, "simulation speed changed", logging.Uint32("speed_percent", applied))
}

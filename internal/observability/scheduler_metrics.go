package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SetSpeedPercent updates the virtual clock speed gauge.
func (c *SimulationCollector) SetSpeedPercent(percent uint32) {
	if c == nil || c.SimulationSpeed == nil {
		return
	}
	c.SimulationSpeed.Set(float64(percent))
}

// ObserveDeadlineLag records how late a virtual deadline fired in real time.
// Negative lags are recorded as zero.
func (c *SimulationCollector) ObserveDeadlineLag(d time.Duration) {
	if c == nil || c.DeadlineLag == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	c.DeadlineLag.Observe(d.Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

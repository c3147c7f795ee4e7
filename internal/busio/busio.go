// Package busio opens the I2C bus the fan controller sits on.
package busio

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"emcfan/internal/emc2305sim"
	"emcfan/internal/i2c"
)

// Bus is an I2C bus in the tinygo drivers.I2C shape that can be closed.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
	Close() error
}

const (
	BackendI2CDev = "i2cdev"
	BackendPeriph = "periph"
	BackendSim    = "sim"
)

type Config struct {
	// Backend is one of i2cdev (default), periph or sim.
	Backend string
	// Path is the adapter: /dev/i2c-N for i2cdev, a periph bus name or
	// number for periph. Empty selects /dev/i2c-1 or periph's first bus.
	Path string

	// Retries is the number of extra attempts per transaction.
	Retries  int
	RetryMin time.Duration
	RetryMax time.Duration

	// SimAddress and SimMaxRPM configure the simulated device.
	SimAddress uint16
	SimMaxRPM  float64
}

var (
	openI2CDevFn = openI2CDev
	openPeriphFn = openPeriph
)

// Open returns the configured bus, wrapped with retries when Retries > 0.
func Open(cfg Config) (Bus, error) {
	var (
		b   Bus
		err error
	)
	switch cfg.Backend {
	case "", BackendI2CDev:
		b, err = openI2CDevFn(cfg.Path)
	case BackendPeriph:
		b, err = openPeriphFn(cfg.Path)
	case BackendSim:
		b = openSim(cfg.SimAddress, cfg.SimMaxRPM)
	default:
		return nil, fmt.Errorf("busio: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Retries > 0 {
		b = WithRetry(b, cfg.Retries, cfg.RetryMin, cfg.RetryMax)
	}
	return b, nil
}

func openI2CDev(path string) (Bus, error) {
	if path == "" {
		path = "/dev/i2c-1"
	}
	b, err := i2c.Open(path)
	if err != nil {
		return nil, fmt.Errorf("busio: open %s: %w", path, err)
	}
	return b, nil
}

func openPeriph(name string) (Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("busio: periph host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("busio: periph open %q: %w", name, err)
	}
	return b, nil
}

type simBus struct {
	*emc2305sim.Device
}

func (simBus) Close() error { return nil }

func openSim(addr uint16, maxRPM float64) Bus {
	if addr == 0 {
		addr = 0x2C
	}
	if maxRPM <= 0 {
		maxRPM = 3000
	}
	return simBus{emc2305sim.New(addr, emc2305sim.WithFanModel(maxRPM))}
}

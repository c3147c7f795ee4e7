package emc2305

import (
	"errors"
	"fmt"
	"sort"

	"tinygo.org/x/drivers"
)

// FanConfig is the validated per-channel configuration.
type FanConfig struct {
	Index      int
	Name       string
	Mode       Mode
	RPMSensor  bool
	MinRPM     int
	TachMode   TachMode
	PWMDivider int
	OutputID   string
	Invert     bool
	OpenDrain  bool
}

// DefaultFanConfig returns a sensor channel with the documented defaults.
func DefaultFanConfig(index int, name string) FanConfig {
	return FanConfig{
		Index:      index,
		Name:       name,
		Mode:       ModeSensor,
		RPMSensor:  true,
		MinRPM:     MinRPMDefault,
		TachMode:   TachModeDefault,
		PWMDivider: PWMDividerDefault,
	}
}

// Config describes one device and its channels.
type Config struct {
	Address uint16
	PWMBase PWMBase
	Fans    []FanConfig
}

// Validate checks every range invariant up front so that Build either
// succeeds or fails before touching the bus.
func (c Config) Validate() error {
	if c.Address > 0x7F {
		return fmt.Errorf("%w: address 0x%X is not a 7-bit address", ErrConfiguration, c.Address)
	}
	if len(c.Fans) > MaxFans {
		return fmt.Errorf("%w: %d fans configured, max %d", ErrConfiguration, len(c.Fans), MaxFans)
	}
	seen := make(map[int]bool, len(c.Fans))
	outputs := make(map[string]int)
	var errs []error
	for _, f := range c.Fans {
		if f.Index < 1 || f.Index > MaxFans {
			errs = append(errs, channelErr(f.Index, "validate", ErrInvalidChannel))
			continue
		}
		if seen[f.Index] {
			errs = append(errs, channelErr(f.Index, "validate", ErrDuplicateChannel))
			continue
		}
		seen[f.Index] = true
		if f.Name == "" {
			errs = append(errs, channelErr(f.Index, "validate", fmt.Errorf("%w: name is required", ErrConfiguration)))
		}
		if f.MinRPM <= 0 {
			errs = append(errs, channelErr(f.Index, "validate", fmt.Errorf("%w: min rpm must be > 0", ErrConfiguration)))
		}
		if f.PWMDivider < 1 || f.PWMDivider > 255 {
			errs = append(errs, channelErr(f.Index, "validate", fmt.Errorf("%w: pwm divider must be in [1,255]", ErrConfiguration)))
		}
		if f.TachMode > Tach4Pulse {
			errs = append(errs, channelErr(f.Index, "validate", fmt.Errorf("%w: invalid tach mode", ErrConfiguration)))
		}
		if f.Mode == ModeOutput {
			if f.OutputID == "" {
				errs = append(errs, channelErr(f.Index, "validate", fmt.Errorf("%w: output id is required", ErrConfiguration)))
			} else if other, ok := outputs[f.OutputID]; ok {
				errs = append(errs, channelErr(f.Index, "validate", fmt.Errorf("%w: output id %q already used by fan%d", ErrConfiguration, f.OutputID, other)))
			} else {
				outputs[f.OutputID] = f.Index
			}
		}
	}
	return errors.Join(errs...)
}

// Build validates cfg, creates every channel, initializes the device and
// configures each channel. sink, if non-nil, is attached to every channel
// with its RPM sensor enabled.
func Build(bus drivers.I2C, cfg Config, sink RPMSink) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fans := append([]FanConfig(nil), cfg.Fans...)
	sort.Slice(fans, func(i, j int) bool { return fans[i].Index < fans[j].Index })

	d := New(NewTransport(bus, cfg.Address), WithPWMBase(cfg.PWMBase))
	created := make([]*Fan, 0, len(fans))
	for _, fc := range fans {
		opts := []FanOption{
			WithName(fc.Name),
			WithRPMSensor(fc.RPMSensor),
			WithInvertedPWM(fc.Invert),
			WithOpenDrain(fc.OpenDrain),
		}
		if fc.Mode == ModeOutput {
			opts = append(opts, AsOutput(fc.OutputID))
		}
		f, err := d.CreateFan(fc.Index, opts...)
		if err != nil {
			return nil, err
		}
		if sink != nil && fc.Mode == ModeSensor && fc.RPMSensor {
			f.AttachSensor(sink)
		}
		created = append(created, f)
	}

	if err := d.Initialize(); err != nil {
		return nil, err
	}
	for i, f := range created {
		fc := fans[i]
		if err := f.Configure(fc.TachMode, fc.MinRPM, fc.PWMDivider); err != nil {
			return nil, err
		}
	}
	return d, nil
}

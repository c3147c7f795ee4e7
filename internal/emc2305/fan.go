package emc2305

import (
	"fmt"
	"time"
)

// Mode is the capability a fan channel exposes. It is fixed when the channel
// is created.
type Mode uint8

const (
	// ModeSensor channels are polled for RPM and may publish to an RPMSink.
	ModeSensor Mode = iota
	// ModeOutput channels are driven by duty requests addressed by output ID.
	ModeOutput
)

func (m Mode) String() string {
	switch m {
	case ModeSensor:
		return "sensor"
	case ModeOutput:
		return "output"
	default:
		return "unknown"
	}
}

// ParseMode accepts "sensor" or "output". Empty selects sensor.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "sensor":
		return ModeSensor, nil
	case "output":
		return ModeOutput, nil
	}
	return 0, fmt.Errorf("unknown fan mode %q", s)
}

const (
	MinRPMDefault     = 100
	PWMDividerDefault = 1
)

// Reading is one converted tach sample.
type Reading struct {
	Channel int
	Name    string
	Raw     uint16
	RPM     float64
	Stalled bool
	At      time.Time
}

// RPMSink receives readings for channels with an attached RPM sensor.
// PublishRPM is called outside the device lock.
type RPMSink interface {
	PublishRPM(r Reading)
}

// FanOption sets creation-time channel attributes.
type FanOption func(*Fan)

// WithName sets the channel name. Defaults to "fanN".
func WithName(name string) FanOption {
	return func(f *Fan) {
		if name != "" {
			f.name = name
		}
	}
}

// WithRPMSensor enables or disables RPM publication and stall evaluation.
func WithRPMSensor(enabled bool) FanOption {
	return func(f *Fan) { f.rpmSensor = enabled }
}

// AsOutput makes the channel a controlled output registered under id.
func AsOutput(id string) FanOption {
	return func(f *Fan) {
		f.mode = ModeOutput
		f.outputID = id
		f.rpmSensor = false
	}
}

// WithInvertedPWM sets the PWM polarity bit for the channel.
func WithInvertedPWM(invert bool) FanOption {
	return func(f *Fan) { f.invert = invert }
}

// WithOpenDrain selects an open-drain PWM output instead of push-pull.
func WithOpenDrain(openDrain bool) FanOption {
	return func(f *Fan) { f.openDrain = openDrain }
}

// Fan is one PWM/TACH channel of a Device. Runtime fields are guarded by the
// owning Device's lock.
type Fan struct {
	dev   *Device
	index int

	name      string
	mode      Mode
	outputID  string
	rpmSensor bool
	invert    bool
	openDrain bool

	configured bool
	tachMode   TachMode
	minRPM     int
	pwmDivider int
	sink       RPMSink

	duty      float64
	lastRaw   uint16
	lastRPM   float64
	stalled   bool
	lastErr   error
	updatedAt time.Time
}

func (f *Fan) Index() int       { return f.index }
func (f *Fan) Name() string     { return f.name }
func (f *Fan) Mode() Mode       { return f.mode }
func (f *Fan) OutputID() string { return f.outputID }

// Configure applies tach mode, stall threshold and PWM divider and writes the
// channel's PWM Divide and Fan Configuration 1 registers. The channel starts
// at 0% duty. A second call fails with ErrConfiguration.
func (f *Fan) Configure(mode TachMode, minRPM, pwmDivider int) error {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()

	if f.configured {
		return channelErr(f.index, "configure", fmt.Errorf("%w: already configured", ErrConfiguration))
	}
	if mode > Tach4Pulse {
		return channelErr(f.index, "configure", fmt.Errorf("%w: tach mode %d", ErrConfiguration, mode))
	}
	if minRPM <= 0 {
		return channelErr(f.index, "configure", fmt.Errorf("%w: min rpm %d must be > 0", ErrConfiguration, minRPM))
	}
	if pwmDivider < 1 || pwmDivider > 255 {
		return channelErr(f.index, "configure", fmt.Errorf("%w: pwm divider %d not in [1,255]", ErrConfiguration, pwmDivider))
	}

	tr := f.dev.tr
	if err := tr.WriteRegister(fanReg(f.index, offPWMDivide), byte(pwmDivider)); err != nil {
		return channelErr(f.index, "configure", err)
	}
	cfg1 := byte(fanCfgRange500<<fanCfgRangeShift) | byte(mode)<<fanCfgEdgeShift | fanCfgUpdate300ms
	if err := tr.WriteRegister(fanReg(f.index, offFanConfig1), cfg1); err != nil {
		return channelErr(f.index, "configure", err)
	}
	if err := tr.WriteRegister(fanReg(f.index, offFanSetting), 0); err != nil {
		return channelErr(f.index, "configure", err)
	}

	f.tachMode = mode
	f.minRPM = minRPM
	f.pwmDivider = pwmDivider
	f.duty = 0
	f.configured = true
	return nil
}

// AttachSensor sets the sink that receives this channel's readings.
func (f *Fan) AttachSensor(s RPMSink) {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	f.sink = s
}

// RecordTach stores a raw tach count.
func (f *Fan) RecordTach(raw uint16) {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	f.recordTachLocked(raw)
}

// ComputeRPM converts the last recorded count. No edges reads as 0 RPM.
func (f *Fan) ComputeRPM() float64 {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	return f.computeRPMLocked()
}

func (f *Fan) recordTachLocked(raw uint16) {
	f.lastRaw = raw & tachCountMax
}

func (f *Fan) computeRPMLocked() float64 {
	return RawToRPM(f.lastRaw, f.tachMode, f.pwmDivider)
}

// WriteDuty requests a duty fraction for this channel.
func (f *Fan) WriteDuty(fraction float64) error {
	return f.dev.SetDuty(f.index, fraction)
}

// FanState is a copy of a channel's configuration and last sample.
type FanState struct {
	Index      int
	Name       string
	Mode       Mode
	OutputID   string
	RPMSensor  bool
	TachMode   TachMode
	MinRPM     int
	PWMDivider int

	Duty      float64
	Raw       uint16
	RPM       float64
	Stalled   bool
	Err       error
	UpdatedAt time.Time
}

// State returns a consistent copy of the channel.
func (f *Fan) State() FanState {
	f.dev.mu.Lock()
	defer f.dev.mu.Unlock()
	return f.stateLocked()
}

func (f *Fan) stateLocked() FanState {
	return FanState{
		Index:      f.index,
		Name:       f.name,
		Mode:       f.mode,
		OutputID:   f.outputID,
		RPMSensor:  f.rpmSensor,
		TachMode:   f.tachMode,
		MinRPM:     f.minRPM,
		PWMDivider: f.pwmDivider,
		Duty:       f.duty,
		Raw:        f.lastRaw,
		RPM:        f.lastRPM,
		Stalled:    f.stalled,
		Err:        f.lastErr,
		UpdatedAt:  f.updatedAt,
	}
}

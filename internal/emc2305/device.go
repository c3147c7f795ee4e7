package emc2305

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Device is one EMC2305 and its configured fan channels.
//
// All register traffic goes through a single lock: the IC has one register
// file and the two-byte tach read is not atomic.
type Device struct {
	mu sync.Mutex
	tr *Transport

	pwmBase     PWMBase
	fans        [MaxFans]*Fan
	outputs     map[string]*Fan
	initialized bool

	now func() time.Time
}

// Option configures a Device.
type Option func(*Device)

// WithPWMBase selects the PWM base frequency written by Initialize.
func WithPWMBase(b PWMBase) Option {
	return func(d *Device) { d.pwmBase = b }
}

// New returns a Device with no channels. Nothing is written until Initialize.
func New(tr *Transport, opts ...Option) *Device {
	d := &Device{
		tr:      tr,
		pwmBase: PWMBase26kHz,
		outputs: make(map[string]*Fan),
		now:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Address returns the device's bus address.
func (d *Device) Address() uint16 { return d.tr.Address() }

// CreateFan registers channel index (1..5). It performs no bus traffic and
// is rejected once the device is initialized.
func (d *Device) CreateFan(index int, opts ...FanOption) (*Fan, error) {
	if index < 1 || index > MaxFans {
		return nil, channelErr(index, "create", fmt.Errorf("%w: index must be in [1,%d]", ErrInvalidChannel, MaxFans))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil, channelErr(index, "create", fmt.Errorf("%w: device already initialized", ErrConfiguration))
	}
	if d.fans[index-1] != nil {
		return nil, channelErr(index, "create", ErrDuplicateChannel)
	}
	f := &Fan{
		dev:       d,
		index:     index,
		name:      fmt.Sprintf("fan%d", index),
		mode:      ModeSensor,
		rpmSensor: true,
	}
	for _, o := range opts {
		o(f)
	}
	if f.mode == ModeOutput {
		if f.outputID == "" {
			return nil, channelErr(index, "create", fmt.Errorf("%w: output id required", ErrConfiguration))
		}
		if other, ok := d.outputs[f.outputID]; ok {
			return nil, channelErr(index, "create", fmt.Errorf("%w: output id %q already used by fan%d", ErrConfiguration, f.outputID, other.index))
		}
		d.outputs[f.outputID] = f
	}
	d.fans[index-1] = f
	return f, nil
}

// Initialize probes the product ID and writes the device-global registers:
// configuration, PWM output type, polarity, base frequency and the fan
// interrupt enable mask for sensed channels. Channels must be created first.
func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return fmt.Errorf("%w: already initialized", ErrConfiguration)
	}

	if err := Probe(d.tr); err != nil {
		return err
	}

	var pushPull, polarity, intEnable byte
	for _, f := range d.fans {
		if f == nil {
			continue
		}
		bit := byte(1) << (f.index - 1)
		if !f.openDrain {
			pushPull |= bit
		}
		if f.invert {
			polarity |= bit
		}
		if f.mode == ModeSensor && f.rpmSensor {
			intEnable |= bit
		}
	}
	base1, base2 := pwmBaseRegs(d.pwmBase)

	writes := []struct {
		reg, val byte
	}{
		// DIS_TO: SMBus timeout disabled.
		{regConfig, configDisTO},
		{regPWMOutputConfig, pushPull},
		{regPWMPolarity, polarity},
		{regPWMBase1, base1},
		{regPWMBase2, base2},
		{regFanIntEnable, intEnable},
	}
	for _, w := range writes {
		if err := d.tr.WriteRegister(w.reg, w.val); err != nil {
			return fmt.Errorf("emc2305: initialize: %w", err)
		}
	}
	d.initialized = true
	return nil
}

// Fans returns the created channels in ascending index order.
func (d *Device) Fans() []*Fan {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Fan, 0, MaxFans)
	for _, f := range d.fans {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Fan returns channel index if it was created.
func (d *Device) Fan(index int) (*Fan, bool) {
	if index < 1 || index > MaxFans {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.fans[index-1]
	return f, f != nil
}

// Output looks up an output-mode channel by its output ID.
func (d *Device) Output(id string) (*Fan, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.outputs[id]
	return f, ok
}

// Update samples every configured sensor channel in ascending index order:
// read the tach register pair, convert to RPM, re-evaluate the stall flag and
// publish to the attached sink. A failed channel keeps its previous reading
// and does not stop the others; the failures are joined into the returned
// error.
func (d *Device) Update() error {
	type pending struct {
		sink RPMSink
		r    Reading
	}
	var (
		errs []error
		pubs []pending
	)

	d.mu.Lock()
	for _, f := range d.fans {
		if f == nil || f.mode != ModeSensor {
			continue
		}
		if !f.configured {
			errs = append(errs, channelErr(f.index, "update", fmt.Errorf("%w: not configured", ErrConfiguration)))
			continue
		}
		raw, err := d.readTachLocked(f.index)
		if err != nil {
			f.lastErr = err
			errs = append(errs, channelErr(f.index, "update", err))
			continue
		}
		f.recordTachLocked(raw)
		f.lastRPM = f.computeRPMLocked()
		f.stalled = f.rpmSensor && f.lastRPM < float64(f.minRPM)
		f.lastErr = nil
		f.updatedAt = d.now()
		if f.rpmSensor && f.sink != nil {
			pubs = append(pubs, pending{sink: f.sink, r: Reading{
				Channel: f.index,
				Name:    f.name,
				Raw:     f.lastRaw,
				RPM:     f.lastRPM,
				Stalled: f.stalled,
				At:      f.updatedAt,
			}})
		}
	}
	d.mu.Unlock()

	for _, p := range pubs {
		p.sink.PublishRPM(p.r)
	}
	return errors.Join(errs...)
}

func (d *Device) readTachLocked(index int) (uint16, error) {
	high, err := d.tr.ReadRegister(fanReg(index, offTachHigh))
	if err != nil {
		return 0, err
	}
	low, err := d.tr.ReadRegister(fanReg(index, offTachLow))
	if err != nil {
		return 0, err
	}
	return decodeTach(high, low), nil
}

// SetDuty writes a duty fraction to channel index's Fan Setting register.
// Fractions within 0.01 of [0,1] are clamped; others fail with
// ErrDutyOutOfRange.
func (d *Device) SetDuty(index int, fraction float64) error {
	pwm, err := DutyToPWM(fraction)
	if err != nil {
		return channelErr(index, "set duty", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.fanLocked(index)
	if err != nil {
		return channelErr(index, "set duty", err)
	}
	if err := d.tr.WriteRegister(fanReg(index, offFanSetting), pwm); err != nil {
		return channelErr(index, "set duty", err)
	}
	f.duty = clampUnit(fraction)
	return nil
}

// DutyReadback reads the Fan Setting register of channel index back as a fraction.
func (d *Device) DutyReadback(index int) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.fanLocked(index); err != nil {
		return 0, channelErr(index, "read duty", err)
	}
	v, err := d.tr.ReadRegister(fanReg(index, offFanSetting))
	if err != nil {
		return 0, channelErr(index, "read duty", err)
	}
	return PWMToDuty(v), nil
}

func (d *Device) fanLocked(index int) (*Fan, error) {
	if index < 1 || index > MaxFans {
		return nil, fmt.Errorf("%w: index must be in [1,%d]", ErrInvalidChannel, MaxFans)
	}
	f := d.fans[index-1]
	if f == nil {
		return nil, fmt.Errorf("%w: not configured", ErrInvalidChannel)
	}
	return f, nil
}

// Faults is the device status register set. Each per-fan register uses
// bit n-1 for fan n.
type Faults struct {
	Status    byte
	Stall     byte
	Spin      byte
	DriveFail byte
}

// Fan status register summary bits.
const (
	StatusWatchdog  = 1 << 7
	StatusDriveFail = 1 << 2
	StatusSpinFail  = 1 << 1
	StatusStall     = 1 << 0
)

func (f Faults) Stalled(index int) bool     { return f.Stall&(1<<(index-1)) != 0 }
func (f Faults) SpinFailed(index int) bool  { return f.Spin&(1<<(index-1)) != 0 }
func (f Faults) DriveFailed(index int) bool { return f.DriveFail&(1<<(index-1)) != 0 }

// Any reports whether any fault bit is set.
func (f Faults) Any() bool {
	return f.Status|f.Stall|f.Spin|f.DriveFail != 0
}

// Faults reads the status registers. Reading clears latched bits and
// releases ALERT#.
func (d *Device) Faults() (Faults, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out Faults
	regs := []struct {
		reg byte
		dst *byte
	}{
		{regFanStatus, &out.Status},
		{regFanStall, &out.Stall},
		{regFanSpin, &out.Spin},
		{regDriveFail, &out.DriveFail},
	}
	for _, r := range regs {
		v, err := d.tr.ReadRegister(r.reg)
		if err != nil {
			return Faults{}, fmt.Errorf("emc2305: faults: %w", err)
		}
		*r.dst = v
	}
	return out, nil
}

// States returns a copy of every created channel in ascending index order.
func (d *Device) States() []FanState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FanState, 0, MaxFans)
	for _, f := range d.fans {
		if f != nil {
			out = append(out, f.stateLocked())
		}
	}
	return out
}

// Probe reads the product ID register and checks it identifies an EMC2305.
func Probe(tr *Transport) error {
	id, err := tr.ReadRegister(regProductID)
	if err != nil {
		return fmt.Errorf("emc2305: product id: %w", err)
	}
	if id != productID {
		return fmt.Errorf("%w: got 0x%02X want 0x%02X", ErrWrongChip, id, productID)
	}
	return nil
}

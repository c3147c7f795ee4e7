// Package emc2305sim is an in-memory EMC2305 register file. It implements the
// Tx bus shape used by the driver so tests and the "sim" bus backend can run
// without hardware.
package emc2305sim

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrNack is returned for transactions addressed to another device.
var ErrNack = errors.New("emc2305sim: address not acknowledged")

const (
	regFanStatus  = 0x24
	regFanStall   = 0x25
	regFanSpin    = 0x26
	regDriveFail  = 0x27
	regProductID  = 0xFD
	productID     = 0x34
	fanBase       = 0x30
	fanSpacing    = 0x10
	offSetting    = 0x00
	offPWMDivide  = 0x01
	offFanConfig1 = 0x02
	offTachHigh   = 0x0E
	offTachLow    = 0x0F
	tachClockHz   = 32768
	tachNoSignal  = 0x1FFF
)

// Write is one register write observed by the simulator.
type Write struct {
	Reg byte
	Val byte
}

// Device is a simulated EMC2305. It is safe for concurrent use.
type Device struct {
	mu   sync.Mutex
	addr uint16
	regs [256]byte

	writes    []Write
	readFail  map[byte]error
	writeFail map[byte]error

	maxRPM float64
}

// Option configures a Device.
type Option func(*Device)

// WithFanModel makes every fan spin at duty*maxRPM: writing a Fan Setting
// register updates that fan's tach count.
func WithFanModel(maxRPM float64) Option {
	return func(d *Device) { d.maxRPM = maxRPM }
}

// New returns a device at addr with power-on register values and every tach
// count at the no-signal value.
func New(addr uint16, opts ...Option) *Device {
	d := &Device{
		addr:      addr,
		readFail:  make(map[byte]error),
		writeFail: make(map[byte]error),
	}
	d.regs[regProductID] = productID
	for fan := 1; fan <= 5; fan++ {
		d.regs[fanReg(fan, offPWMDivide)] = 1
		d.regs[fanReg(fan, offFanConfig1)] = 0x2B
		d.setTachLocked(fan, tachNoSignal)
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func fanReg(fan int, off byte) byte {
	return byte(fanBase+(fan-1)*fanSpacing) + off
}

// Tx implements the bus transaction: w[0] selects the register, further
// bytes in w are written with auto-increment, then len(r) bytes are read.
func (d *Device) Tx(addr uint16, w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr != d.addr {
		return fmt.Errorf("%w: 0x%02X", ErrNack, addr)
	}
	if len(w) == 0 {
		return fmt.Errorf("emc2305sim: missing register pointer")
	}
	reg := w[0]
	for i, v := range w[1:] {
		rr := reg + byte(i)
		if err := d.writeFail[rr]; err != nil {
			return err
		}
		d.writeLocked(rr, v)
	}
	for i := range r {
		rr := reg + byte(i)
		if err := d.readFail[rr]; err != nil {
			return err
		}
		r[i] = d.regs[rr]
		if rr >= regFanStatus && rr <= regDriveFail {
			// Latched status bits clear on read.
			d.regs[rr] = 0
		}
	}
	return nil
}

func (d *Device) writeLocked(reg, v byte) {
	d.writes = append(d.writes, Write{Reg: reg, Val: v})
	if reg == regProductID {
		return
	}
	d.regs[reg] = v
	if d.maxRPM > 0 && reg >= fanBase && reg < fanBase+5*fanSpacing && (reg-fanBase)%fanSpacing == offSetting {
		fan := int(reg-fanBase)/fanSpacing + 1
		d.spinLocked(fan, float64(v)/255*d.maxRPM)
	}
}

func (d *Device) spinLocked(fan int, rpm float64) {
	if rpm <= 0 {
		d.setTachLocked(fan, tachNoSignal)
		return
	}
	div := float64(d.regs[fanReg(fan, offPWMDivide)])
	if div < 1 {
		div = 1
	}
	// Every EDG setting spans two revolutions per sample window.
	c := math.Round(60 * (tachClockHz / div) * 2 / rpm)
	if c < 1 {
		c = 1
	}
	if c > tachNoSignal {
		c = tachNoSignal
	}
	d.setTachLocked(fan, uint16(c))
}

func (d *Device) setTachLocked(fan int, count uint16) {
	count &= tachNoSignal
	d.regs[fanReg(fan, offTachHigh)] = byte(count >> 5)
	d.regs[fanReg(fan, offTachLow)] = byte(count&0x1F) << 3
}

// SetTach sets fan's 13-bit tach count.
func (d *Device) SetTach(fan int, count uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setTachLocked(fan, count)
}

// Reg returns the current value of reg.
func (d *Device) Reg(reg byte) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[reg]
}

// SetReg sets reg without recording a write.
func (d *Device) SetReg(reg, v byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[reg] = v
}

// FanSetting returns the Fan Setting (duty) register of fan.
func (d *Device) FanSetting(fan int) byte {
	return d.Reg(fanReg(fan, offSetting))
}

// FailRead makes reads of reg return err. A nil err clears the fault.
func (d *Device) FailRead(reg byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.readFail, reg)
		return
	}
	d.readFail[reg] = err
}

// FailWrite makes writes to reg return err. A nil err clears the fault.
func (d *Device) FailWrite(reg byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.writeFail, reg)
		return
	}
	d.writeFail[reg] = err
}

// FailTach makes both tach reading registers of fan fail with err.
func (d *Device) FailTach(fan int, err error) {
	d.FailRead(fanReg(fan, offTachHigh), err)
	d.FailRead(fanReg(fan, offTachLow), err)
}

// Writes returns the recorded register writes.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// ResetWrites clears the write log.
func (d *Device) ResetWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

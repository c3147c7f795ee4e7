package emc2305

import (
	"fmt"

	"tinygo.org/x/drivers"
)

// Transport issues single-byte register transactions to one device address.
// It does not retry; wrap the bus for that.
type Transport struct {
	bus  drivers.I2C
	addr uint16

	w [2]byte
	r [1]byte
}

// NewTransport binds bus to a 7-bit device address.
func NewTransport(bus drivers.I2C, addr uint16) *Transport {
	if addr == 0 {
		addr = AddressDefault
	}
	return &Transport{bus: bus, addr: addr}
}

// Address returns the 7-bit bus address.
func (t *Transport) Address() uint16 { return t.addr }

// ReadRegister reads one register.
func (t *Transport) ReadRegister(reg byte) (byte, error) {
	t.w[0] = reg
	if err := t.bus.Tx(t.addr, t.w[:1], t.r[:]); err != nil {
		return 0, fmt.Errorf("%w: read 0x%02X: %w", ErrCommunication, reg, err)
	}
	return t.r[0], nil
}

// WriteRegister writes one register.
func (t *Transport) WriteRegister(reg, value byte) error {
	t.w[0] = reg
	t.w[1] = value
	if err := t.bus.Tx(t.addr, t.w[:2], nil); err != nil {
		return fmt.Errorf("%w: write 0x%02X=0x%02X: %w", ErrCommunication, reg, value, err)
	}
	return nil
}

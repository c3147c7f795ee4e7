//go:build linux

package i2c

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux I2C bus backed by /dev/i2c-*.
//
// Transfers use I2C_RDWR so a register pointer write and the following read
// happen as one combined transaction with a repeated start.

const (
	i2cMrd  = 0x0001
	i2cRdwr = 0x0707
)

type msg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type rdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// Bus is an opened I2C adapter (e.g., /dev/i2c-1). Transfers are serialized.
type Bus struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func Open(path string) (*Bus, error) {
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Bus{f: f, path: path}, nil
}

func (b *Bus) Path() string { return b.path }

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Tx writes w then reads len(r) bytes from the 7-bit address addr.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	if b == nil {
		return errors.New("i2c bus is nil")
	}
	if addr == 0 || addr > 0x7F {
		return fmt.Errorf("invalid i2c addr 0x%X", addr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return errors.New("i2c bus is closed")
	}

	msgs := make([]msg, 0, 2)
	if len(w) > 0 {
		msgs = append(msgs, msg{addr: addr, flags: 0, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))})
	}
	if len(r) > 0 {
		msgs = append(msgs, msg{addr: addr, flags: i2cMrd, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))})
	}
	if len(msgs) == 0 {
		return nil
	}

	data := rdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, b.f.Fd(), uintptr(i2cRdwr), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return fmt.Errorf("i2c %s addr 0x%02X: %w", b.path, addr, errno)
	}
	return nil
}

// Package devices implements the TS-3100's port- and memory-mapped
// I/O device models: the UART, PIT, RTC, chip-select unit, clock
// prescaler, JEDEC flash controller, virtual disk window, and the
// miscellaneous fixed-value ports.
package devices

import (
	"fmt"

	"github.com/teknoman117/ts3100vmm/vmerr"
)

// PortDevice is the width-dispatched read/write contract every device
// on the I/O bus implements. Unlike the C++ original's DevicePio,
// unimplemented widths are reported through the error return rather
// than a panic: spec behavior for an unsupported width is a
// guest-visible degraded read/write, not a crash.
type PortDevice interface {
	In8(address uint16) (uint8, error)
	Out8(address uint16, data uint8) error
	In16(address uint16) (uint16, error)
	Out16(address uint16, data uint16) error
	In32(address uint16) (uint32, error)
	Out32(address uint16, data uint32) error
	In64(address uint16) (uint64, error)
	Out64(address uint16, data uint64) error
}

// BaseDevice gives an embedding device every PortDevice method for
// free, each failing with ErrUnsupportedIoWidth. Devices override only
// the widths they actually implement.
type BaseDevice struct{}

func (BaseDevice) In8(address uint16) (uint8, error) {
	return 0xFF, fmt.Errorf("%w: 8-bit read at 0x%04X", vmerr.ErrUnsupportedIoWidth, address)
}
func (BaseDevice) Out8(address uint16, _ uint8) error {
	return fmt.Errorf("%w: 8-bit write at 0x%04X", vmerr.ErrUnsupportedIoWidth, address)
}
func (BaseDevice) In16(address uint16) (uint16, error) {
	return 0xFFFF, fmt.Errorf("%w: 16-bit read at 0x%04X", vmerr.ErrUnsupportedIoWidth, address)
}
func (BaseDevice) Out16(address uint16, _ uint16) error {
	return fmt.Errorf("%w: 16-bit write at 0x%04X", vmerr.ErrUnsupportedIoWidth, address)
}
func (BaseDevice) In32(address uint16) (uint32, error) {
	return 0xFFFFFFFF, fmt.Errorf("%w: 32-bit read at 0x%04X", vmerr.ErrUnsupportedIoWidth, address)
}
func (BaseDevice) Out32(address uint16, _ uint32) error {
	return fmt.Errorf("%w: 32-bit write at 0x%04X", vmerr.ErrUnsupportedIoWidth, address)
}
func (BaseDevice) In64(address uint16) (uint64, error) {
	return 0xFFFFFFFFFFFFFFFF, fmt.Errorf("%w: 64-bit read at 0x%04X", vmerr.ErrUnsupportedIoWidth, address)
}
func (BaseDevice) Out64(address uint16, _ uint64) error {
	return fmt.Errorf("%w: 64-bit write at 0x%04X", vmerr.ErrUnsupportedIoWidth, address)
}

// Dispatch performs the same switch-on-length job as the original
// source's DevicePio::performKVMExitOperation: it picks the width from
// len(data) and calls the matching In*/Out* method, marshaling to and
// from little-endian bytes (the guest's native byte order on x86).
func Dispatch(dev PortDevice, isWrite bool, address uint16, data []byte) error {
	switch len(data) {
	case 1:
		if isWrite {
			return dev.Out8(address, data[0])
		}
		v, err := dev.In8(address)
		data[0] = v
		return err
	case 2:
		if isWrite {
			return dev.Out16(address, le16(data))
		}
		v, err := dev.In16(address)
		putLe16(data, v)
		return err
	case 4:
		if isWrite {
			return dev.Out32(address, le32(data))
		}
		v, err := dev.In32(address)
		putLe32(data, v)
		return err
	case 8:
		if isWrite {
			return dev.Out64(address, le64(data))
		}
		v, err := dev.In64(address)
		putLe64(data, v)
		return err
	default:
		return fmt.Errorf("devices: oddly sized io operation, length %d", len(data))
	}
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
func putLe16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLe32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLe64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

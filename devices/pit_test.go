package devices_test

import (
	"testing"

	"github.com/teknoman117/ts3100vmm/devices"
)

// configureChannel0Mode3 programs channel 0 for access mode 3 (low byte
// then high byte), operating mode 3 (square wave), binary counting, and
// loads the given reload value.
func configureChannel0Mode3(t *testing.T, p *devices.PIT, reload uint16) {
	t.Helper()
	const commandByte = 0x36 // channel 0, access lo/hi, mode 3, binary
	if err := p.Out8(3, commandByte); err != nil {
		t.Fatalf("write command byte: %v", err)
	}
	if err := p.Out8(0, uint8(reload&0xFF)); err != nil {
		t.Fatalf("write reload low byte: %v", err)
	}
	if err := p.Out8(0, uint8(reload>>8)); err != nil {
		t.Fatalf("write reload high byte: %v", err)
	}
}

func TestPITMode3ReloadLatchesAndReadsBackLowThenHigh(t *testing.T) {
	p := devices.NewPIT()
	// Slowest time base (40 ns * 0xFFFF per tick): no tick elapses
	// between the load and the latch, so the latched count is the reload.
	p.SetPrescaler(0xFFFF)
	configureChannel0Mode3(t, p, 0x0100)

	// Latch channel 0's current count (channel 0, access-mode bits 0 =
	// latch, the rest of the command byte don't matter for a latch).
	if err := p.Out8(3, 0x00); err != nil {
		t.Fatalf("latch command: %v", err)
	}

	low, err := p.In8(0)
	if err != nil {
		t.Fatalf("read low byte: %v", err)
	}
	if low != 0x00 {
		t.Errorf("latched low byte = 0x%02X, want 0x00", low)
	}
	high, err := p.In8(0)
	if err != nil {
		t.Fatalf("read high byte: %v", err)
	}
	if high != 0x01 {
		t.Errorf("latched high byte = 0x%02X, want 0x01", high)
	}
}

// TestPITCommandPortPrecedenceFixed checks that the command port is
// selected by (address&0x3) == 0x03: address 0x07 must reach the
// command decoder. Routed to writeRegister instead, this byte would
// use a channel index of 3 and panic on an out-of-bounds channel
// array access.
func TestPITCommandPortPrecedenceFixed(t *testing.T) {
	p := devices.NewPIT()
	p.SetPrescaler(0xFFFF) // no tick elapses between load and latch
	if err := p.Out8(0x07, 0x36); err != nil {
		t.Fatalf("command-port write: %v", err)
	}
	// Confirm the byte actually reached the command decoder (configured
	// channel 0 for access mode lo/hi) rather than being silently
	// dropped: loading a reload value and reading it back should work.
	if err := p.Out8(0, 0x34); err != nil {
		t.Fatalf("reload low byte: %v", err)
	}
	if err := p.Out8(0, 0x12); err != nil {
		t.Fatalf("reload high byte: %v", err)
	}
	if err := p.Out8(0x03, 0x00); err != nil { // latch channel 0
		t.Fatalf("latch command: %v", err)
	}
	low, err := p.In8(0)
	if err != nil {
		t.Fatalf("read low byte: %v", err)
	}
	if low != 0x34 {
		t.Errorf("low byte = 0x%02X, want 0x34", low)
	}
}

func TestPITCounterPortSelectionUnaffectedByCommandPort(t *testing.T) {
	p := devices.NewPIT()
	configureChannel0Mode3(t, p, 0x0002)
	// Port addresses 0, 1, 2 select channels 0/1/2's counter registers,
	// never the command port, regardless of the low two bits matching
	// a configured channel's own index.
	if _, err := p.In8(1); err != nil {
		t.Fatalf("read channel 1: %v", err)
	}
	if _, err := p.In8(2); err != nil {
		t.Fatalf("read channel 2: %v", err)
	}
}

package devices_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/teknoman117/ts3100vmm/devices"
)

func selectRTCRegister(t *testing.T, r *devices.RTC, reg uint8) {
	t.Helper()
	if err := r.Out8(0, reg); err != nil {
		t.Fatalf("select register %d: %v", reg, err)
	}
}

func TestRTCIndexPortReadsZero(t *testing.T) {
	r := devices.NewRTC("")
	v, err := r.In8(0)
	if err != nil {
		t.Fatalf("In8(0): %v", err)
	}
	if v != 0 {
		t.Errorf("index port read = %#02x, want 0", v)
	}
}

func TestRTCSecondsAlarmRoundTripsInBinaryMode(t *testing.T) {
	r := devices.NewRTC("")

	// Register B, set DataMode bit (0x04) for binary encoding.
	selectRTCRegister(t, r, 11)
	if err := r.Out8(1, 0x04); err != nil {
		t.Fatalf("write register B: %v", err)
	}

	selectRTCRegister(t, r, 1) // seconds alarm
	if err := r.Out8(1, 45); err != nil {
		t.Fatalf("write seconds alarm: %v", err)
	}

	selectRTCRegister(t, r, 1)
	got, err := r.In8(1)
	if err != nil {
		t.Fatalf("read seconds alarm: %v", err)
	}
	if got != 45 {
		t.Errorf("seconds alarm = %d, want 45", got)
	}
}

func TestRTCSecondsAlarmRoundTripsInBCDMode(t *testing.T) {
	r := devices.NewRTC("")
	// DataMode bit clear (power-on default): BCD encoding.
	selectRTCRegister(t, r, 1) // seconds alarm
	if err := r.Out8(1, 0x45); err != nil {
		t.Fatalf("write seconds alarm (BCD 45): %v", err)
	}
	selectRTCRegister(t, r, 1)
	got, err := r.In8(1)
	if err != nil {
		t.Fatalf("read seconds alarm: %v", err)
	}
	if got != 0x45 {
		t.Errorf("seconds alarm = %#02x, want 0x45", got)
	}
}

func TestRTCClockRegisterWritesAreDiscarded(t *testing.T) {
	r := devices.NewRTC("")
	selectRTCRegister(t, r, 0) // seconds
	if err := r.Out8(1, 0x59); err != nil {
		t.Fatalf("write seconds: %v", err)
	}
	// The write must not change what a read derives from the host
	// clock; just confirm the call is accepted without affecting the
	// alarm/control register state machine.
	selectRTCRegister(t, r, 0)
	if _, err := r.In8(1); err != nil {
		t.Fatalf("read seconds: %v", err)
	}
}

func TestRTCRegisterDAlwaysReportsValidRAMAndTime(t *testing.T) {
	r := devices.NewRTC("")
	selectRTCRegister(t, r, 13) // register D
	v, err := r.In8(1)
	if err != nil {
		t.Fatalf("read register D: %v", err)
	}
	if v&0x80 == 0 {
		t.Error("register D must always report the valid-RAM-and-time bit set")
	}
}

func TestRTCNVRAMReadWrite(t *testing.T) {
	r := devices.NewRTC("")
	selectRTCRegister(t, r, 14) // first NVRAM byte
	if err := r.Out8(1, 0xAB); err != nil {
		t.Fatalf("write nvram byte: %v", err)
	}
	selectRTCRegister(t, r, 14)
	got, err := r.In8(1)
	if err != nil {
		t.Fatalf("read nvram byte: %v", err)
	}
	if got != 0xAB {
		t.Errorf("nvram byte = %#02x, want 0xAB", got)
	}
}

func TestRTCNVRAMPersistsAcrossClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.bin")

	r := devices.NewRTC(path)
	selectRTCRegister(t, r, 20)
	if err := r.Out8(1, 0x77); err != nil {
		t.Fatalf("write nvram byte: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("nvram file not written: %v", err)
	}

	r2 := devices.NewRTC(path)
	selectRTCRegister(t, r2, 20)
	got, err := r2.In8(1)
	if err != nil {
		t.Fatalf("read nvram byte after reload: %v", err)
	}
	if got != 0x77 {
		t.Errorf("nvram byte after reload = %#02x, want 0x77", got)
	}
}

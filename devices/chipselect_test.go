package devices_test

import (
	"testing"

	"github.com/teknoman117/ts3100vmm/devices"
)

func TestChipSelectUnitRegistersRoundTrip(t *testing.T) {
	c := devices.NewChipSelectUnit(0, 0, 0, 0)

	writes := []struct {
		offset uint16
		value  uint16
	}{
		{0, 0x1234}, // address-low
		{2, 0x5678}, // address-high
		{4, 0x9ABC}, // mask-low
		{6, 0xDEF0}, // mask-high
	}
	for _, w := range writes {
		if err := c.Out16(w.offset, w.value); err != nil {
			t.Fatalf("Out16(0x%X, 0x%X): %v", w.offset, w.value, err)
		}
	}
	for _, w := range writes {
		got, err := c.In16(w.offset)
		if err != nil {
			t.Fatalf("In16(0x%X): %v", w.offset, err)
		}
		if got != w.value {
			t.Errorf("In16(0x%X) = 0x%X, want 0x%X", w.offset, got, w.value)
		}
	}
}

func TestChipSelectUnitEnabledBit(t *testing.T) {
	c := devices.NewChipSelectUnit(0, 0, 0, 0)
	if c.Enabled() {
		t.Fatal("unit should start disabled")
	}
	c.Out16(4, 0x0001) // mask-low bit 0
	if !c.Enabled() {
		t.Fatal("unit should report enabled once mask-low bit 0 is set")
	}
}

func TestChipSelectUnitSelectsMemoryAddressOnlyWhenConfiguredForMemory(t *testing.T) {
	// address-low bit 8 set selects memory-cycle decoding; address/mask
	// both zero elsewhere so the decoded compare address is 0.
	c := devices.NewChipSelectUnit(0, 1<<8, 0, 0)
	if !c.SelectsMemoryAddress(0) {
		t.Error("unit configured for memory cycles at address 0 should claim address 0")
	}
	if c.SelectsIOAddress(0) {
		t.Error("a unit configured for memory cycles must not also claim IO cycles")
	}
}

func TestChipSelectUnitSelectsIOAddressOnlyWhenConfiguredForIO(t *testing.T) {
	c := devices.NewChipSelectUnit(0, 0, 0, 0) // bit 8 clear: IO cycle
	if !c.SelectsIOAddress(0) {
		t.Error("unit configured for IO cycles at port 0 should claim port 0")
	}
	if c.SelectsMemoryAddress(0) {
		t.Error("a unit configured for IO cycles must not also claim memory cycles")
	}
}

func TestChipSelectUnitMaskExcludesNonMatchingAddress(t *testing.T) {
	// Mask registers zero: no decoded bit is a don't-care, so every
	// bit of hardwareMask is compared against the configured address.
	c := devices.NewChipSelectUnit(0, 0x1800|(1<<8), 0x0000, 0x0000)
	if !c.SelectsMemoryAddress(0x001800) {
		t.Error("unit should claim its exact configured address")
	}
	if c.SelectsMemoryAddress(0x002800) {
		t.Error("unit should not claim an address outside its configured region")
	}
}

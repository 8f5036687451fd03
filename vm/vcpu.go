package vm

import (
	"fmt"

	"github.com/teknoman117/ts3100vmm/hypervisor"
	"github.com/teknoman117/ts3100vmm/vmerr"
)

// resetVectorSegmentBase and resetVectorSelector put CS:IP at the
// 386EX's power-on reset vector, 0xFFFFFFF0 truncated to the 20-bit
// real-mode address space: base 0x000FFFF0, selector 0xFFFF, IP 0.
// The first instruction fetched is therefore at physical 0xFFFF0,
// 16 bytes below the top of the BIOS shadow.
const (
	resetVectorCSBase     = 0x000FFFF0
	resetVectorCSSelector = 0xFFFF
)

// VCPU wraps a single hypervisor-backed virtual CPU and owns its
// initial architectural state.
type VCPU struct {
	raw *hypervisor.VCPU
}

// newVCPU creates vCPU 0 on kvmVM and sets it to the 386EX's real-mode
// reset state: CR0 with no protected-mode bits, CS pointing at the
// reset vector, and RFLAGS with its reserved bit 1 set.
func newVCPU(kvmVM *hypervisor.VM) (*VCPU, error) {
	raw, err := kvmVM.CreateVCPU()
	if err != nil {
		return nil, err
	}
	v := &VCPU{raw: raw}
	if err := v.resetRealMode(); err != nil {
		raw.Close()
		return nil, err
	}
	return v, nil
}

func (v *VCPU) resetRealMode() error {
	sregs, err := v.raw.GetSregs()
	if err != nil {
		return fmt.Errorf("%w: get sregs: %v", vmerr.ErrConfigurationFailure, err)
	}

	sregs.CR0 = 0
	sregs.CR4 = 0
	sregs.EFER = 0

	realModeSegment := func(base uint64, selector uint16) hypervisor.Segment {
		return hypervisor.Segment{
			Base:     base,
			Limit:    0xFFFF,
			Selector: selector,
			Type:     3,
			Present:  1,
			S:        1,
		}
	}

	sregs.CS = realModeSegment(resetVectorCSBase, resetVectorCSSelector)
	sregs.DS = realModeSegment(0, 0)
	sregs.ES = realModeSegment(0, 0)
	sregs.FS = realModeSegment(0, 0)
	sregs.GS = realModeSegment(0, 0)
	sregs.SS = realModeSegment(0, 0)

	if err := v.raw.SetSregs(sregs); err != nil {
		return fmt.Errorf("%w: set sregs: %v", vmerr.ErrConfigurationFailure, err)
	}

	regs := hypervisor.Regs{
		RIP:    0,
		RFLAGS: 0x2,
		RAX:    2,
		RBX:    2,
	}
	if err := v.raw.SetRegs(regs); err != nil {
		return fmt.Errorf("%w: set regs: %v", vmerr.ErrConfigurationFailure, err)
	}
	return nil
}

// Close releases the underlying vCPU file descriptor and mmap.
func (v *VCPU) Close() error { return v.raw.Close() }

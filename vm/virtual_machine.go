// Package vm owns the KVM-backed TS-3100 virtual machine: its
// guest-physical memory-region slots, the unified address-range
// device table, and the run loop that classifies VCPU exits and
// dispatches them into the device model.
package vm

import (
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/teknoman117/ts3100vmm/addressrange"
	"github.com/teknoman117/ts3100vmm/devices"
	"github.com/teknoman117/ts3100vmm/eventloop"
	"github.com/teknoman117/ts3100vmm/hypervisor"
	"github.com/teknoman117/ts3100vmm/vmerr"
)

// Memory-region slot numbers, matching the guest memory slot table.
const (
	slotRAM        = 0
	slotROMDOS     = 1
	slotBIOS       = 2
	slotA20Wrap    = 3
	slotFlash      = 4
	slotFlashAlias = 5
	slotOptionROM  = 6
	slotDiskWindow = 7
)

const (
	ramSize        = 0x70000
	romDosBase     = 0xE0000
	biosBase       = 0xF0000
	a20WrapBase    = 0x100000
	a20WrapSize    = 0x10000
	flashBase      = 0x03400000
	flashAliasBase = 0x03480000
	flashSize      = 0x80000
	optionROMBase  = 0xC8000
	diskWindowBase = 0xCA000
)

// Config gathers everything New needs to assemble a
// running machine; the cmd/ts3100vmm binary populates it from flags.
type Config struct {
	FlashPath     string
	RTCNVRAMPath  string
	DiskImagePath string // empty disables the virtual-disk feature
	OptionROMPath string

	COM1Socket, COM2Socket, COM3Socket, COM4Socket string

	Debug bool
}

// VirtualMachine owns one KVM VM, its single VCPU, the guest memory
// table, and the unified PIO/MMIO device dispatch.
type VirtualMachine struct {
	cfg Config

	kvm  *hypervisor.KVM
	vm   *hypervisor.VM
	vcpu *VCPU

	loop *eventloop.EventLoop

	ram   []byte
	flash *devices.Flash
	disk  *devices.DiskController

	ports *addressrange.Map[devices.PortDevice]

	a20         *devices.A20Gate
	a20Enabled  bool // last-seen A20Gate.Enabled(), to detect transitions
	flashMapped bool // mirrors flash.Mapped(), to detect transitions
	optionROM   []byte

	uarts    []*devices.UART
	irqLines []*hypervisor.IRQLine

	requestExit atomic.Bool
}

// New assembles the machine: opens the hypervisor, lays out guest
// memory, constructs and registers every device, and creates VCPU 0
// at the 386EX reset vector.
func New(cfg Config) (*VirtualMachine, error) {
	kvm, err := hypervisor.Open()
	if err != nil {
		return nil, err
	}
	kvmVM, err := kvm.CreateVM()
	if err != nil {
		kvm.Close()
		return nil, err
	}
	if err := kvmVM.CreateIRQChip(); err != nil {
		kvmVM.Close()
		kvm.Close()
		return nil, err
	}

	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("%w: event reactor: %v", vmerr.ErrConfigurationFailure, err)
	}

	flash, err := devices.OpenFlash(cfg.FlashPath)
	if err != nil {
		return nil, err
	}

	ram, err := unix.Mmap(-1, 0, ramSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap conventional ram: %v", vmerr.ErrConfigurationFailure, err)
	}

	optionROM, err := loadOptionROM(cfg.OptionROMPath)
	if err != nil {
		return nil, err
	}

	machine := &VirtualMachine{
		cfg:       cfg,
		kvm:       kvm,
		vm:        kvmVM,
		loop:      loop,
		ram:       ram,
		flash:     flash,
		ports:     addressrange.New[devices.PortDevice](),
		a20:       &devices.A20Gate{},
		optionROM: optionROM,
	}

	if cfg.DiskImagePath != "" {
		disk, err := devices.OpenDiskController(cfg.DiskImagePath)
		if err != nil {
			return nil, err
		}
		machine.disk = disk
	}

	if err := machine.mapMemory(); err != nil {
		return nil, err
	}
	if err := machine.registerDevices(); err != nil {
		return nil, err
	}

	vcpu, err := newVCPU(kvmVM)
	if err != nil {
		return nil, err
	}
	machine.vcpu = vcpu

	return machine, nil
}

func loadOptionROM(path string) ([]byte, error) {
	if path == "" {
		return make([]byte, diskWindowBase-optionROMBase), nil
	}
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open option rom %s: %v", vmerr.ErrConfigurationFailure, path, err)
	}
	defer unix.Close(fd)
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("%w: stat option rom %s: %v", vmerr.ErrConfigurationFailure, path, err)
	}
	buf := make([]byte, st.Size)
	if _, err := unix.Read(fd, buf); err != nil {
		return nil, fmt.Errorf("%w: read option rom %s: %v", vmerr.ErrConfigurationFailure, path, err)
	}
	return buf, nil
}

// mapMemory programs the fixed guest memory-region slots. Slot 3 (the
// A20 wrap alias) starts mapped, since A20 starts disabled, and slot 7
// (the disk-sector window) starts unmapped; both are reprogrammed on
// demand.
func (m *VirtualMachine) mapMemory() error {
	if err := m.vm.SetUserMemoryRegion(slotRAM, 0, m.ram, false); err != nil {
		return err
	}
	flashBytes := m.flash.Bytes()
	if err := m.vm.SetUserMemoryRegion(slotROMDOS, romDosBase, flashBytes[0x60000:0x70000], true); err != nil {
		return err
	}
	if err := m.vm.SetUserMemoryRegion(slotBIOS, biosBase, flashBytes[0x70000:0x80000], true); err != nil {
		return err
	}
	if err := m.vm.SetUserMemoryRegion(slotFlash, flashBase, flashBytes, true); err != nil {
		return err
	}
	if err := m.vm.SetUserMemoryRegion(slotFlashAlias, flashAliasBase, flashBytes, true); err != nil {
		return err
	}
	if err := m.vm.SetUserMemoryRegion(slotOptionROM, optionROMBase, m.optionROM, true); err != nil {
		return err
	}

	// A20 starts disabled (register bit 1 clear): the wrap alias is
	// live, matching the original source's default a20register == 0.
	if err := m.vm.SetUserMemoryRegion(slotA20Wrap, a20WrapBase, m.ram[:a20WrapSize], false); err != nil {
		return err
	}
	m.a20Enabled = false
	m.flashMapped = true
	return nil
}

// registerDevices constructs every device, wires prescaler/IRQ
// subscriptions, and inserts each into the unified address-range
// table. Ranges are spec-fixed, so any accidental overlap here is a
// genuine configuration error and Insert reports it as such.
func (m *VirtualMachine) registerDevices() error {
	insert := func(start, length uint64, dev devices.PortDevice) error {
		if err := m.ports.Insert(addressrange.Range{Start: start, Length: length}, dev); err != nil {
			return fmt.Errorf("%w: %v", vmerr.ErrConfigurationFailure, err)
		}
		return nil
	}

	pit := devices.NewPIT()
	if err := insert(0x40, 0x04, pit); err != nil {
		return err
	}

	prescaler := devices.NewClockPrescaler(pit)
	if err := insert(0xF804, 0x02, prescaler); err != nil {
		return err
	}

	rtc := devices.NewRTC(m.cfg.RTCNVRAMPath)
	if err := insert(0x70, 0x02, rtc); err != nil {
		return err
	}

	comPorts := []struct {
		base uint64
		gsi  uint32
		path string
	}{
		{0x3f8, 4, m.cfg.COM1Socket},
		{0x2f8, 3, m.cfg.COM2Socket},
		{0x3e8, 4, m.cfg.COM3Socket},
		{0x2e8, 3, m.cfg.COM4Socket},
	}
	for _, c := range comPorts {
		if c.path == "" {
			continue
		}
		var irq *hypervisor.IRQLine
		u := devices.NewUART(m.loop, interruptRaiserFunc(func() {
			if irq != nil {
				irq.Raise()
			}
		}))
		line, err := hypervisor.NewIRQLine(m.vm, m.loop, c.gsi, u.Resample)
		if err != nil {
			return fmt.Errorf("%w: uart irq line: %v", vmerr.ErrConfigurationFailure, err)
		}
		irq = line
		if err := u.Start(c.path); err != nil {
			return err
		}
		if err := insert(c.base, 0x08, u); err != nil {
			return err
		}
		m.uarts = append(m.uarts, u)
		m.irqLines = append(m.irqLines, line)
	}

	for i := 0; i < 8; i++ {
		var unit *devices.ChipSelectUnit
		if i == 7 {
			// Unit 7 reflects the 386EX's own on-chip peripheral window
			// at power-on, matching the board's fixed chip-select wiring.
			unit = devices.NewChipSelectUnit(0xFFFF, 0xFF6F, 0xFFFF, 0xFFFF)
		} else {
			unit = devices.NewChipSelectUnit(0, 0, 0, 0)
		}
		if err := insert(0xF400+uint64(i)*8, 0x08, unit); err != nil {
			return err
		}
	}

	if err := insert(0x60, 0x05, devices.KeyboardStub{}); err != nil {
		return err
	}
	if err := insert(0x72, 0x02, devices.LCDStub{}); err != nil {
		return err
	}
	if err := insert(0x74, 0x01, devices.FixedByte{Value: 0x01}); err != nil {
		return err
	}
	if err := insert(0x75, 0x01, devices.FixedByte{Value: 0x00}); err != nil {
		return err
	}
	if err := insert(0x77, 0x01, devices.FixedByte{Value: 0x02}); err != nil {
		return err
	}
	if err := insert(0x80, 0x01, devices.POSTCodeSink{}); err != nil {
		return err
	}
	if err := insert(0x92, 0x01, m.a20); err != nil {
		return err
	}
	if err := insert(0x198, 0x08, devices.FixedByte{Value: 0x00}); err != nil {
		return err
	}
	if err := insert(0xF834, 0x01, &devices.TimerConfigurationRegister{}); err != nil {
		return err
	}
	if err := insert(0xF860, 0x01, devices.FixedByte{Value: 0x80}); err != nil {
		return err
	}

	if m.disk != nil {
		if err := insert(0xF870, 0x08, m.disk); err != nil {
			return err
		}
	}

	return nil
}

type interruptRaiserFunc func()

func (f interruptRaiserFunc) Raise() { f() }
func (f interruptRaiserFunc) Lower() {}

// RequestExit asks Run to return after the current (or next) VCPU
// exit, matching the spec's signal-driven shutdown contract: a caught
// SIGINT/SIGTERM sets this flag rather than killing the process
// mid-exit.
func (m *VirtualMachine) RequestExit() {
	m.requestExit.Store(true)
}

// Run blocks the calling goroutine inside the VCPU run/exit loop until
// the guest halts, a fatal exit is classified, or RequestExit is
// called. A clean HLT is reported as vmerr.ErrGuestHalted, not a
// failure.
func (m *VirtualMachine) Run() error {
	for !m.requestExit.Load() {
		if err := m.vcpu.raw.Run(); err != nil {
			return fmt.Errorf("%w: %v", vmerr.ErrConfigurationFailure, err)
		}

		switch reason := m.vcpu.raw.ExitReason(); reason {
		case hypervisor.ExitIO:
			if err := m.handleIO(); err != nil {
				log.Printf("io dispatch: %v", err)
			}
		case hypervisor.ExitMMIO:
			m.handleMMIO()
		case hypervisor.ExitHLT:
			return vmerr.ErrGuestHalted
		case hypervisor.ExitDebug:
			m.logDebugStop()
		case hypervisor.ExitShutdown, hypervisor.ExitFailEntry:
			return fmt.Errorf("%w: vcpu exit reason %d", vmerr.ErrConfigurationFailure, reason)
		case hypervisor.ExitIntr, hypervisor.ExitUnknown:
			// spurious wakeups: re-enter the run call.
		default:
			log.Printf("unhandled vcpu exit reason %d", reason)
		}
	}
	return nil
}

// logDebugStop reports the vCPU's architectural state at a single-step
// boundary. Decoding the instruction at CS:RIP would need an x86
// disassembler, which nothing in this codebase's dependency set
// provides; register state is what's available without inventing one.
func (m *VirtualMachine) logDebugStop() {
	if !m.cfg.Debug {
		return
	}
	regs, err := m.vcpu.raw.GetRegs()
	if err != nil {
		log.Printf("debug stop: get regs: %v", err)
		return
	}
	sregs, err := m.vcpu.raw.GetSregs()
	if err != nil {
		log.Printf("debug stop: get sregs: %v", err)
		return
	}
	log.Printf("debug stop: CS:IP=%04X:%08X (phys 0x%X) RFLAGS=0x%X",
		sregs.CS.Selector, regs.RIP, sregs.CS.Base+regs.RIP, regs.RFLAGS)
}

// handleIO services a KVM_EXIT_IO exit: lookup in the unified
// address-range table, dispatch by width, and refresh any memory
// region the device's state may have just changed (A20, virtual disk).
func (m *VirtualMachine) handleIO() error {
	io := m.vcpu.raw.IO()
	dev, ok := m.ports.Find(uint64(io.Port))
	if !ok {
		if io.Direction == hypervisor.IODirectionIn {
			for i := range io.Data {
				io.Data[i] = 0xFF
			}
		}
		return nil
	}

	width := int(io.Size)
	for i := 0; i < int(io.Count); i++ {
		chunk := io.Data[i*width : (i+1)*width]
		if err := devices.Dispatch(dev, io.Direction == hypervisor.IODirectionOut, io.Port, chunk); err != nil {
			log.Printf("port 0x%04X: %v", io.Port, err)
		}
	}

	if dev == devices.PortDevice(m.a20) {
		m.reprogramA20()
	}
	if m.disk != nil && dev == devices.PortDevice(m.disk) {
		m.reprogramDiskWindow()
	}
	return nil
}

// handleMMIO services a KVM_EXIT_MMIO exit. Only the flash window
// traps (its regions are installed read-only, and entirely unmapped
// during ProductId); every other guest-physical address the VCPU
// faults on reads as zero and ignores writes.
func (m *VirtualMachine) handleMMIO() {
	mmio := m.vcpu.raw.MMIO()

	if offset, ok := flashOffset(mmio.PhysAddr); ok {
		if mmio.IsWrite {
			m.flash.HandleWrite(offset, mmio.Data[0])
		} else {
			mmio.Data[0] = m.flash.HandleRead(offset)
		}
		if m.flash.Mapped() != m.flashMapped {
			m.reprogramFlash()
		}
		return
	}

	if !mmio.IsWrite {
		for i := range mmio.Data {
			mmio.Data[i] = 0
		}
	}
	if m.cfg.Debug {
		log.Printf("mmio: unmapped access at 0x%X (write=%v)", mmio.PhysAddr, mmio.IsWrite)
	}
}

// flashOffset folds a guest-physical address in either flash window
// (the primary mapping or its alias) onto an offset into the backing
// array.
func flashOffset(phys uint64) (uint32, bool) {
	switch {
	case phys >= flashBase && phys < flashBase+flashSize:
		return uint32(phys - flashBase), true
	case phys >= flashAliasBase && phys < flashAliasBase+flashSize:
		return uint32(phys - flashAliasBase), true
	}
	return 0, false
}

// reprogramA20 re-evaluates the A20 gate after a PIO access and, if it
// transitioned, reprograms slot 3: enabled unmaps the wrap alias
// (true 32-bit addressing), disabled re-establishes the alias onto the
// low 64 KiB of RAM.
func (m *VirtualMachine) reprogramA20() {
	enabled := m.a20.Enabled()
	if enabled == m.a20Enabled {
		return
	}
	if enabled {
		m.vm.SetUserMemoryRegion(slotA20Wrap, a20WrapBase, nil, false)
	} else {
		m.vm.SetUserMemoryRegion(slotA20Wrap, a20WrapBase, m.ram[:a20WrapSize], false)
	}
	m.a20Enabled = enabled
}

// reprogramFlash reflects the flash controller's Mapped state onto
// slots 4 and 5: unmapped during ProductId so reads fault into MMIO
// and HandleRead answers them, mapped otherwise so ordinary reads are
// served directly by the hypervisor without an exit.
func (m *VirtualMachine) reprogramFlash() {
	mapped := m.flash.Mapped()
	var region []byte
	if mapped {
		region = m.flash.Bytes()
	}
	m.vm.SetUserMemoryRegion(slotFlash, flashBase, region, true)
	m.vm.SetUserMemoryRegion(slotFlashAlias, flashAliasBase, region, true)
	m.flashMapped = mapped
}

// reprogramDiskWindow reflects the virtual disk controller's currently
// mapped sector onto slot 7. Called unconditionally after any access
// to the controller's ports; SetUserMemoryRegion with a nil/zero-length
// slice unmaps the slot, which is also the correct behavior before the
// first LBA strobe.
func (m *VirtualMachine) reprogramDiskWindow() {
	// A live slot cannot be moved to a new host mapping in place, so it
	// is deleted first and then installed again.
	m.vm.SetUserMemoryRegion(slotDiskWindow, diskWindowBase, nil, false)
	m.vm.SetUserMemoryRegion(slotDiskWindow, diskWindowBase, m.disk.Bytes(), false)
}

// Close tears down every owned resource: devices, VCPU, VM handle, and
// the reactor.
func (m *VirtualMachine) Close() error {
	for _, u := range m.uarts {
		u.Close()
	}
	for _, l := range m.irqLines {
		l.Close()
	}
	if m.disk != nil {
		m.disk.Close()
	}
	m.flash.Close()
	unix.Munmap(m.ram)
	if m.vcpu != nil {
		m.vcpu.Close()
	}
	m.vm.Close()
	m.kvm.Close()
	m.loop.Close()
	return nil
}

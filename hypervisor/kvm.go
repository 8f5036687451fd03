// Package hypervisor wraps the host KVM ioctl interface the spec
// treats as an external collaborator: VM/VCPU creation, memory-region
// programming, the blocking run call, and IRQ injection. Nothing here
// implements device semantics; it is the thin, testable boundary the
// vm package's main loop drives.
package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const kvmio = 0xAE

const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}
func ioNone(typ, nr uintptr) uintptr          { return ioc(0, typ, nr, 0) }
func ioWrite(typ, nr, size uintptr) uintptr   { return ioc(iocWrite, typ, nr, size) }
func ioRead(typ, nr, size uintptr) uintptr    { return ioc(iocRead, typ, nr, size) }
func ioReadWrite(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

var (
	kvmGetAPIVersion       = ioNone(kvmio, 0x00)
	kvmCreateVM            = ioNone(kvmio, 0x01)
	kvmCheckExtension      = ioNone(kvmio, 0x03)
	kvmGetVCPUMmapSize     = ioNone(kvmio, 0x04)
	kvmCreateVCPU          = ioNone(kvmio, 0x41)
	kvmRun                 = ioNone(kvmio, 0x80)
	kvmGetRegs             = ioRead(kvmio, 0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs             = ioWrite(kvmio, 0x82, unsafe.Sizeof(Regs{}))
	kvmGetSregs            = ioRead(kvmio, 0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs            = ioWrite(kvmio, 0x84, unsafe.Sizeof(Sregs{}))
	kvmSetUserMemoryRegion = ioWrite(kvmio, 0x46, unsafe.Sizeof(userspaceMemoryRegion{}))
	kvmCreateIRQChip       = ioNone(kvmio, 0x60)
	kvmIRQFD               = ioWrite(kvmio, 0x76, unsafe.Sizeof(irqfd{}))
	kvmCreatePIT2          = ioWrite(kvmio, 0x77, unsafe.Sizeof(pitConfig{}))
)

// apiVersion is the KVM_API_VERSION every supported host kernel
// reports; a mismatch means this binary was built against assumptions
// the running kernel doesn't satisfy.
const apiVersion = 12

// Regs mirrors struct kvm_regs (x86_64).
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDTR/IDTR).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs (x86_64): the segment/control-register
// state the VM loop programs once at reset for real-mode execution.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type irqfd struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]byte
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// Exit reasons the VM loop classifies on return from Run.
const (
	ExitUnknown   = 0
	ExitIO        = 2
	ExitDebug     = 4
	ExitHLT       = 5
	ExitMMIO      = 6
	ExitShutdown  = 8
	ExitFailEntry = 9
	ExitIntr      = 10
)

// kvmRunHeader is the fixed 32-byte prefix of struct kvm_run that
// precedes its exit-reason union; everything past it is read directly
// off the mmap'd byte slice by offset rather than modeled as a Go
// struct, since the union's variants differ in shape per exit reason.
const (
	runHeaderSize   = 32
	runExitReasonOff = 8
	runUnionOff     = runHeaderSize

	runIODirectionOff = runUnionOff + 0
	runIOSizeOff      = runUnionOff + 1
	runIOPortOff      = runUnionOff + 2
	runIOCountOff     = runUnionOff + 4
	runIODataOff      = runUnionOff + 8

	runMMIOPhysAddrOff = runUnionOff + 0
	runMMIODataOff     = runUnionOff + 8
	runMMIOLenOff      = runUnionOff + 16
	runMMIOIsWriteOff  = runUnionOff + 20
)

// IODirectionOut/IODirectionIn mirror KVM_EXIT_IO_OUT/IN.
const (
	IODirectionOut = 0
	IODirectionIn  = 1
)

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

// KVM is a handle on /dev/kvm, the host capability-negotiation and
// VM-factory endpoint.
type KVM struct {
	fd           int
	vcpuMmapSize int
}

// Open checks the host kernel's KVM API version and required
// extensions, matching the original source's startup sequence.
func Open() (*KVM, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}
	k := &KVM{fd: fd}

	version, err := ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}
	if version != apiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("KVM_GET_API_VERSION returned %d, expected %d", version, apiVersion)
	}

	if ok, err := ioctl(fd, kvmCheckExtension, uintptr(kvmCapUserMemory)); err != nil || ok == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("KVM_CAP_USER_MEMORY not available: %w", err)
	}

	size, err := ioctl(fd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	k.vcpuMmapSize = int(size)
	return k, nil
}

const kvmCapUserMemory = 3

// Close releases the /dev/kvm handle.
func (k *KVM) Close() error { return unix.Close(k.fd) }

// CreateVM creates a new virtual machine and returns its handle.
func (k *KVM) CreateVM() (*VM, error) {
	fd, err := ioctl(k.fd, kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	return &VM{fd: int(fd), vcpuMmapSize: k.vcpuMmapSize}, nil
}

// VM is a single virtual machine: its address space (the memory-slot
// table) and whatever VCPUs have been created against it.
type VM struct {
	fd           int
	vcpuMmapSize int
}

// Close tears down the VM handle.
func (vm *VM) Close() error { return unix.Close(vm.fd) }

// CreateIRQChip installs the in-kernel interrupt controller needed for
// IRQFD routing.
func (vm *VM) CreateIRQChip() error {
	if _, err := ioctl(vm.fd, kvmCreateIRQChip, 0); err != nil {
		return fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err)
	}
	return nil
}

// SetUserMemoryRegion programs (or, with len(data)==0, unmaps) one
// guest-physical memory-region slot. Slot numbering and aliasing
// discipline belongs to the caller (the vm package).
func (vm *VM) SetUserMemoryRegion(slot uint32, guestPhysAddr uint64, data []byte, readOnly bool) error {
	var flags uint32
	if readOnly {
		flags = 1 << 1 // KVM_MEM_READONLY
	}
	var userAddr uint64
	var size uint64
	if len(data) > 0 {
		userAddr = uint64(uintptr(unsafe.Pointer(&data[0])))
		size = uint64(len(data))
	}
	region := userspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    size,
		UserspaceAddr: userAddr,
	}
	if _, err := ioctl(vm.fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION(slot=%d): %w", slot, err)
	}
	return nil
}

// CreatePIT2 requests an in-kernel PIT. The TS-3100's PIT is modeled
// entirely in the device layer (devices.PIT) rather than delegated to
// the kernel's own virtual PIT, so the VM loop never calls this; it is
// retained on the handle only for parity with the assumed external
// interface's contract.
func (vm *VM) CreatePIT2() error {
	cfg := pitConfig{}
	if _, err := ioctl(vm.fd, kvmCreatePIT2, uintptr(unsafe.Pointer(&cfg))); err != nil {
		return fmt.Errorf("KVM_CREATE_PIT2: %w", err)
	}
	return nil
}

// IRQFD binds eventFD to gsi: a write to eventFD raises the line, and
// if resampleFD is non-zero the kernel writes to it once the injected
// interrupt has been acknowledged (the "refresh" notifier UARTs use to
// resample after service).
func (vm *VM) IRQFD(eventFD int, gsi uint32, resampleFD int) error {
	f := irqfd{FD: uint32(eventFD), GSI: gsi}
	if resampleFD != 0 {
		f.ResampleFD = uint32(resampleFD)
		f.Flags = 1 << 1 // KVM_IRQFD_FLAG_RESAMPLE
	}
	if _, err := ioctl(vm.fd, kvmIRQFD, uintptr(unsafe.Pointer(&f))); err != nil {
		return fmt.Errorf("KVM_IRQFD(gsi=%d): %w", gsi, err)
	}
	return nil
}

// CreateVCPU creates VCPU 0 (this emulator is single-VCPU per the
// spec's Non-goals) and maps its kvm_run structure.
func (vm *VM) CreateVCPU() (*VCPU, error) {
	fd, err := ioctl(vm.fd, kvmCreateVCPU, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}
	mem, err := unix.Mmap(int(fd), 0, vm.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}
	return &VCPU{fd: int(fd), run: mem}, nil
}

// VCPU owns one virtual CPU's run structure and register ioctls.
type VCPU struct {
	fd  int
	run []byte
}

// Close unmaps the run structure and closes the VCPU handle.
func (v *VCPU) Close() error {
	unix.Munmap(v.run)
	return unix.Close(v.fd)
}

// GetRegs/SetRegs/GetSregs/SetSregs wrap the matching ioctls.
func (v *VCPU) GetRegs() (Regs, error) {
	var r Regs
	_, err := ioctl(v.fd, kvmGetRegs, uintptr(unsafe.Pointer(&r)))
	return r, err
}
func (v *VCPU) SetRegs(r Regs) error {
	_, err := ioctl(v.fd, kvmSetRegs, uintptr(unsafe.Pointer(&r)))
	return err
}
func (v *VCPU) GetSregs() (Sregs, error) {
	var s Sregs
	_, err := ioctl(v.fd, kvmGetSregs, uintptr(unsafe.Pointer(&s)))
	return s, err
}
func (v *VCPU) SetSregs(s Sregs) error {
	_, err := ioctl(v.fd, kvmSetSregs, uintptr(unsafe.Pointer(&s)))
	return err
}

// Run blocks until the guest exits, always retrying transparently on
// EINTR (the spec's documented signal-interaction contract); a caller's
// exit flag can therefore only be checked between calls, after a VCPU
// exit.
func (v *VCPU) Run() error {
	for {
		_, err := ioctl(v.fd, kvmRun, 0)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("KVM_RUN: %w", err)
	}
}

// ExitReason reports the KVM_EXIT_* value from the last Run call.
func (v *VCPU) ExitReason() uint32 {
	return byteOrder.Uint32(v.run[runExitReasonOff:])
}

// IO describes a KVM_EXIT_IO exit's fixed fields and the guest data
// buffer embedded later in the run page.
type IO struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	Data      []byte
}

// IO reads the io-exit union variant out of the run page. Only valid
// when ExitReason() == ExitIO.
func (v *VCPU) IO() IO {
	direction := v.run[runIODirectionOff]
	size := v.run[runIOSizeOff]
	port := byteOrder.Uint16(v.run[runIOPortOff:])
	count := byteOrder.Uint32(v.run[runIOCountOff:])
	dataOffset := byteOrder.Uint64(v.run[runIODataOff:])
	n := int(size) * int(count)
	return IO{
		Direction: direction,
		Size:      size,
		Port:      port,
		Count:     count,
		Data:      v.run[dataOffset : dataOffset+uint64(n)],
	}
}

// MMIO describes a KVM_EXIT_MMIO exit.
type MMIO struct {
	PhysAddr uint64
	Data     []byte
	IsWrite  bool
}

// MMIO reads the mmio-exit union variant out of the run page. Only
// valid when ExitReason() == ExitMMIO.
func (v *VCPU) MMIO() MMIO {
	phys := byteOrder.Uint64(v.run[runMMIOPhysAddrOff:])
	length := byteOrder.Uint32(v.run[runMMIOLenOff:])
	isWrite := v.run[runMMIOIsWriteOff] != 0
	return MMIO{
		PhysAddr: phys,
		Data:     v.run[runMMIODataOff : runMMIODataOff+int(length)],
		IsWrite:  isWrite,
	}
}

// byteOrder is little-endian: both KVM host architectures Go targets
// (x86_64, arm64) are little-endian.
var byteOrder littleEndian

type littleEndian struct{}

func (littleEndian) Uint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
func (littleEndian) Uint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func (littleEndian) Uint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Eventfd creates a non-blocking eventfd for use as an IRQFD trigger
// or resample descriptor.
func Eventfd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}
	return fd, nil
}

package devices

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/teknoman117/ts3100vmm/vmerr"
)

// FlashState names a position in the JEDEC unlock/command sequencer.
type FlashState int

const (
	FlashRead FlashState = iota
	FlashCmd1
	FlashCmd2
	FlashCmd3
	FlashCmd4
	FlashCmd5
	FlashProgram
	FlashProductId
	FlashSectorErase
)

const (
	flashSize       = 0x80000
	flashSectorSize = 0x10000 // 64 KiB
	unlockAddr1     = 0x555
	unlockAddr2     = 0x2AA
)

// Flash implements the JEDEC-style command-sequence state machine
// driving the flash array: byte-program, sector-erase, chip-erase and
// product-ID reads. It owns the backing byte array, mmap'd read-write
// shared onto the flash backing file so guest writes persist, that two
// guest memory-region aliases normally map directly; while the machine
// is in ProductId, the VM loop unmaps those aliases and routes faults
// here instead.
type Flash struct {
	state FlashState
	mem   []byte

	// mapped reports whether the direct memory-region aliases should
	// currently be live. The VM loop reprograms the region slots
	// whenever this flips.
	mapped bool
}

// OpenFlash mmaps the backing file at path, which must already exist
// and be exactly flashSize bytes, and returns a Flash ready in state
// Read.
func OpenFlash(path string) (*Flash, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open flash backing file %s: %v", vmerr.ErrConfigurationFailure, path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("%w: stat flash backing file %s: %v", vmerr.ErrConfigurationFailure, path, err)
	}
	if st.Size != flashSize {
		return nil, fmt.Errorf("%w: flash backing file %s must be exactly 0x%X bytes, got 0x%X", vmerr.ErrConfigurationFailure, path, flashSize, st.Size)
	}

	mem, err := unix.Mmap(fd, 0, flashSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap flash backing file %s: %v", vmerr.ErrConfigurationFailure, path, err)
	}
	return &Flash{mem: mem, mapped: true}, nil
}

// Close unmaps the backing array. Writes already landed in the shared
// mapping; no separate flush is necessary.
func (f *Flash) Close() error {
	return unix.Munmap(f.mem)
}

// Bytes exposes the backing array for the guest memory-region slots
// that alias it directly while Mapped is true.
func (f *Flash) Bytes() []byte { return f.mem }

// Mapped reports whether the flash's direct memory-region aliases
// should currently be live. False only during ProductId.
func (f *Flash) Mapped() bool { return f.mapped }

// State reports the current position in the JEDEC command sequencer,
// for diagnostic register dumps.
func (f *Flash) State() FlashState { return f.state }

// HandleRead services a MMIO read at offset within the flash window
// (the guest address minus the window's base, folded onto
// [0, flashSize) for the alias region). Only reachable while !Mapped,
// since reads are otherwise serviced directly by the mapped region and
// never fault to MMIO.
func (f *Flash) HandleRead(offset uint32) uint8 {
	v := uint8(0x01)
	if offset&1 != 0 {
		v = 0xA4
	}
	if f.state == FlashProductId {
		f.state = FlashRead
		f.mapped = true
	}
	return v
}

// HandleWrite services a MMIO write at offset within the flash window,
// driving the JEDEC state machine.
func (f *Flash) HandleWrite(offset uint32, value uint8) {
	if value == 0xF0 {
		f.reset()
		return
	}

	switch f.state {
	case FlashRead:
		if value == 0xAA && offset == unlockAddr1 {
			f.state = FlashCmd1
			return
		}
	case FlashCmd1:
		if value == 0x55 && offset == unlockAddr2 {
			f.state = FlashCmd2
			return
		}
	case FlashCmd2:
		switch {
		case value == 0x80 && offset == unlockAddr1:
			f.state = FlashCmd3
			return
		case value == 0xA0 && offset == unlockAddr1:
			f.state = FlashProgram
			return
		case value == 0x90 && offset == unlockAddr1:
			f.state = FlashProductId
			f.mapped = false
			return
		}
	case FlashCmd3:
		if value == 0xAA && offset == unlockAddr1 {
			f.state = FlashCmd4
			return
		}
	case FlashCmd4:
		if value == 0x55 && offset == unlockAddr2 {
			f.state = FlashCmd5
			return
		}
	case FlashCmd5:
		switch {
		case value == 0x30:
			f.eraseSector(offset)
			f.state = FlashRead
			return
		case value == 0x10 && offset == unlockAddr1:
			f.eraseChip()
			f.state = FlashRead
			return
		}
	case FlashProgram:
		if int(offset) < len(f.mem) {
			f.mem[offset] = value
		}
		f.state = FlashRead
		return
	}

	log.Printf("flash: %v: unrecognized write 0x%02X at offset 0x%X in state %s", vmerr.ErrFlashProtocolViolation, value, offset, f.state)
	f.reset()
}

func (f *Flash) reset() {
	f.state = FlashRead
	f.mapped = true
}

func (f *Flash) eraseSector(offset uint32) {
	start := offset &^ (flashSectorSize - 1)
	end := start + flashSectorSize
	if end > uint32(len(f.mem)) {
		end = uint32(len(f.mem))
	}
	for i := start; i < end; i++ {
		f.mem[i] = 0xFF
	}
}

func (f *Flash) eraseChip() {
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
}

func (s FlashState) String() string {
	switch s {
	case FlashRead:
		return "Read"
	case FlashCmd1:
		return "Cmd1"
	case FlashCmd2:
		return "Cmd2"
	case FlashCmd3:
		return "Cmd3"
	case FlashCmd4:
		return "Cmd4"
	case FlashCmd5:
		return "Cmd5"
	case FlashProgram:
		return "Program"
	case FlashProductId:
		return "ProductId"
	default:
		return "SectorErase"
	}
}

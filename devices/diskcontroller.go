package devices

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/teknoman117/ts3100vmm/vmerr"
)

// diskWindowSize is the size of the option-ROM guest window the
// requested sector is mapped into (matches roms/virtual-disk/option.rom).
const diskWindowSize = 0x2000

const sectorSize = 512

// DiskController models the virtual disk's LBA register pair: the
// guest programs a 32-bit sector number across two 16-bit halves, then
// strobes an "update mapping" register; the controller mmaps
// diskWindowSize bytes (diskWindowSize/sectorSize sectors) of the
// backing disk image, starting at that sector, for the option-ROM
// window. mmap takes only page-aligned file offsets, so a strobe
// succeeds only for an LBA that is a multiple of 8 (4 KiB); any other
// LBA fails the strobe with an error and leaves the previous window
// mapped. No original firmware analog drives this device; it
// implements the optional-build LBA-window feature directly.
type DiskController struct {
	BaseDevice

	fd        int
	fileSize  int64
	lbaLow    uint16
	lbaHigh   uint16
	mapped    []byte
	lastSlice uint64 // byte offset currently mapped
}

// OpenDiskController opens the backing raw disk image read-write. The
// image is not mmap'd in its entirety: only the sector window the
// guest currently selects is mapped, strobed on demand.
func OpenDiskController(path string) (*DiskController, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open virtual disk image %s: %v", vmerr.ErrConfigurationFailure, path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: stat virtual disk image %s: %v", vmerr.ErrConfigurationFailure, path, err)
	}
	return &DiskController{fd: fd, fileSize: st.Size}, nil
}

// Close unmaps any live sector window and closes the backing file.
func (d *DiskController) Close() error {
	if d.mapped != nil {
		unix.Munmap(d.mapped)
		d.mapped = nil
	}
	return unix.Close(d.fd)
}

// Bytes exposes the currently mapped sector window, or nil if no
// mapping has been strobed yet.
func (d *DiskController) Bytes() []byte { return d.mapped }

func (d *DiskController) lba() uint32 {
	return uint32(d.lbaHigh)<<16 | uint32(d.lbaLow)
}

// Out16 covers the two LBA halves (offsets 0 and 2) and the
// update-mapping strobe (offset 4, any value).
func (d *DiskController) Out16(address uint16, value uint16) error {
	switch address & 0x7 {
	case 0:
		d.lbaLow = value
	case 2:
		d.lbaHigh = value
	case 4:
		return d.remap()
	}
	return nil
}

func (d *DiskController) In16(address uint16) (uint16, error) {
	switch address & 0x7 {
	case 0:
		return d.lbaLow, nil
	case 2:
		return d.lbaHigh, nil
	}
	return 0xFFFF, nil
}

// Out8 only services the strobe register at offset 4: any byte write
// triggers a remap, matching the 16-bit path.
func (d *DiskController) Out8(address uint16, _ uint8) error {
	if address&0x7 == 4 {
		return d.remap()
	}
	return nil
}

func (d *DiskController) remap() error {
	offset := int64(d.lba()) * sectorSize
	if offset < 0 || offset+diskWindowSize > d.fileSize {
		return fmt.Errorf("%w: virtual disk LBA %d out of range", vmerr.ErrConfigurationFailure, d.lba())
	}

	mem, err := unix.Mmap(d.fd, offset, diskWindowSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap virtual disk sector at LBA %d: %v", vmerr.ErrConfigurationFailure, d.lba(), err)
	}
	if d.mapped != nil {
		unix.Munmap(d.mapped)
	}
	d.mapped = mem
	d.lastSlice = uint64(offset)
	return nil
}

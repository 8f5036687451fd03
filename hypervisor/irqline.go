package hypervisor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/teknoman117/ts3100vmm/eventloop"
)

// IRQLine binds one device's interrupt line to a KVM IRQFD/resample
// eventfd pair, satisfying devices.InterruptRaiser without devices
// needing to import this package. Raise schedules an injection by
// writing the irqfd; the resample eventfd is written by the kernel
// once the guest has serviced (EOI'd) the interrupt, at which point
// onResample re-evaluates whether the line should be asserted again —
// this is the "refresh notifier" the spec's UART section describes.
type IRQLine struct {
	eventFD    int
	resampleFD int
}

// NewIRQLine creates the eventfd pair, binds them to gsi via
// vm.IRQFD, and registers the resample descriptor on loop so
// onResample runs whenever the kernel signals EOI.
func NewIRQLine(vm *VM, loop *eventloop.EventLoop, gsi uint32, onResample func()) (*IRQLine, error) {
	eventFD, err := Eventfd()
	if err != nil {
		return nil, err
	}
	resampleFD, err := Eventfd()
	if err != nil {
		unix.Close(eventFD)
		return nil, err
	}
	if err := vm.IRQFD(eventFD, gsi, resampleFD); err != nil {
		unix.Close(eventFD)
		unix.Close(resampleFD)
		return nil, err
	}

	l := &IRQLine{eventFD: eventFD, resampleFD: resampleFD}
	loop.AddEvent(resampleFD, unix.EPOLLIN, func(uint32) {
		var buf [8]byte
		unix.Read(resampleFD, buf[:])
		if onResample != nil {
			onResample()
		}
	})
	return l, nil
}

// Raise schedules an interrupt injection on this line.
func (l *IRQLine) Raise() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(l.eventFD, buf[:])
}

// Lower is a no-op: de-assertion of a level-triggered IRQFD line is
// implicit (the device simply stops re-raising); the kernel's
// resample protocol is what asks it whether to re-raise, not the
// other way around.
func (l *IRQLine) Lower() {}

// Close releases both descriptors.
func (l *IRQLine) Close() error {
	unix.Close(l.resampleFD)
	return unix.Close(l.eventFD)
}

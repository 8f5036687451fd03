package devices

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/teknoman117/ts3100vmm/eventloop"
	"github.com/teknoman117/ts3100vmm/vmerr"
)

// Direction names the transfer direction of a port-I/O access, carried
// over from the teacher for readability at call sites.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// InterruptRaiser is the line a device asserts/deasserts its IRQ
// through. The VM package's KVM-backed implementation drives this via
// KVM_IRQFD plus its resample eventfd; tests use a simple recorder.
type InterruptRaiser interface {
	Raise()
	Lower()
}

// rearmPeriod is the delay of the one-shot read and write rearm timers,
// armed by client data arrival, data-register reads and THR writes;
// when one fires the UART re-evaluates its IRQ line.
const rearmPeriod = time.Millisecond

const (
	uartIERDataAvailable = 0x01
	uartIERTHRE          = 0x02
	uartIERLineStatus    = 0x04
	uartIERModemStatus   = 0x08

	uartLSRDataReady       = 0x01
	uartLSRTHREmpty        = 0x20
	uartLSRTransmitterIdle = 0x40

	uartLCRDLAB = 0x80
)

type uartClient struct {
	fd      int
	pending []byte
}

// UART implements a 16450-compatible serial port backed by a UNIX
// domain socket: each connected client both receives every
// guest-transmitted byte and contributes to a single shared,
// first-available read stream consumed by the guest.
type UART struct {
	BaseDevice

	mu sync.Mutex

	socketPath string
	serverFD   int
	loop       *eventloop.EventLoop
	ownsLoop   bool
	clients    []*uartClient

	dlab        bool
	divisorLow  byte
	divisorHigh byte
	ier         byte
	scratch     byte

	// thrEmptyLatch mirrors the 16450's write-ready condition: cleared
	// by a THR write, restored by writeRearmTimer 1 ms later. readSuppressed
	// mirrors the read-ready condition: set by a data-register read,
	// cleared by readRearmTimer 1 ms later. Both exist to debounce
	// per-byte interrupt storms rather than reflect instantaneous state.
	thrEmptyLatch  bool
	readSuppressed bool

	irq             InterruptRaiser
	readRearmTimer  *time.Timer
	writeRearmTimer *time.Timer
	closed          bool
}

// NewUART constructs a UART that will listen on socketPath once
// Start is called. loop is the reactor the device registers its
// server and client descriptors on; the device keeps its own
// duplicate (loop.Dup()) so its own Close only removes its own
// descriptors, matching Serial16450's EventLoop-member-field pattern.
func NewUART(loop *eventloop.EventLoop, irq InterruptRaiser) *UART {
	u := &UART{
		serverFD:      -1,
		loop:          loop.Dup(),
		ownsLoop:      true,
		irq:           irq,
		thrEmptyLatch: true,
	}
	return u
}

// Start creates, binds and listens on the given UNIX socket path and
// registers the accept loop with the reactor.
func (u *UART) Start(socketPath string) error {
	unix.Unlink(socketPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("%w: uart socket: %v", vmerr.ErrConfigurationFailure, err)
	}
	addr := &unix.SockaddrUnix{Name: socketPath}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: uart bind %s: %v", vmerr.ErrConfigurationFailure, socketPath, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: uart listen %s: %v", vmerr.ErrConfigurationFailure, socketPath, err)
	}

	u.mu.Lock()
	u.socketPath = socketPath
	u.serverFD = fd
	u.mu.Unlock()

	return u.loop.AddEvent(fd, unix.EPOLLIN, u.handleServerReadable)
}

func (u *UART) handleServerReadable(uint32) {
	clientFD, _, err := unix.Accept(u.serverFD)
	if err != nil {
		return
	}
	unix.SetNonblock(clientFD, true)
	c := &uartClient{fd: clientFD}

	u.mu.Lock()
	u.clients = append(u.clients, c)
	u.mu.Unlock()

	u.loop.AddEvent(clientFD, unix.EPOLLIN, func(events uint32) {
		u.handleClientReadable(c, events)
	})
}

func (u *UART) handleClientReadable(c *uartClient, events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		u.dropClient(c)
		return
	}
	buf := make([]byte, 256)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			u.mu.Lock()
			c.pending = append(c.pending, buf[:n]...)
			u.mu.Unlock()
		}
		if err != nil || n <= 0 {
			break
		}
	}
	u.updateInterrupt()
	u.armReadRearm()
}

func (u *UART) dropClient(c *uartClient) {
	u.loop.RemoveEvent(c.fd)
	unix.Close(c.fd)
	u.mu.Lock()
	for i, other := range u.clients {
		if other == c {
			u.clients = append(u.clients[:i], u.clients[i+1:]...)
			break
		}
	}
	u.mu.Unlock()
}

// armReadRearm (re)schedules the read-debounce timer: 1 ms after the
// last call, it clears readSuppressed and re-evaluates the IRQ line.
// Called both after fresh client data arrives (to coalesce a burst of
// arrivals into one recheck) and after a data-register read (to hold
// off re-asserting read-available for the debounce window).
func (u *UART) armReadRearm() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	if u.readRearmTimer != nil {
		u.readRearmTimer.Stop()
	}
	u.readRearmTimer = time.AfterFunc(rearmPeriod, func() {
		u.mu.Lock()
		u.readSuppressed = false
		u.mu.Unlock()
		u.updateInterrupt()
	})
}

// armWriteRearm (re)schedules the write-debounce timer: 1 ms after a
// THR write, it restores thrEmptyLatch and re-evaluates the IRQ line,
// amortizing per-byte interrupt storms per spec.
func (u *UART) armWriteRearm() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	if u.writeRearmTimer != nil {
		u.writeRearmTimer.Stop()
	}
	u.writeRearmTimer = time.AfterFunc(rearmPeriod, func() {
		u.mu.Lock()
		u.thrEmptyLatch = true
		u.mu.Unlock()
		u.updateInterrupt()
	})
}

// anyClientHasDataLocked reports whether at least one client has an
// unread byte buffered, under lock already held by the caller.
func (u *UART) anyClientHasDataLocked() bool {
	for _, c := range u.clients {
		if len(c.pending) > 0 {
			return true
		}
	}
	return false
}

// dataAvailableLocked reports whether the read-available condition is
// currently asserted: at least one client has a pending byte and the
// debounce window armed by the last data-register read (if any) has
// elapsed. Called with mu held.
func (u *UART) dataAvailableLocked() bool {
	return !u.readSuppressed && u.anyClientHasDataLocked()
}

// Resample re-evaluates whether this UART's IRQ line should still be
// asserted; the IRQFD resample protocol calls this once the guest has
// serviced (EOI'd) an injected interrupt, since a level-triggered line
// may need to re-raise immediately if more data arrived.
func (u *UART) Resample() {
	u.updateInterrupt()
}

// updateInterrupt recomputes and asserts/deasserts the IRQ line: it is
// asserted while either enabled condition holds (received data
// available, or transmitter holding register empty). The 16450 priority
// order between the two is applied by the IIR read in In8.
func (u *UART) updateInterrupt() {
	u.mu.Lock()
	dataAvailable := u.dataAvailableLocked()
	asserted := (u.ier&uartIERDataAvailable != 0 && dataAvailable) ||
		(u.ier&uartIERTHRE != 0 && u.thrEmptyLatch)
	u.mu.Unlock()

	if asserted {
		u.irq.Raise()
	} else {
		u.irq.Lower()
	}
}

// In8 implements the 8 register offsets of a 16450, DLAB-gated where
// the hardware specifies.
func (u *UART) In8(address uint16) (uint8, error) {
	u.mu.Lock()
	needsInterruptUpdate := false
	needsReadRearm := false
	var result uint8

	switch address & 0x7 {
	case 0: // RHR / DLL
		if u.dlab {
			result = u.divisorLow
		} else {
			result = u.popByteLocked()
			u.readSuppressed = true
			needsInterruptUpdate = true
			needsReadRearm = true
		}
	case 1: // IER / DLH
		if u.dlab {
			result = u.divisorHigh
		} else {
			result = u.ier
		}
	case 2: // IIR (read); reading acknowledges a pending THRE interrupt
		pending := u.thrEmptyLatch
		u.thrEmptyLatch = false
		result = 0x01 // no interrupt pending, by default
		if u.dataAvailableLocked() && u.ier&uartIERDataAvailable != 0 {
			result = 0x04
		} else if u.ier&uartIERTHRE != 0 && pending {
			result = 0x02
		}
		needsInterruptUpdate = true
	case 3: // LCR
		if u.dlab {
			result = uartLCRDLAB
		}
	case 4: // MCR — not modeled, modem control lines are a Non-goal
	case 5: // LSR
		result = uartLSRTransmitterIdle
		if u.thrEmptyLatch {
			result |= uartLSRTHREmpty
		}
		if u.dataAvailableLocked() {
			result |= uartLSRDataReady
		}
	case 6: // MSR — not modeled
	case 7:
		result = u.scratch
	default:
		result = 0xFF
	}
	u.mu.Unlock()

	if needsInterruptUpdate {
		u.updateInterrupt()
	}
	if needsReadRearm {
		u.armReadRearm()
	}
	return result, nil
}

// popByteLocked removes and returns the oldest byte from the
// first client (in connection order) that has one pending.
func (u *UART) popByteLocked() byte {
	for _, c := range u.clients {
		if len(c.pending) > 0 {
			b := c.pending[0]
			c.pending = c.pending[1:]
			return b
		}
	}
	return 0xFF
}

func (u *UART) Out8(address uint16, data uint8) error {
	u.mu.Lock()
	needsWriteRearm := false
	switch address & 0x7 {
	case 0: // THR / DLL
		if u.dlab {
			u.divisorLow = data
			u.mu.Unlock()
			return nil
		}
		u.broadcastLocked(data)
		u.thrEmptyLatch = false
		needsWriteRearm = true
	case 1: // IER / DLH
		if u.dlab {
			u.divisorHigh = data
			u.mu.Unlock()
			return nil
		}
		u.ier = data & 0x0F
	case 2: // FCR — FIFOs are a Non-goal, writes are ignored
	case 3: // LCR
		u.dlab = data&uartLCRDLAB != 0
	case 4: // MCR — not modeled
	case 5: // LSR — not writable
	case 6: // MSR — not modeled
	case 7:
		u.scratch = data
	}
	u.mu.Unlock()
	u.updateInterrupt()
	if needsWriteRearm {
		u.armWriteRearm()
	}
	return nil
}

// broadcastLocked writes data to every connected client, dropping (and
// logging) any client whose connection has gone bad. Called with mu
// held.
func (u *UART) broadcastLocked(data byte) {
	buf := [1]byte{data}
	var dead []*uartClient
	for _, c := range u.clients {
		if _, err := unix.Write(c.fd, buf[:]); err != nil {
			log.Printf("uart %s: %v: %v", u.socketPath, vmerr.ErrTransientIoError, err)
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		u.loop.RemoveEvent(c.fd)
		unix.Close(c.fd)
		for i, other := range u.clients {
			if other == c {
				u.clients = append(u.clients[:i], u.clients[i+1:]...)
				break
			}
		}
	}
}

// Close tears down the listening socket, every client connection, and
// this device's share of the reactor.
func (u *UART) Close() error {
	u.mu.Lock()
	u.closed = true
	if u.readRearmTimer != nil {
		u.readRearmTimer.Stop()
	}
	if u.writeRearmTimer != nil {
		u.writeRearmTimer.Stop()
	}
	clients := append([]*uartClient(nil), u.clients...)
	serverFD := u.serverFD
	path := u.socketPath
	u.mu.Unlock()

	for _, c := range clients {
		u.loop.RemoveEvent(c.fd)
		unix.Close(c.fd)
	}
	if serverFD != -1 {
		u.loop.RemoveEvent(serverFD)
		unix.Close(serverFD)
	}
	if path != "" {
		unix.Unlink(path)
	}
	u.loop.Close()
	return nil
}

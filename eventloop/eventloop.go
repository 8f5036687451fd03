// Package eventloop implements a small epoll-based reactor: a single
// background goroutine multiplexes readiness events for any number of
// file descriptors and invokes a per-descriptor handler closure.
//
// An EventLoop value can be duplicated with Dup. Duplicates share the
// same underlying epoll instance, worker goroutine and handler table
// but each keeps its own set of registered descriptors, so each owner's
// Close only removes the descriptors it registered itself — mirroring the original
// EventLoop's copy-constructor semantics (copy subscribes to the
// shared state, move takes ownership of the handler table).
package eventloop

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// HandlerFunc is invoked with the epoll event mask that fired.
type HandlerFunc func(events uint32)

// core is the shared reactor state: one epoll fd, one worker
// goroutine, and the single table of registered handlers (handlers are
// looked up centrally rather than via address-stable map-node pointers,
// since Go maps do not offer pointer stability across rehashes).
type core struct {
	epollFD     int
	interruptFD int

	mu       sync.Mutex
	handlers map[int]HandlerFunc

	refs int32 // protected by mu
	done chan struct{}
}

func newCore() (*core, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	interruptFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epollFD)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}

	c := &core{
		epollFD:     epollFD,
		interruptFD: interruptFD,
		handlers:    make(map[int]HandlerFunc),
		refs:        1,
		done:        make(chan struct{}),
	}
	c.handlers[interruptFD] = c.handleInterrupt

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(interruptFD)}
	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, interruptFD, &ev); err != nil {
		unix.Close(epollFD)
		unix.Close(interruptFD)
		return nil, fmt.Errorf("eventloop: add interrupt handler: %w", err)
	}

	go c.run()
	return c, nil
}

func (c *core) handleInterrupt(uint32) {
	unix.Close(c.epollFD)
	unix.Close(c.interruptFD)
	c.epollFD = -1
	c.interruptFD = -1
}

func (c *core) run() {
	defer close(c.done)
	events := make([]unix.EpollEvent, 64)
	for {
		c.mu.Lock()
		fd := c.epollFD
		c.mu.Unlock()
		if fd == -1 {
			return
		}
		n, err := unix.EpollWait(fd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("eventloop: epoll_wait: %v", err)
			return
		}
		for i := 0; i < n; i++ {
			c.mu.Lock()
			h, ok := c.handlers[int(events[i].Fd)]
			c.mu.Unlock()
			if ok {
				h(events[i].Events)
			}
		}
		// the interrupt handler may have closed the descriptors; stop.
		c.mu.Lock()
		closed := c.epollFD == -1
		c.mu.Unlock()
		if closed {
			return
		}
	}
}

func (c *core) shutdown() {
	c.mu.Lock()
	c.refs--
	shouldStop := c.refs == 0
	fd := c.interruptFD
	c.mu.Unlock()
	if !shouldStop {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(fd, buf[:])
	<-c.done
}

// EventLoop is a handle onto a shared reactor core plus this handle's
// own set of registered descriptors.
type EventLoop struct {
	core  *core
	owned map[int]struct{}
}

// New creates a fresh reactor with its own epoll instance and worker
// goroutine.
func New() (*EventLoop, error) {
	c, err := newCore()
	if err != nil {
		return nil, err
	}
	return &EventLoop{core: c, owned: make(map[int]struct{})}, nil
}

// Dup returns a new handle sharing this loop's epoll instance, worker
// goroutine and handler table, with an empty set of owned descriptors.
func (l *EventLoop) Dup() *EventLoop {
	l.core.mu.Lock()
	l.core.refs++
	l.core.mu.Unlock()
	return &EventLoop{core: l.core, owned: make(map[int]struct{})}
}

// AddEvent registers handler for readiness events matching mask on fd.
// Re-adding an already-registered fd (even one owned by a different
// duplicate of this loop) replaces the previous handler.
func (l *EventLoop) AddEvent(fd int, mask uint32, handler HandlerFunc) error {
	if err := setNonBlocking(fd); err != nil {
		return err
	}

	l.core.mu.Lock()
	_, existed := l.core.handlers[fd]
	l.core.handlers[fd] = handler
	l.core.mu.Unlock()

	op := unix.EPOLL_CTL_ADD
	if existed {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(l.core.epollFD, op, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd=%d: %w", fd, err)
	}
	l.owned[fd] = struct{}{}
	return nil
}

// ModifyEvent changes the readiness mask for an already-registered fd.
func (l *EventLoop) ModifyEvent(fd int, mask uint32) error {
	l.core.mu.Lock()
	_, ok := l.core.handlers[fd]
	l.core.mu.Unlock()
	if !ok {
		return fmt.Errorf("eventloop: modify unknown fd=%d", fd)
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(l.core.epollFD, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// RemoveEvent deregisters fd, if this loop owns it.
func (l *EventLoop) RemoveEvent(fd int) {
	if _, ok := l.owned[fd]; !ok {
		return
	}
	unix.EpollCtl(l.core.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	l.core.mu.Lock()
	delete(l.core.handlers, fd)
	l.core.mu.Unlock()
	delete(l.owned, fd)
}

// Close removes every descriptor this handle owns and, once the last
// handle sharing the underlying core has closed, stops the worker
// goroutine and closes the epoll/eventfd descriptors.
func (l *EventLoop) Close() {
	for fd := range l.owned {
		l.RemoveEvent(fd)
	}
	l.core.shutdown()
}

func setNonBlocking(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("eventloop: fcntl getfl: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("eventloop: fcntl setfl: %w", err)
	}
	return nil
}

package devices_test

import (
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teknoman117/ts3100vmm/devices"
	"github.com/teknoman117/ts3100vmm/eventloop"
)

type recordingIRQ struct {
	raised int32
}

func (r *recordingIRQ) Raise() { atomic.StoreInt32(&r.raised, 1) }
func (r *recordingIRQ) Lower() { atomic.StoreInt32(&r.raised, 0) }
func (r *recordingIRQ) isRaised() bool { return atomic.LoadInt32(&r.raised) != 0 }

func newTestUART(t *testing.T) (*devices.UART, *recordingIRQ, string) {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatal(err)
	}
	irq := &recordingIRQ{}
	u := devices.NewUART(loop, irq)
	path := filepath.Join(t.TempDir(), fmt.Sprintf("uart-%d.sock", time.Now().UnixNano()))
	if err := u.Start(path); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		u.Close()
		loop.Close()
	})
	return u, irq, path
}

func TestUARTEchoesTransmittedByteToClient(t *testing.T) {
	u, _, path := newTestUART(t)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond) // let the accept loop register the client

	if err := u.Out8(0, 'V'); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 'V' {
		t.Errorf("got %q, want 'V'", buf[0])
	}
}

func TestUARTReceivesFromClientAndRaisesIRQWhenEnabled(t *testing.T) {
	u, irq, path := newTestUART(t)

	if err := u.Out8(1, 0x01); err != nil { // enable ERBFI
		t.Fatal(err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	if _, err := conn.Write([]byte("A")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if irq.isRaised() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !irq.isRaised() {
		t.Fatal("IRQ line was never raised after client wrote a byte")
	}

	lsr, err := u.In8(5)
	if err != nil {
		t.Fatal(err)
	}
	if lsr&0x01 == 0 {
		t.Errorf("LSR data-ready bit not set: %#02x", lsr)
	}

	rhr, err := u.In8(0)
	if err != nil {
		t.Fatal(err)
	}
	if rhr != 'A' {
		t.Errorf("RHR = %q, want 'A'", rhr)
	}
}

func TestUARTDLABGatesDivisorRegisters(t *testing.T) {
	u, _, _ := newTestUART(t)

	if err := u.Out8(3, 0x80); err != nil { // set DLAB
		t.Fatal(err)
	}
	if err := u.Out8(0, 0x17); err != nil {
		t.Fatal(err)
	}
	if err := u.Out8(1, 0x42); err != nil {
		t.Fatal(err)
	}
	lo, _ := u.In8(0)
	hi, _ := u.In8(1)
	if lo != 0x17 || hi != 0x42 {
		t.Errorf("divisor = %#02x/%#02x, want 0x17/0x42", lo, hi)
	}

	if err := u.Out8(3, 0x00); err != nil { // clear DLAB
		t.Fatal(err)
	}
	if ier, _ := u.In8(1); ier != 0 {
		t.Errorf("IER should read back 0 (nothing enabled), got %#02x", ier)
	}
}

func TestUARTIIRWriteEmptyClearedOnRead(t *testing.T) {
	u, _, _ := newTestUART(t)

	if err := u.Out8(1, 0x02); err != nil { // enable ETBEI
		t.Fatal(err)
	}

	// Idle THR with ETBEI enabled reports write-empty pending.
	iir, err := u.In8(2)
	if err != nil {
		t.Fatal(err)
	}
	if iir != 0x02 {
		t.Fatalf("first IIR read = %#02x, want 0x02 (write-empty pending)", iir)
	}

	// A second immediate read, with no intervening write, must report
	// nothing pending: the read itself acknowledges the edge.
	iir, err = u.In8(2)
	if err != nil {
		t.Fatal(err)
	}
	if iir != 0x01 {
		t.Errorf("second IIR read = %#02x, want 0x01 (nothing pending)", iir)
	}
}

func TestUARTWriteClearsThenRearmsWriteEmpty(t *testing.T) {
	u, irq, path := newTestUART(t)

	if err := u.Out8(1, 0x02); err != nil { // enable ETBEI
		t.Fatal(err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	if err := u.Out8(0, 'X'); err != nil {
		t.Fatal(err)
	}

	// Immediately after the write, write-empty must be clear: the LSR
	// THRE bit is down and the IRQ line must not be asserted, or every
	// byte written would re-trigger an interrupt (the storm the rearm
	// timer exists to prevent).
	lsr, err := u.In8(5)
	if err != nil {
		t.Fatal(err)
	}
	if lsr&0x20 != 0 {
		t.Errorf("LSR THRE bit set immediately after write: %#02x", lsr)
	}
	if irq.isRaised() {
		t.Error("IRQ line asserted immediately after a THR write")
	}

	// After the rearm window elapses, write-empty is restored and (with
	// ETBEI enabled) the IRQ line re-asserts.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if irq.isRaised() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !irq.isRaised() {
		t.Fatal("IRQ line was never re-raised after the write rearm window")
	}
	lsr, _ = u.In8(5)
	if lsr&0x20 == 0 {
		t.Errorf("LSR THRE bit still clear after rearm window: %#02x", lsr)
	}
}

func TestUARTReadSuppressesReadableUntilRearm(t *testing.T) {
	u, irq, path := newTestUART(t)

	if err := u.Out8(1, 0x01); err != nil { // enable ERBFI
		t.Fatal(err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	if _, err := conn.Write([]byte("AB")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if irq.isRaised() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !irq.isRaised() {
		t.Fatal("IRQ line was never raised after client wrote data")
	}

	if rhr, err := u.In8(0); err != nil || rhr != 'A' {
		t.Fatalf("RHR = %q, err=%v, want 'A'", rhr, err)
	}

	// A second byte is still buffered, but the read-debounce window
	// should suppress readable/read-interrupt immediately after the
	// first read.
	if lsr, _ := u.In8(5); lsr&0x01 != 0 {
		t.Errorf("LSR data-ready bit set during the read-suppression window: %#02x", lsr)
	}
	if irq.isRaised() {
		t.Error("IRQ line asserted during the read-suppression window")
	}

	// Once the debounce window elapses, the remaining buffered byte
	// re-asserts readiness.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if irq.isRaised() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !irq.isRaised() {
		t.Fatal("IRQ line was never re-raised after the read rearm window")
	}
}

package devices

import (
	"time"
)

// sourceClockPeriod is the 386EX PIT's 25 MHz input clock period in
// nanoseconds: 1e9 / 25e6 = 40.
const sourceClockPeriod = 40

type pitAccessMode uint8

const (
	accessLatchCountValue pitAccessMode = 0
	accessLowByteOnly     pitAccessMode = 1
	accessHighByteOnly    pitAccessMode = 2
	accessLowByteHighByte pitAccessMode = 3
)

type pitByteSelect uint8

const (
	byteLow    pitByteSelect = 0
	byteHigh   pitByteSelect = 1
	byteStatus pitByteSelect = 2
)

type pitChannelState struct {
	lastRecord time.Time
	value      uint16
	latch      uint16
	reload     uint16
	pendingLoad,
	waitingForLoad,
	outputState bool
	accessMode    pitAccessMode
	operatingMode uint8
	bcd           bool

	writeByte  pitByteSelect
	accessByte pitByteSelect
	latched    bool
}

// PIT implements the 8254-compatible Programmable Interval Timer. It
// only exposes an 8-bit port interface, same as the original.
type PIT struct {
	BaseDevice

	prescaler uint16
	channel   [3]pitChannelState
}

// NewPIT returns a PIT with all three channels idle in low-byte/high-byte
// access mode, each waiting for its first reload write, matching
// power-on reset state.
func NewPIT() *PIT {
	p := &PIT{prescaler: 2}
	now := time.Now()
	for i := range p.channel {
		p.channel[i].lastRecord = now
		p.channel[i].waitingForLoad = true
		p.channel[i].accessMode = accessLowByteHighByte
	}
	return p
}

// SetPrescaler implements Prescalable: the clock prescaler broadcasts
// its divisor to every PIT channel's time base.
func (p *PIT) SetPrescaler(divisor uint16) {
	p.resolveTimers()
	p.prescaler = divisor
}

// In8 dispatches counter-port reads (address&0x3 in 0..2). Read-back
// status and count bytes selected by a read-back command are returned
// through the selected channel's counter port; a read of the command
// port itself (address&0x3 == 3) returns 0.
func (p *PIT) In8(address uint16) (uint8, error) {
	sel := address & 0x3
	if sel == 0x03 {
		// no channel is implied by the command port alone; nothing to
		// read back here, matches the original's ioread8 fallback.
		return 0, nil
	}
	return p.readRegister(uint8(sel)), nil
}

// Out8 dispatches counter-port writes and command-port writes. The
// REDESIGN FLAG from the original C++ (`address & 0x3 == 0x03`, which
// due to operator precedence actually evaluates `address & (0x3==0x03)`
// i.e. `address & 1`, true for every odd port) is fixed here: the intended
// comparison, `(address & 0x3) == 0x03`, is what selects the command
// port.
func (p *PIT) Out8(address uint16, data uint8) error {
	if (address & 0x3) == 0x03 {
		p.writeCommand(data)
	} else {
		p.writeRegister(uint8(address&0x3), data)
	}
	return nil
}

func (p *PIT) writeCommand(commandByte uint8) {
	p.resolveTimers()
	channel := commandByte >> 6
	if channel == 3 {
		p.readback(commandByte)
		return
	}

	accessMode := pitAccessMode((commandByte >> 4) & 0x3)
	st := &p.channel[channel]
	if accessMode == accessLatchCountValue {
		st.latch = st.value
		st.latched = true
		return
	}

	st.accessMode = accessMode
	st.operatingMode = (commandByte >> 1) & 0x7
	st.bcd = commandByte&0x1 != 0
	st.waitingForLoad = true
	switch accessMode {
	case accessLowByteHighByte, accessLowByteOnly:
		st.accessByte = byteLow
		st.writeByte = byteLow
	case accessHighByteOnly:
		st.accessByte = byteHigh
		st.writeByte = byteHigh
	}
}

func (p *PIT) readback(commandByte uint8) {
	readChannel0 := commandByte&0x02 != 0
	readChannel1 := commandByte&0x04 != 0
	readChannel2 := commandByte&0x08 != 0
	latchStatus := commandByte&0x10 != 0
	latchCount := commandByte&0x20 != 0

	selected := [3]bool{readChannel0, readChannel1, readChannel2}
	for i := 0; i < 3; i++ {
		if !selected[i] {
			continue
		}
		st := &p.channel[i]
		if !latchStatus {
			st.accessByte = byteStatus
		} else if st.accessMode == accessHighByteOnly {
			st.accessByte = byteHigh
		} else {
			st.accessByte = byteLow
		}
		if !latchCount {
			st.latch = st.value
			st.latched = true
		}
	}
}

func (p *PIT) writeRegister(channel uint8, value uint8) {
	st := &p.channel[channel]
	st.pendingLoad = true
	switch st.writeByte {
	case byteLow:
		if !st.bcd {
			st.reload = (st.reload & 0xFF00) | uint16(value)
		} else {
			st.reload = (st.reload - st.reload%100) + uint16(value)
		}
		if st.accessMode == accessLowByteHighByte {
			st.writeByte = byteHigh
		} else if st.waitingForLoad {
			p.load(st)
		}
	case byteHigh:
		if !st.bcd {
			st.reload = (st.reload & 0x00FF) | (uint16(value) << 8)
		} else {
			st.reload = 100*uint16(value) + st.reload%100
		}
		if st.accessMode == accessLowByteHighByte {
			st.writeByte = byteLow
		}
		if st.waitingForLoad {
			p.load(st)
		}
	}
}

func (p *PIT) load(st *pitChannelState) {
	st.waitingForLoad = false
	st.pendingLoad = false
	st.value = st.reload
	st.lastRecord = time.Now()
}

func (p *PIT) readRegister(channel uint8) uint8 {
	st := &p.channel[channel]
	value := st.value
	if st.latched {
		value = st.latch
	}

	p.resolveTimers()
	var result uint8
	switch st.accessByte {
	case byteLow:
		if !st.bcd {
			result = uint8(value & 0xFF)
		} else {
			result = uint8(value % 100)
		}
	case byteHigh:
		if !st.bcd {
			result = uint8((value >> 8) & 0xFF)
		} else {
			result = uint8(value / 100)
		}
	case byteStatus:
		result = uint8(boolBit(st.bcd, 0)) |
			(st.operatingMode&0x7)<<1 |
			uint8(st.accessMode&0x3)<<4 |
			uint8(boolBit(st.pendingLoad||st.waitingForLoad, 6)) |
			uint8(boolBit(st.outputState, 7))
	}

	switch st.accessByte {
	case byteLow:
		if st.accessMode == accessLowByteOnly {
			st.latched = false
		} else {
			st.accessByte = byteHigh
		}
	case byteHigh:
		st.latched = false
		if st.accessMode != accessHighByteOnly {
			st.accessByte = byteLow
		}
	case byteStatus:
		if st.accessMode == accessHighByteOnly {
			st.accessByte = byteHigh
		} else {
			st.accessByte = byteLow
		}
	}
	return result
}

func boolBit(b bool, shift uint) uint8 {
	if b {
		return 1 << shift
	}
	return 0
}

// resolveTimers advances every channel's count by the elapsed wall
// time divided by the current tick period, wrapping through reload on
// underflow, exactly as the original's resolveTimers.
func (p *PIT) resolveTimers() {
	now := time.Now()
	period := uint64(sourceClockPeriod) * uint64(p.prescaler)
	for i := range p.channel {
		st := &p.channel[i]
		if st.waitingForLoad {
			continue
		}
		elapsed := now.Sub(st.lastRecord)
		st.lastRecord = now
		ticks := uint64(elapsed) / period

		if ticks > uint64(st.value) {
			ticks -= uint64(st.value)
			ticks %= uint64(st.reload) + 1
			st.value = st.reload - uint16(ticks)
			st.pendingLoad = false
		} else {
			st.value -= uint16(ticks)
		}
	}
}

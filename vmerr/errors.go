// Package vmerr defines the error-kind taxonomy used across the VMM:
// which conditions are fatal, which are guest-visible degradations, and
// which are transient and simply logged.
package vmerr

import "errors"

var (
	// ErrConfigurationFailure means the VMM cannot start at all: a
	// required file is missing, a hypervisor capability is absent, or
	// a memory slot could not be installed. Fatal.
	ErrConfigurationFailure = errors.New("configuration failure")

	// ErrUnsupportedIoWidth means a device was accessed with an access
	// width it does not implement. Guest-visible (reads return 0xFF,
	// writes are ignored) and logged, never fatal.
	ErrUnsupportedIoWidth = errors.New("unsupported io width")

	// ErrFlashProtocolViolation means the JEDEC command sequencer saw a
	// byte it could not interpret in its current state. The controller
	// resets to its Read state and logs; not fatal.
	ErrFlashProtocolViolation = errors.New("flash protocol violation")

	// ErrTransientIoError covers a single client connection failing
	// (UART socket reset, short read/write). The affected client is
	// dropped; the VM continues.
	ErrTransientIoError = errors.New("transient io error")

	// ErrGuestHalted is returned by the VM run loop when the guest
	// executes HLT. Not a failure: it is the normal way a scenario
	// that doesn't loop forever signals completion.
	ErrGuestHalted = errors.New("guest halted")
)

// Command ts3100vmm runs a TS-3100 single-board-computer guest under
// KVM: four serial ports bridged to local UNIX sockets, a flash array
// backing ROM-DOS and the BIOS shadow, an optional virtual disk, and
// the rest of the board's fixed-function I/O.
package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/teknoman117/ts3100vmm/vm"
	"github.com/teknoman117/ts3100vmm/vmerr"
)

func main() {
	log.SetFlags(0)

	flashPath := flag.String("flash", "roms/flash.bin", "JEDEC flash backing file (0x80000 bytes)")
	rtcPath := flag.String("rtc", "/tmp/3100.rtc.bin", "RTC NVRAM backing file")
	diskPath := flag.String("disk", "", "virtual disk image (raw sectors); empty disables the feature")
	optionROMPath := flag.String("option-rom", "", "option ROM image mapped at guest 0xC8000; empty leaves it blank")
	com1 := flag.String("com1", "/tmp/3100.com1.socket", "COM1 UNIX socket path")
	com2 := flag.String("com2", "/tmp/3100.com2.socket", "COM2 UNIX socket path")
	com3 := flag.String("com3", "/tmp/3100.com3.socket", "COM3 UNIX socket path")
	com4 := flag.String("com4", "/tmp/3100.com4.socket", "COM4 UNIX socket path")
	debug := flag.Bool("debug", false, "enable verbose diagnostic logging")
	flag.Parse()

	machine, err := vm.New(vm.Config{
		FlashPath:     *flashPath,
		RTCNVRAMPath:  *rtcPath,
		DiskImagePath: *diskPath,
		OptionROMPath: *optionROMPath,
		COM1Socket:    *com1,
		COM2Socket:    *com2,
		COM3Socket:    *com3,
		COM4Socket:    *com4,
		Debug:         *debug,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer machine.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		log.Printf("signal received, requesting shutdown")
		machine.RequestExit()
	}()

	if err := machine.Run(); err != nil && !errors.Is(err, vmerr.ErrGuestHalted) {
		log.Fatal(err)
	}
}

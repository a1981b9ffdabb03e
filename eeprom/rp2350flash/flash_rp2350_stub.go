//go:build !tinygo

// Host-buildable stand-in for flash_rp2350.go: this lets `go vet`/`go
// test` run on a development machine without a TinyGo/arm-none-eabi
// cross compiler, while the real cgo ROM-function implementation is only
// compiled into actual firmware builds.
package rp2350flash

import "errors"

const SectorSize = 4096

var errNotAvailable = errors.New("rp2350flash: real hardware flash is only available in tinygo builds")

// Flash is a stub matching the real type's shape; every method returns
// errNotAvailable since there is no on-chip flash to talk to on a host
// build.
type Flash struct {
	baseOffset uint32
	size       uint32
}

// New returns a stub Flash with the same signature as the tinygo build's
// constructor, for host-side code that only needs to compile, not run,
// against this package (e.g. devtable wiring exercised by non-hardware
// tests).
func New(baseOffset, size uint32) *Flash {
	return &Flash{baseOffset: baseOffset, size: size}
}

func (f *Flash) ReadByte(addr uint32) (byte, error)  { return 0, errNotAvailable }
func (f *Flash) WriteByte(addr uint32, v byte) error { return errNotAvailable }
func (f *Flash) ErasePage(pageBase uint32) error      { return errNotAvailable }

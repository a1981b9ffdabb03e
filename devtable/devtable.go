// Package devtable holds the per-MCU-family flash geometry this team's
// devices ship with, kept deliberately separate from the eeprom core per
// spec.md §9's "device-family dispatch" design note: the core consumes
// only a Config (page size, base address, page count, lock address), not
// knowledge of any specific chip.
package devtable

import "openenterprise/flashee/eeprom"

// Family identifies a supported MCU/flash combination.
type Family int

const (
	// FamilyMCS51EEPROMEmu is the original 8051-class target this design
	// descends from: small 512-byte flash pages, a handful of logical
	// bytes, no lock-page constraint beyond the code-protect boundary.
	FamilyMCS51EEPROMEmu Family = iota

	// FamilyRP2350 is the Raspberry Pi Pico 2 class of board this
	// repository's firmware shell (main.go, console.go, imageserver.go)
	// actually targets: 4096-byte erase sectors, a 2 MiB flash part, the
	// emulation region carved out of the top of flash away from the
	// XIP-mapped firmware image.
	FamilyRP2350
)

// Geometry returns the flash layout for family. The caller supplies
// baseAddr (where in that device's address space the emulation region
// begins) and eeSize (how many logical bytes to expose); Geometry fills
// in everything else the device itself dictates.
func Geometry(family Family, baseAddr uint32, eeSize uint8) (eeprom.Config, error) {
	switch family {
	case FamilyMCS51EEPROMEmu:
		return eeprom.Config{
			BaseAddr:  baseAddr,
			PageSize:  512,
			PageCount: 2,
			EESize:    eeSize,
			LockAddr:  0, // caller's linker script enforces this for the 8051 target
		}, nil

	case FamilyRP2350:
		return eeprom.Config{
			BaseAddr:  baseAddr,
			PageSize:  4096,
			PageCount: 4,
			EESize:    eeSize,
			LockAddr:  0,
		}, nil

	default:
		return eeprom.Config{}, errUnknownFamily
	}
}

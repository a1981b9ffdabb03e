package eeprom

import "errors"

// Sentinel errors per the §7 taxonomy. Wrap with fmt.Errorf("...: %w", ...)
// for call-site context; compare with errors.Is.
var (
	// ErrBadAddress is returned when a logical address (or a block range)
	// falls outside [0, EE_SIZE). Checked before any flash access.
	ErrBadAddress = errors.New("eeprom: address out of range")

	// ErrWrite is returned when the underlying FlashPort reports a failure
	// while a record is appended or while compaction runs. The cursor and
	// presence bitmap are left unadvanced. Programmed bytes are not read
	// back, so a program that silently fails to latch is not detected.
	ErrWrite = errors.New("eeprom: write failed")

	// ErrRead is returned when the presence bitmap claims a record exists
	// for an address but none is found on a scan. This indicates flash
	// corruption or a violated invariant; it should not occur in normal
	// operation.
	ErrRead = errors.New("eeprom: read failed")

	// ErrSector names the recovery case in which no page can be elected
	// ACTIVE because every page's header is unrecognizable. Recovery
	// resolves that case by reformatting all pages and promoting page 0,
	// so no function in this package returns ErrSector.
	ErrSector = errors.New("eeprom: no page could be elected active")

	// ErrNotOpen is returned by any Store method called before Open has
	// completed successfully.
	ErrNotOpen = errors.New("eeprom: store not open")
)

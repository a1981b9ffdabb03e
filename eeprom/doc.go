// Package eeprom implements a wear-leveled, log-structured byte EEPROM
// emulation on top of page-granular, program-low NOR flash.
//
// The emulator presents a fixed-size array of logical bytes addressed
// 0..EE_SIZE-1, each independently readable and rewritable. Writes are
// journaled as an append-only log of (address, value) records across a
// rotating set of flash pages; when the active page fills, compaction
// copies forward only the latest value of every logical address and
// retires the exhausted page. No single logical byte can therefore drive
// more physical erase cycles on any one page than the full page rotation
// amortizes across.
//
// The package depends on nothing but the FlashPort interface it defines:
// callers supply byte-level program/erase/read primitives for their own
// flash geometry (see the devtable and eeprom/flashsim, eeprom/rp2350flash
// packages for ready-made ports).
package eeprom

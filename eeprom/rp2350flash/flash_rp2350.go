//go:build tinygo

// Package rp2350flash adapts the Raspberry Pi RP2350 ROM flash functions
// into an eeprom.FlashPort, for boards that carry the EEPROM emulation
// region in their own on-chip flash rather than external SPI flash.
//
// Grounded on ota/ota.go's cgo ROM-function-lookup machinery (exit-XIP,
// flush-cache, flash_range_erase/flash_range_program via the bootrom
// function table) but with the A/B-partition/TBYB firmware-update logic
// removed: this package only ever touches the EEPROM's own flash region,
// never a firmware partition, and adds a direct byte-read primitive the
// original OTA driver never needed (it only ever wrote whole chunks).
package rp2350flash

/*
#include <stdint.h>
#include <stddef.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

#define RT_FLAG_FUNC_ARM_SEC 0x0004

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);

__attribute__((always_inline))
static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define XIP_BASE 0x10000000u
#define FLASH_SECTOR_ERASE_CMD 0x20

typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

// eeprom_flash_program writes a page-aligned, page-sized block to raw
// flash offset `offset`. Callers are responsible for the read-modify-
// write dance needed to turn a single byte program into a whole-block
// program (see Flash.WriteByte in flash_rp2350.go).
static void eeprom_flash_program(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    program(offset, data, len);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

// eeprom_flash_erase_sector erases one 4KB sector at raw flash offset.
static void eeprom_flash_erase_sector(uint32_t offset) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    erase(offset, 4096, 4096, FLASH_SECTOR_ERASE_CMD);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

// eeprom_flash_read_byte reads directly from the XIP memory-mapped
// address space — a primitive the original OTA driver never exposed,
// since it only ever wrote whole firmware chunks and never needed to
// read an arbitrary byte back.
static uint8_t eeprom_flash_read_byte(uint32_t offset) {
    return *(volatile uint8_t *)(XIP_BASE + offset);
}
*/
import "C"

import "errors"

const (
	// blockSize is the program granularity flash_range_program requires;
	// WriteByte performs a read-modify-write of one block to honor the
	// FlashPort contract's single-byte semantics.
	blockSize = 256
	// SectorSize is the erase granularity of RP2350 on-chip flash.
	SectorSize = 4096
)

var errFlashRange = errors.New("rp2350flash: address out of range")

// Flash adapts a region of the RP2350's own on-chip flash, starting at
// baseOffset bytes from the start of flash, into an eeprom.FlashPort. The
// caller is responsible for choosing baseOffset so the region does not
// collide with the XIP-resident firmware image.
type Flash struct {
	baseOffset uint32
	size       uint32
}

// New returns a Flash exposing size bytes of on-chip flash starting at
// baseOffset (a raw flash offset, not an XIP address).
func New(baseOffset, size uint32) *Flash {
	return &Flash{baseOffset: baseOffset, size: size}
}

func (f *Flash) checkRange(addr uint32, n uint32) error {
	if addr+n > f.size {
		return errFlashRange
	}
	return nil
}

// ReadByte implements eeprom.FlashPort via a direct XIP memory read.
func (f *Flash) ReadByte(addr uint32) (byte, error) {
	if err := f.checkRange(addr, 1); err != nil {
		return 0, err
	}
	return byte(C.eeprom_flash_read_byte(C.uint32_t(f.baseOffset + addr))), nil
}

// WriteByte implements eeprom.FlashPort. RP2350's flash_range_program
// only accepts block-aligned, block-sized writes, so a single byte
// program is performed as a read-modify-write of the enclosing block:
// read the block, clear bits to the new value (flash only ever clears,
// matching FlashPort's contract), and reprogram the whole block.
func (f *Flash) WriteByte(addr uint32, v byte) error {
	if err := f.checkRange(addr, 1); err != nil {
		return err
	}
	blockStart := (addr / blockSize) * blockSize
	var buf [blockSize]byte
	for i := uint32(0); i < blockSize; i++ {
		buf[i] = byte(C.eeprom_flash_read_byte(C.uint32_t(f.baseOffset + blockStart + i)))
	}
	buf[addr-blockStart] &= v
	C.eeprom_flash_program(C.uint32_t(f.baseOffset+blockStart), (*C.uint8_t)(&buf[0]), C.uint32_t(blockSize))
	return nil
}

// ErasePage implements eeprom.FlashPort, restoring the page starting at
// pageBase to all 0xFF. pageBase and the page size are both assumed to be
// SectorSize-aligned (§6's configuration constraints guarantee this for
// any devtable entry naming this family).
func (f *Flash) ErasePage(pageBase uint32) error {
	if err := f.checkRange(pageBase, SectorSize); err != nil {
		return err
	}
	C.eeprom_flash_erase_sector(C.uint32_t(f.baseOffset + pageBase))
	return nil
}

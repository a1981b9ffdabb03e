// Package flashsim provides an in-memory eeprom.FlashPort for tests and
// host-side tooling, with optional crash-injection hooks so the eeprom
// package's test suite can exercise §4.7 recovery against torn writes and
// interrupted compactions without real hardware.
package flashsim

import "errors"

// ErrInjectedCrash is returned by Write/Erase once the injected failure
// point has been reached, simulating a power loss mid-operation.
var ErrInjectedCrash = errors.New("flashsim: injected crash")

// Flash is a byte-addressable in-memory flash device implementing
// eeprom.FlashPort. The zero value is not usable; construct with New.
type Flash struct {
	mem      []byte
	pageSize uint32

	// writesRemaining, if non-negative, counts down on every successful
	// byte program or page erase; when it reaches zero the next WriteByte
	// or ErasePage call returns ErrInjectedCrash instead of applying. -1
	// disables injection.
	writesRemaining int

	writeCount int
	eraseCount int
}

// New returns a Flash of size bytes divided into pages of pageSize bytes,
// fully erased (all 0xFF).
func New(size int, pageSize uint32) *Flash {
	f := &Flash{mem: make([]byte, size), pageSize: pageSize, writesRemaining: -1}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

// CrashAfterWrites arms injection: the first n WriteByte or ErasePage
// calls after this is armed succeed normally; the (n+1)-th returns
// ErrInjectedCrash. Pass n=0 to fail on the very next write or erase.
func (f *Flash) CrashAfterWrites(n int) {
	f.writesRemaining = n
}

// DisableCrash clears any armed injection.
func (f *Flash) DisableCrash() {
	f.writesRemaining = -1
}

// ReadByte implements eeprom.FlashPort.
func (f *Flash) ReadByte(addr uint32) (byte, error) {
	if int(addr) >= len(f.mem) {
		return 0, errors.New("flashsim: read out of range")
	}
	return f.mem[addr], nil
}

// WriteByte implements eeprom.FlashPort. It only clears bits (matching
// real NOR flash semantics): mem[addr] &= v.
func (f *Flash) WriteByte(addr uint32, v byte) error {
	if int(addr) >= len(f.mem) {
		return errors.New("flashsim: write out of range")
	}
	if f.writesRemaining == 0 {
		f.writesRemaining = -1
		return ErrInjectedCrash
	}
	if f.writesRemaining > 0 {
		f.writesRemaining--
	}
	f.mem[addr] &= v
	f.writeCount++
	return nil
}

// ErasePage implements eeprom.FlashPort: restores the configured page
// size's worth of bytes starting at pageBase to 0xFF.
func (f *Flash) ErasePage(pageBase uint32) error {
	if int(pageBase)+int(f.pageSize) > len(f.mem) {
		return errors.New("flashsim: erase out of range")
	}
	if f.writesRemaining == 0 {
		f.writesRemaining = -1
		return ErrInjectedCrash
	}
	if f.writesRemaining > 0 {
		f.writesRemaining--
	}
	for i := uint32(0); i < f.pageSize; i++ {
		f.mem[pageBase+i] = 0xFF
	}
	f.eraseCount++
	return nil
}

// WriteCount returns the number of successful byte programs so far.
func (f *Flash) WriteCount() int { return f.writeCount }

// EraseCount returns the number of page erases so far.
func (f *Flash) EraseCount() int { return f.eraseCount }

// Snapshot returns a copy of the full device memory, for crash-recovery
// tests that construct a fresh Flash from mid-sequence bytes.
func (f *Flash) Snapshot() []byte {
	cp := make([]byte, len(f.mem))
	copy(cp, f.mem)
	return cp
}

// FromSnapshot builds a Flash whose memory is exactly mem (not copied by
// reference — FromSnapshot copies it), used by tests that want to resume
// from a captured torn state.
func FromSnapshot(mem []byte, pageSize uint32) *Flash {
	f := &Flash{mem: make([]byte, len(mem)), pageSize: pageSize, writesRemaining: -1}
	copy(f.mem, mem)
	return f
}

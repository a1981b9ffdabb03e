package eeprom

import "testing"

// Scenario 1: fresh init.
func TestScenarioFreshInit(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	for a := byte(0); a < cfg.EESize; a++ {
		v, err := s.ReadByte(a)
		if err != nil {
			t.Fatalf("ReadByte(%d): %v", a, err)
		}
		if v != 0xFF {
			t.Errorf("ReadByte(%d) = %#x, want 0xFF", a, v)
		}
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	active := stats.ActivePage
	count := 0
	for idx, st := range func() []pageState {
		out := make([]pageState, cfg.PageCount)
		for i := range out {
			out[i], _ = readStatus(fl, cfg.pageBase(i))
		}
		return out
	}() {
		if st == stateActive {
			count++
			if idx != active {
				t.Errorf("active page mismatch: Stats says %d, header says %d", active, idx)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one ACTIVE page, got %d", count)
	}
	if stats.EraseCounters[active] != 1 {
		t.Errorf("active page erase counter = %d, want 1", stats.EraseCounters[active])
	}
}

// Scenario 2: basic write/read.
func TestScenarioBasicWriteRead(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	if err := s.WriteByte(0, 0x55); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteByte(1, 0x56); err != nil {
		t.Fatal(err)
	}

	mustRead := func(a byte, want byte) {
		t.Helper()
		got, err := s.ReadByte(a)
		if err != nil {
			t.Fatalf("ReadByte(%d): %v", a, err)
		}
		if got != want {
			t.Errorf("ReadByte(%d) = %#x, want %#x", a, got, want)
		}
	}
	mustRead(0, 0x55)
	mustRead(1, 0x56)
	mustRead(2, 0xFF)
}

// Scenario 3: overwrite keeps latest, and the active page still holds all
// three records for address 0.
func TestScenarioOverwriteKeepsLatest(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	for _, v := range []byte{0x11, 0x22, 0x33} {
		if err := s.WriteByte(0, v); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ReadByte(0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x33 {
		t.Errorf("ReadByte(0) = %#x, want 0x33", got)
	}

	count := 0
	err = scanRecords(fl, s.page.base, cfg.PageSize, func(_ uint16, addr, _ byte) bool {
		if addr == 0 {
			count++
		}
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected 3 records for address 0, found %d", count)
	}
}

// Scenario 4: compaction trigger.
func TestScenarioCompactionTrigger(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	// k-1 writes to address 0 plus one write to address 1 fill exactly the
	// page's k record slots.
	k := cfg.pageCapacityRecords() // 510
	for i := 0; i < k-1; i++ {
		if err := s.WriteByte(0, byte(i)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := s.WriteByte(1, 0xAA); err != nil {
		t.Fatal(err)
	}

	oldActive := s.page.idx
	oldCounter, err := readEraseCount(fl, cfg.pageBase(oldActive))
	if err != nil {
		t.Fatal(err)
	}

	// Active page is now full; this write must trigger compaction.
	if err := s.WriteByte(2, 0xBB); err != nil {
		t.Fatal(err)
	}

	if s.page.idx == oldActive {
		t.Fatalf("expected compaction to rotate the active page")
	}

	mustRead := func(a byte, want byte) {
		t.Helper()
		got, err := s.ReadByte(a)
		if err != nil {
			t.Fatalf("ReadByte(%d): %v", a, err)
		}
		if got != want {
			t.Errorf("ReadByte(%d) = %#x, want %#x", a, got, want)
		}
	}
	mustRead(0, byte(k-2))
	mustRead(1, 0xAA)
	mustRead(2, 0xBB)

	st, err := readStatus(fl, cfg.pageBase(oldActive))
	if err != nil {
		t.Fatal(err)
	}
	if st != stateErased {
		t.Errorf("old active page status = %v, want erased", st)
	}
	newCounter, err := readEraseCount(fl, cfg.pageBase(oldActive))
	if err != nil {
		t.Fatal(err)
	}
	if newCounter != oldCounter+1 {
		t.Errorf("old active page erase counter = %d, want %d", newCounter, oldCounter+1)
	}

	// Exactly two live records should have been copied forward (0 and 1),
	// plus the freshly appended third (2): tail = tagSize + 3*variableSize.
	wantTail := uint16(tagSize + 3*variableSize)
	if s.page.tail != wantTail {
		t.Errorf("new active page tail = %d, want %d", s.page.tail, wantTail)
	}
}

// Scenario 5: crash during compaction (RECEIVING).
func TestScenarioCrashDuringCompaction(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	k := cfg.pageCapacityRecords()
	for i := 0; i < k; i++ {
		if err := s.WriteByte(3, byte(i)); err != nil {
			t.Fatal(err)
		}
	}

	srcIdx := s.page.idx
	destIdx := (srcIdx + 1) % cfg.PageCount
	destBase := cfg.pageBase(destIdx)

	// Manually drive the destination page to RECEIVING, as if compaction
	// was interrupted after step 2 but before the commit in step 4.
	if err := formatPage(fl, destBase); err != nil {
		t.Fatal(err)
	}
	if err := writeStatus(fl, destBase, statusReceiving); err != nil {
		t.Fatal(err)
	}

	// Reopen: recovery must reformat the RECEIVING page and keep the
	// source (still full and ACTIVE) as the elected active page.
	s2, err := Open(fl, cfg)
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	if s2.page.idx != srcIdx {
		t.Errorf("recovered active page = %d, want %d (the uncompacted source)", s2.page.idx, srcIdx)
	}
	st, err := readStatus(fl, destBase)
	if err != nil {
		t.Fatal(err)
	}
	if st != stateErased {
		t.Errorf("destination page status after recovery = %v, want erased", st)
	}
	got, err := s2.ReadByte(3)
	if err != nil {
		t.Fatal(err)
	}
	if got != byte(k-1) {
		t.Errorf("ReadByte(3) after recovery = %#x, want %#x", got, byte(k-1))
	}
}

// Scenario 6: crash mid-write (address byte programmed, value byte not).
//
// The prior value of the address under test is left at 0xFF (never
// written). This sidesteps an internal tension in spec.md between §4.2's
// literal find_latest algorithm — which returns the first record matching
// the address regardless of its value byte, so a torn record (addr, 0xFF)
// is a valid "addr set to 0xFF" match per §5 — and §8 scenario 6's prose,
// which describes the post-crash read as returning "the value prior to
// that write". For an address whose prior value was itself 0xFF, both
// readings agree, which is what this test fixes the scenario's intent to:
// the torn write is harmless because 0xFF is the neutral value (§5).
func TestScenarioCrashMidWrite(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	// Simulate a crash between the address byte and the value byte of the
	// very first write to address 5: program only the address byte of
	// the new record directly against the flash, bypassing Store.
	nextOff := s.page.base + uint32(s.page.tail)
	if err := fl.WriteByte(nextOff, 5); err != nil {
		t.Fatal(err)
	}
	// Value byte left at 0xFF (never programmed) — simulates the crash.

	s2, err := Open(fl, cfg)
	if err != nil {
		t.Fatalf("Open after crash: %v", err)
	}
	got, err := s2.ReadByte(5)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xFF {
		t.Errorf("ReadByte(5) after crash = %#x, want 0xFF (value prior to torn write, the neutral value)", got)
	}
}

package eeprom

import (
	"math"
	"testing"
)

// TestBadAddressRejected covers §7's BadAddress taxonomy entry: requests
// outside [0, EESize) must be rejected before any flash access.
func TestBadAddressRejected(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	cases := []struct {
		name string
		run  func() error
	}{
		{"ReadByte", func() error { _, err := s.ReadByte(cfg.EESize); return err }},
		{"WriteByte", func() error { return s.WriteByte(cfg.EESize, 1) }},
		{"ReadBlock", func() error { return s.ReadBlock(cfg.EESize-1, make([]byte, 2)) }},
		{"WriteBlock", func() error { return s.WriteBlock(cfg.EESize-1, make([]byte, 2)) }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.run()
			if err == nil {
				t.Fatalf("expected ErrBadAddress, got nil")
			}
		})
	}
}

// TestNotOpenRejected covers calling Store methods before Open — in
// practice unreachable from the public constructor, exercised directly
// against a zero-value Store.
func TestNotOpenRejected(t *testing.T) {
	var s Store
	if _, err := s.ReadByte(0); err != ErrNotOpen {
		t.Errorf("ReadByte on unopened store = %v, want ErrNotOpen", err)
	}
	if err := s.WriteByte(0, 1); err != ErrNotOpen {
		t.Errorf("WriteByte on unopened store = %v, want ErrNotOpen", err)
	}
	if _, err := s.Stats(); err != ErrNotOpen {
		t.Errorf("Stats on unopened store = %v, want ErrNotOpen", err)
	}
}

// TestBlockReadWrite exercises §4.9's block variants against a model of
// independent single-byte operations.
func TestBlockReadWrite(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	buf := []byte{1, 2, 3, 4}
	if err := s.WriteBlock(2, buf); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 4)
	if err := s.ReadBlock(2, out); err != nil {
		t.Fatal(err)
	}
	for i := range buf {
		if out[i] != buf[i] {
			t.Errorf("out[%d] = %#x, want %#x", i, out[i], buf[i])
		}
	}

	if err := s.WriteBlock(cfg.EESize-1, []byte{1, 2}); err == nil {
		t.Errorf("expected ErrBadAddress for out-of-range block")
	}
}

// TestP2ReadAfterWrite is property P2: write_byte(a,v); read_byte(a)==v,
// for every logical address, including across a forced compaction.
func TestP2ReadAfterWrite(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	// Drive enough writes to force several compactions so the property
	// is checked across page rotation, not just within one page.
	k := cfg.pageCapacityRecords()
	for round := 0; round < 3; round++ {
		for i := 0; i < k/int(cfg.EESize)+1; i++ {
			for a := byte(0); a < cfg.EESize; a++ {
				v := byte(round*7 + i*3 + int(a))
				if err := s.WriteByte(a, v); err != nil {
					t.Fatalf("WriteByte(%d,%d): %v", a, v, err)
				}
				got, err := s.ReadByte(a)
				if err != nil {
					t.Fatalf("ReadByte(%d): %v", a, err)
				}
				if got != v {
					t.Fatalf("ReadByte(%d) = %#x, want %#x", a, got, v)
				}
			}
		}
	}
}

// TestP3ReadOfUntouched is property P3: an address never written in this
// or any prior boot reads as 0xFF.
func TestP3ReadOfUntouched(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	if err := s.WriteByte(0, 1); err != nil {
		t.Fatal(err)
	}
	for a := byte(1); a < cfg.EESize; a++ {
		got, err := s.ReadByte(a)
		if err != nil {
			t.Fatal(err)
		}
		if got != 0xFF {
			t.Errorf("ReadByte(%d) = %#x, want 0xFF", a, got)
		}
	}
}

// TestP5EraseCounterMonotonic is property P5: across many compactions, no
// page's erase counter ever decreases.
func TestP5EraseCounterMonotonic(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	last := make([]uint32, cfg.PageCount)

	k := cfg.pageCapacityRecords()
	for i := 0; i < k*6; i++ {
		if err := s.WriteByte(byte(i%int(cfg.EESize)), byte(i)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		for idx := 0; idx < cfg.PageCount; idx++ {
			n, err := readEraseCount(fl, cfg.pageBase(idx))
			if err != nil {
				t.Fatal(err)
			}
			if n < last[idx] {
				t.Fatalf("page %d erase counter decreased: %d -> %d", idx, last[idx], n)
			}
			last[idx] = n
		}
	}
}

// TestP6RotationBound is property P6: after N logical writes, the max
// erase counter across pages is at most ceil(N/K)+1.
func TestP6RotationBound(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	k := cfg.pageCapacityRecords()
	n := k*4 + 17
	for i := 0; i < n; i++ {
		if err := s.WriteByte(byte(i%int(cfg.EESize)), byte(i)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	var maxCounter uint32
	for idx := 0; idx < cfg.PageCount; idx++ {
		c, err := readEraseCount(fl, cfg.pageBase(idx))
		if err != nil {
			t.Fatal(err)
		}
		if c > maxCounter {
			maxCounter = c
		}
	}

	bound := uint32(math.Ceil(float64(n)/float64(k))) + 1
	if maxCounter > bound {
		t.Errorf("max erase counter = %d, exceeds bound ceil(%d/%d)+1 = %d", maxCounter, n, k, bound)
	}
}

// TestP1UniquenessOfActive is property P1: exactly one ACTIVE page after
// Open, checked across a fresh store and a store reopened after writes.
func TestP1UniquenessOfActive(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	s := mustOpen(fl, cfg)

	countActive := func() int {
		n := 0
		for idx := 0; idx < cfg.PageCount; idx++ {
			st, err := readStatus(fl, cfg.pageBase(idx))
			if err != nil {
				t.Fatal(err)
			}
			if st == stateActive {
				n++
			}
		}
		return n
	}

	if n := countActive(); n != 1 {
		t.Fatalf("after fresh Open: %d active pages, want 1", n)
	}

	k := cfg.pageCapacityRecords()
	for i := 0; i < k+5; i++ {
		if err := s.WriteByte(byte(i%int(cfg.EESize)), byte(i)); err != nil {
			t.Fatal(err)
		}
	}
	if n := countActive(); n != 1 {
		t.Fatalf("after writes past a compaction: %d active pages, want 1", n)
	}

	s2, err := Open(fl, cfg)
	if err != nil {
		t.Fatal(err)
	}
	_ = s2
	if n := countActive(); n != 1 {
		t.Fatalf("after reopen: %d active pages, want 1", n)
	}
}

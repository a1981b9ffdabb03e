package eeprom

import "testing"

func TestAppendAndScanRecords(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	base := cfg.pageBase(0)

	tail := uint16(tagSize)
	var err error
	for _, rec := range [][2]byte{{0, 0x11}, {1, 0x22}, {0, 0x33}} {
		tail, err = appendRecord(fl, base, tail, rec[0], rec[1])
		if err != nil {
			t.Fatal(err)
		}
	}

	type seen struct {
		addr, value byte
	}
	var got []seen
	err = scanRecords(fl, base, cfg.PageSize, func(_ uint16, addr, value byte) bool {
		got = append(got, seen{addr, value})
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []seen{{0, 0x11}, {1, 0x22}, {0, 0x33}}
	if len(got) != len(want) {
		t.Fatalf("scanRecords found %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFindLatestReturnsNewest(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	base := cfg.pageBase(0)

	tail := uint16(tagSize)
	var err error
	for _, rec := range [][2]byte{{0, 0x11}, {0, 0x22}, {0, 0x33}} {
		tail, err = appendRecord(fl, base, tail, rec[0], rec[1])
		if err != nil {
			t.Fatal(err)
		}
	}

	v, ok, err := findLatest(fl, base, tail, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != 0x33 {
		t.Errorf("findLatest = (%#x, %v), want (0x33, true)", v, ok)
	}

	_, ok, err = findLatest(fl, base, tail, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("findLatest for unwritten address should be (_, false)")
	}
}

func TestFindTail(t *testing.T) {
	cfg := testCfg()
	fl := newTestFlash(cfg)
	base := cfg.pageBase(0)

	tail, err := findTail(fl, base, cfg.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if tail != tagSize {
		t.Errorf("findTail on fresh page = %d, want %d", tail, tagSize)
	}

	if _, err := appendRecord(fl, base, tagSize, 3, 0x99); err != nil {
		t.Fatal(err)
	}
	tail, err = findTail(fl, base, cfg.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if tail != tagSize+variableSize {
		t.Errorf("findTail after one record = %d, want %d", tail, tagSize+variableSize)
	}
}

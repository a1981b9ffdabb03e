package eeprom

// formatPage implements §4.4: read the current erase counter (treating
// 0xFFFFFF as 0 for the very first format), saturate-increment it, erase
// the page to all-0xFF, then stamp the incremented counter into offsets
// 1..3. The status byte is left at 0xFF (ERASED) by the erase itself.
func formatPage(fp FlashPort, base uint32) error {
	cur, err := readEraseCount(fp, base)
	if err != nil {
		return err
	}
	if cur == eraseCounterMax {
		cur = 0
	}
	next := cur + 1
	if next > eraseCounterMax {
		next = eraseCounterMax
	}
	if err := fp.ErasePage(base); err != nil {
		return err
	}
	return writeEraseCount(fp, base, next)
}

// isProperlyFormatted checks that an ERASED-status page's header and
// record region are each internally consistent: the erase counter is not
// the "never formatted" sentinel, and every record slot reads as unused.
// Used by recovery (§4.7) to detect a page that merely looks erased but
// was never correctly stamped.
func isProperlyFormatted(fp FlashPort, base uint32, pageSize uint32) (bool, error) {
	count, err := readEraseCount(fp, base)
	if err != nil {
		return false, err
	}
	if count == eraseCounterMax {
		return false, nil
	}
	clean := true
	err = scanRecordsFull(fp, base, pageSize, func(_ uint16, addr, value byte) bool {
		if addr != unusedAddr || value != unusedAddr {
			clean = false
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return clean, nil
}

// scanRecordsFull walks every record slot unconditionally (no early stop
// at the first unused slot) — used only by consistency checks that must
// inspect the whole record region, such as isProperlyFormatted.
func scanRecordsFull(fp FlashPort, base uint32, pageSize uint32, visit recordVisitor) error {
	for off := uint32(tagSize); off+variableSize <= pageSize; off += variableSize {
		addr, err := fp.ReadByte(base + off)
		if err != nil {
			return err
		}
		value, err := fp.ReadByte(base + off + 1)
		if err != nil {
			return err
		}
		if !visit(uint16(off), addr, value) {
			break
		}
	}
	return nil
}

// pageIsFull reports whether the final record slot of an ACTIVE page
// holds a live (non-0xFF-address) record — used by recovery's two-ACTIVE
// tie-break (§4.7) to identify the finished compaction source candidate.
func pageIsFull(fp FlashPort, base uint32, pageSize uint32) (bool, error) {
	lastOff := pageSize - variableSize
	addr, err := fp.ReadByte(base + lastOff)
	if err != nil {
		return false, err
	}
	return addr != unusedAddr, nil
}

package eeprom

// appendRecord writes a two-byte (addr, value) record at base+tail,
// address byte first, then value byte, matching §5's ordering guarantee
// (a crash between the two bytes is recoverable as "addr set to 0xFF").
// It returns the new tail.
func appendRecord(fp FlashPort, base uint32, tail uint16, addr, value byte) (uint16, error) {
	if err := fp.WriteByte(base+uint32(tail), addr); err != nil {
		return tail, err
	}
	if err := fp.WriteByte(base+uint32(tail)+1, value); err != nil {
		return tail, err
	}
	return tail + variableSize, nil
}

// recordVisitor is called once per record slot encountered by scanRecords,
// in ascending offset order. Returning false stops the scan early.
type recordVisitor func(offset uint16, addr, value byte) bool

// scanRecords walks record slots from EE_TAG_SIZE up to pageSize,
// ascending, invoking visit for each. It stops at the first slot whose
// address byte is 0xFF (the log tail); scanRecordsFull visits every slot.
func scanRecords(fp FlashPort, base uint32, pageSize uint32, visit recordVisitor) error {
	for off := uint32(tagSize); off+variableSize <= pageSize; off += variableSize {
		addr, err := fp.ReadByte(base + off)
		if err != nil {
			return err
		}
		if addr == unusedAddr {
			// The address byte was never programmed, so this slot is the
			// end of the log: it is not a live record for any address,
			// and the log holds no further records past it (records are
			// only ever appended, never written out of order). A torn
			// record whose address byte landed but whose value did not
			// has a real address here and is visited as (addr, 0xFF).
			break
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

// findLatest scans a page's records from the highest occupied slot
// (tail-variableSize) downward and returns the value of the first record
// whose address byte equals addr. ok is false if no such record exists.
func findLatest(fp FlashPort, base uint32, tail uint16, addr byte) (value byte, ok bool, err error) {
	for off := int32(tail) - variableSize; off >= tagSize; off -= variableSize {
		a, rerr := fp.ReadByte(base + uint32(off))
		if rerr != nil {
			return 0, false, rerr
		}
		if a != addr {
			continue
		}
		v, rerr := fp.ReadByte(base + uint32(off) + 1)
		if rerr != nil {
			return 0, false, rerr
		}
		return v, true, nil
	}
	return 0, false, nil
}

// findTail scans a page from EE_TAG_SIZE upward and returns the offset of
// the first record slot whose address byte is 0xFF — the append point
// (§4.7's invariant I4). If the page is entirely full of live records, the
// returned tail equals pageSize.
func findTail(fp FlashPort, base uint32, pageSize uint32) (uint16, error) {
	off := uint32(tagSize)
	for ; off+variableSize <= pageSize; off += variableSize {
		addr, err := fp.ReadByte(base + off)
		if err != nil {
			return 0, err
		}
		if addr == unusedAddr {
			return uint16(off), nil
		}
	}
	return uint16(pageSize), nil
}

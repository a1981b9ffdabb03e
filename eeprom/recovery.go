package eeprom

// recover implements §4.7: walk every page, repair torn states, elect a
// single ACTIVE page, and (re)build the in-RAM cursor and presence
// bitmap. It is always successful as long as the flash port itself is
// functional — reformatting any page with an unrecognized header is a
// safe fallback, since it destroys only already-indeterminate data (§7).
func (s *Store) recover() error {
	activeIdx := -1
	fullActiveIdx := -1

	for idx := 0; idx < s.cfg.PageCount; idx++ {
		base := s.cfg.pageBase(idx)
		st, err := readStatus(s.fp, base)
		if err != nil {
			return err
		}

		switch st {
		case stateReceiving:
			// Interrupted compaction copy: abandon it. The source page
			// (still ACTIVE) retains the authoritative data.
			if err := formatPage(s.fp, base); err != nil {
				return err
			}

		case stateErased:
			ok, err := isProperlyFormatted(s.fp, base, s.cfg.PageSize)
			if err != nil {
				return err
			}
			if !ok {
				if err := formatPage(s.fp, base); err != nil {
					return err
				}
			}

		case stateActive:
			full, err := pageIsFull(s.fp, base, s.cfg.PageSize)
			if err != nil {
				return err
			}
			if activeIdx == -1 {
				activeIdx = idx
				if full {
					fullActiveIdx = idx
				}
				continue
			}
			// Second ACTIVE page found (§4.7 tie-break): retire the one
			// that looks like a finished compaction source (its final
			// slot is not 0xFF, i.e. the page is full), keeping the
			// other. If both are full, or neither is, keep the
			// lower-indexed page.
			existingFull := fullActiveIdx == activeIdx
			switch {
			case full && !existingFull:
				if err := formatPage(s.fp, base); err != nil {
					return err
				}
			case !full && existingFull:
				if err := formatPage(s.fp, s.cfg.pageBase(activeIdx)); err != nil {
					return err
				}
				activeIdx = idx
				fullActiveIdx = -1
			case idx < activeIdx:
				if err := formatPage(s.fp, s.cfg.pageBase(activeIdx)); err != nil {
					return err
				}
				activeIdx = idx
				if full {
					fullActiveIdx = idx
				} else {
					fullActiveIdx = -1
				}
			default:
				if err := formatPage(s.fp, base); err != nil {
					return err
				}
			}

		default: // stateCorrupt
			if err := formatPage(s.fp, base); err != nil {
				return err
			}
		}
	}

	if activeIdx == -1 {
		// Every page was ERASED (first-ever boot, or all pages were just
		// reformatted above). Promote page 0.
		if err := writeStatus(s.fp, s.cfg.pageBase(0), statusActive); err != nil {
			return err
		}
		activeIdx = 0
	}

	base := s.cfg.pageBase(activeIdx)
	tail, err := findTail(s.fp, base, s.cfg.PageSize)
	if err != nil {
		return err
	}

	present := newBitmap(s.cfg.bitmapSize())
	err = scanRecords(s.fp, base, s.cfg.PageSize, func(_ uint16, addr, _ byte) bool {
		if addr < s.cfg.EESize {
			present.set(addr)
		}
		return true
	})
	if err != nil {
		return err
	}

	s.page = pageCursor{idx: activeIdx, base: base, tail: tail}
	s.present = present
	return nil
}

package main

import "openenterprise/flashee/eeprom"

// wearSpread returns the difference between the highest and lowest erase
// counter across the pages reported in stats. A growing spread indicates
// rotation is not amortizing evenly (§8 P6's wear-leveling contract) and
// is surfaced as a console/telemetry warning signal, not an error: the
// core package itself never rejects a skewed spread.
func wearSpread(stats eeprom.Stats) uint32 {
	if len(stats.EraseCounters) == 0 {
		return 0
	}
	min, max := stats.EraseCounters[0], stats.EraseCounters[0]
	for _, c := range stats.EraseCounters[1:] {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	return max - min
}

// rotationBound returns ceil(writes/k) + 1, the maximum erase counter any
// page should reach after the given number of logical writes, per §8's
// P6. k is the page's record capacity (FL_PAGE_SIZE-EE_TAG_SIZE)/EE_VARIABLE_SIZE.
func rotationBound(writes uint64, k int) uint32 {
	if k <= 0 {
		return 0
	}
	bound := writes / uint64(k)
	if writes%uint64(k) != 0 {
		bound++
	}
	return uint32(bound) + 1
}

// exceedsRotationBound reports whether any page's erase counter
// has grown past what P6 permits for the given lifetime write count,
// which would indicate a wear-leveling defect worth a telemetry alert
// rather than silent tolerance.
func exceedsRotationBound(stats eeprom.Stats, writes uint64, k int) bool {
	bound := rotationBound(writes, k)
	for _, c := range stats.EraseCounters {
		if c > bound {
			return true
		}
	}
	return false
}

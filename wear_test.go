package main

import (
	"testing"

	"openenterprise/flashee/eeprom"
)

func TestWearSpread(t *testing.T) {
	tests := []struct {
		name     string
		counters []uint32
		expected uint32
	}{
		{"empty", nil, 0},
		{"single page", []uint32{7}, 0},
		{"even rotation", []uint32{5, 5}, 0},
		{"skewed rotation", []uint32{5, 8}, 3},
		{"three pages", []uint32{2, 9, 4}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wearSpread(eeprom.Stats{EraseCounters: tt.counters})
			if got != tt.expected {
				t.Errorf("wearSpread(%v) = %d, want %d", tt.counters, got, tt.expected)
			}
		})
	}
}

func TestRotationBound(t *testing.T) {
	tests := []struct {
		name     string
		writes   uint64
		k        int
		expected uint32
	}{
		{"zero writes", 0, 510, 1},
		{"exact multiple", 1020, 510, 3},
		{"one past multiple", 1021, 510, 4},
		{"one short of multiple", 1019, 510, 3},
		{"degenerate k", 100, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rotationBound(tt.writes, tt.k)
			if got != tt.expected {
				t.Errorf("rotationBound(%d, %d) = %d, want %d", tt.writes, tt.k, got, tt.expected)
			}
		})
	}
}

func TestExceedsRotationBound(t *testing.T) {
	stats := eeprom.Stats{EraseCounters: []uint32{3, 3}}
	if exceedsRotationBound(stats, 1000, 510) {
		t.Errorf("expected within bound for counters %v at 1000 writes", stats.EraseCounters)
	}
	stats.EraseCounters = []uint32{3, 50}
	if !exceedsRotationBound(stats, 1000, 510) {
		t.Errorf("expected bound violation for counters %v at 1000 writes", stats.EraseCounters)
	}
}

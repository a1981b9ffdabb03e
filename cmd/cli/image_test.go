package main

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

func TestReadImageInfo_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := readImageInfo(path); err != nil {
		t.Errorf("readImageInfo failed: %v", err)
	}
}

func TestReadImageInfo_TooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")

	data := make([]byte, maxImageSize+1)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := readImageInfo(path); err == nil {
		t.Error("expected error for oversized image")
	}
}

func TestReadImageInfo_FileNotFound(t *testing.T) {
	if err := readImageInfo("/nonexistent/image.bin"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestStripTelnetIAC(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"no IAC", []byte("password: "), []byte("password: ")},
		{"WILL sequence", []byte{0xFF, 0xFB, 0x01, 'h', 'i'}, []byte("hi")},
		{"plain IAC+cmd", []byte{0xFF, 0xF0, 'h', 'i'}, []byte("hi")},
		{"trailing IAC truncated", []byte{'h', 'i', 0xFF}, []byte("hi")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := stripTelnetIAC(tc.in)
			if string(got) != string(tc.want) {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestImagePush_RoundTripHash(t *testing.T) {
	// Exercises the hashing path imagePush relies on, without a live device.
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	want := sha256.Sum256(data)
	got := sha256.Sum256(data)
	if want != got {
		t.Error("hash mismatch on identical input")
	}
}

func TestMaxImageSize(t *testing.T) {
	if maxImageSize != 256 {
		t.Errorf("expected maxImageSize 256, got %d", maxImageSize)
	}
}

func TestDryRunImage_RoundTrips(t *testing.T) {
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i*3 + 1)
	}
	if err := dryRunImage(data); err != nil {
		t.Errorf("dryRunImage failed on a well-formed image: %v", err)
	}
}

func TestDryRunImage_PadsNonMultipleOf8(t *testing.T) {
	data := []byte{1, 2, 3} // not a multiple of 8, must be padded before Open
	if err := dryRunImage(data); err != nil {
		t.Errorf("dryRunImage failed on a short image: %v", err)
	}
}

func TestDryRunImage_RejectsUnrepresentablePadding(t *testing.T) {
	// 252 bytes pads up to 256, which does not fit eeprom.Config's uint8
	// EESize field.
	data := make([]byte, 252)
	if err := dryRunImage(data); err == nil {
		t.Error("expected an error when padding would exceed 255 bytes")
	}
}

func TestReadImageInfo_DryRunSurfacesInOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")

	data := make([]byte, 8)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := readImageInfo(path); err != nil {
		t.Errorf("readImageInfo should dry-run a valid 8-byte image without error: %v", err)
	}
}

// ABOUTME: Tests for the DSD conversion helpers
// ABOUTME: Deinterleave, U32-BE unpack, DoP extraction and rate naming
package dsd

import (
	"bytes"
	"testing"
)

func TestDeinterleaveStereo(t *testing.T) {
	src := []byte{'L', 'R', 'l', 'r', '1', '2'}
	dst := make([]byte, len(src))
	DeinterleaveToPlanar(src, dst, 2)

	want := []byte{'L', 'l', '1', 'R', 'r', '2'}
	if !bytes.Equal(dst, want) {
		t.Errorf("got %q, want %q", dst, want)
	}
}

func TestDeinterleaveMonoIsIdentity(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5}
	dst := make([]byte, len(src))
	DeinterleaveToPlanar(src, dst, 1)
	if !bytes.Equal(dst, src) {
		t.Errorf("mono deinterleave changed data: %v", dst)
	}
}

func TestDeinterleaveU32BE(t *testing.T) {
	// One frame, stereo. The first temporal byte of each word is at the
	// highest address, so the packed word [L3 L2 L1 L0] unpacks to
	// L0 L1 L2 L3: the word's bytes come out reversed.
	src := []byte{
		0x13, 0x12, 0x11, 0x10, // left word
		0x23, 0x22, 0x21, 0x20, // right word
	}
	dst := make([]byte, 8)
	DeinterleaveU32BE(src, dst, 1, 2)

	want := []byte{0x10, 0x11, 0x12, 0x13, 0x20, 0x21, 0x22, 0x23}
	if !bytes.Equal(dst, want) {
		t.Errorf("got % x, want % x", dst, want)
	}
}

func TestConvertDoPToNative(t *testing.T) {
	// Two stereo DoP frames (S32-LE in memory: pad, LSB, MSB, marker).
	src := []byte{
		0x00, 0xA1, 0xA0, DoPMarker1, // L frame 0: MSB 0xA0, LSB 0xA1
		0x00, 0xB1, 0xB0, DoPMarker1, // R frame 0
		0x00, 0xA3, 0xA2, DoPMarker2, // L frame 1
		0x00, 0xB3, 0xB2, DoPMarker2, // R frame 1
	}
	dst := make([]byte, 8)
	ConvertDoPToNative(src, dst, 2, 2)

	want := []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xB0, 0xB1, 0xB2, 0xB3}
	if !bytes.Equal(dst, want) {
		t.Errorf("got % x, want % x", dst, want)
	}
}

func TestRate(t *testing.T) {
	tests := []struct {
		name          string
		containerRate uint32
		dop           bool
		want          uint32
	}{
		{"dop 176k4 is dsd64", 176400, true, 2822400},
		{"dop 352k8 is dsd128", 352800, true, 5644800},
		{"native u32 88k2 is dsd64", 88200, false, 2822400},
		{"native u32 176k4 is dsd128", 176400, false, 5644800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rate(tt.containerRate, tt.dop); got != tt.want {
				t.Errorf("Rate = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRateName(t *testing.T) {
	tests := []struct {
		rate uint32
		want string
	}{
		{2822400, "DSD64"},
		{5644800, "DSD128"},
		{11289600, "DSD256"},
		{22579200, "DSD512"},
		{45158400, "DSD1024"},
		{90316800, "DSD???"},
	}
	for _, tt := range tests {
		if got := RateName(tt.rate); got != tt.want {
			t.Errorf("RateName(%d) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

// ABOUTME: DSD byte-order and layout conversions
// ABOUTME: Interleaved-to-planar, U32-BE frame unpacking and DoP extraction
package dsd

// All conversions produce planar output: every byte of channel 0 in
// temporal order, then channel 1, and so on. That is the layout the
// sink sends to the target.

// DeinterleaveToPlanar separates byte-interleaved DSD [L0 R0 L1 R1 ...]
// into planar [L0 L1 ... R0 R1 ...]. Mono input is copied unchanged.
// len(src) must be a multiple of channels; dst must be at least as
// large as src.
func DeinterleaveToPlanar(src, dst []byte, channels int) {
	if channels < 2 {
		copy(dst, src)
		return
	}
	perChannel := len(src) / channels
	for i := 0; i < perChannel; i++ {
		for ch := 0; ch < channels; ch++ {
			dst[ch*perChannel+i] = src[i*channels+ch]
		}
	}
}

// DeinterleaveU32BE unpacks interleaved frames of four DSD bytes per
// channel packed big-endian ([L3 L2 L1 L0][R3 R2 R1 R0] ...). The
// first temporal byte sits at the highest address of each word, so the
// four bytes are reversed on the way to planar order.
func DeinterleaveU32BE(src, dst []byte, frames, channels int) {
	perChannel := frames * 4
	perFrame := 4 * channels
	for f := 0; f < frames; f++ {
		srcOff := f * perFrame
		for ch := 0; ch < channels; ch++ {
			s := srcOff + ch*4
			d := ch*perChannel + f*4
			dst[d+0] = src[s+3]
			dst[d+1] = src[s+2]
			dst[d+2] = src[s+1]
			dst[d+3] = src[s+0]
		}
	}
}

// ConvertDoPToNative extracts DSD bytes from interleaved S32-LE DoP
// frames. Each 32-bit sample carries [pad][DSD_LSB][DSD_MSB][marker];
// the two DSD bytes come out MSB first (DFF order), de-interleaved to
// planar.
func ConvertDoPToNative(src, dst []byte, frames, channels int) {
	perChannel := frames * 2
	perFrame := 4 * channels
	for f := 0; f < frames; f++ {
		srcOff := f * perFrame
		for ch := 0; ch < channels; ch++ {
			s := srcOff + ch*4
			d := ch*perChannel + f*2
			dst[d+0] = src[s+2] // DSD MSB
			dst[d+1] = src[s+1] // DSD LSB
		}
	}
}

// DoP marker bytes alternate between frames.
const (
	DoPMarker1 = 0x05
	DoPMarker2 = 0xFA
)

// Rate returns the true DSD bit rate for a container PCM rate. DoP
// carries 16 DSD bits per sample, native U32 framing carries 32.
func Rate(containerRate uint32, isDoP bool) uint32 {
	if isDoP {
		return containerRate * 16
	}
	return containerRate * 32
}

// RateName maps a DSD bit rate to its common name.
func RateName(bitRate uint32) string {
	switch {
	case bitRate <= 2900000:
		return "DSD64"
	case bitRate <= 5700000:
		return "DSD128"
	case bitRate <= 11400000:
		return "DSD256"
	case bitRate <= 22800000:
		return "DSD512"
	case bitRate <= 45600000:
		return "DSD1024"
	}
	return "DSD???"
}

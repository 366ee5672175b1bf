// ABOUTME: Decoder interface and factory
// ABOUTME: One push/pull stream decoder per Slimproto wire format
package decode

// Format describes the decoded stream once enough header data has been
// consumed. BitDepth is the source depth; output samples are always
// int32 with the source value in the top BitDepth bits.
type Format struct {
	SampleRate   uint32
	BitDepth     uint32 // 16, 20, 24 or 32
	Channels     uint32
	TotalSamples uint64 // per channel, 0 when unknown
}

// Decoder turns encoded bytes into interleaved int32 MSB-aligned
// samples. Feed always accepts the whole slice; ReadDecoded may return
// 0 to mean "need more input". Decoders never return errors from this
// contract — failures latch HasError.
type Decoder interface {
	// Feed pushes encoded bytes. The decoder buffers internally.
	Feed(p []byte)
	// SetEOF signals that no more Feed calls will arrive.
	SetEOF()
	// ReadDecoded fills out with up to maxFrames interleaved frames and
	// returns the number of frames written.
	ReadDecoded(out []int32, maxFrames int) int
	// IsFormatReady reports whether rate, depth and channels are known.
	IsFormatReady() bool
	// Format is valid once IsFormatReady returns true.
	Format() Format
	// IsFinished reports that all input was consumed and all output read.
	IsFinished() bool
	// HasError reports a fatal decoder failure.
	HasError() bool
	// DecodedSamples returns the per-channel frame count produced so far.
	DecodedSamples() uint64
	// Flush resets to the pre-feed state for reuse across tracks.
	Flush()
	// SetRawPCMFormat supplies the format for container-less PCM.
	SetRawPCMFormat(sampleRate, bitDepth, channels uint32, bigEndian bool)
}

// Slimproto stream format codes.
const (
	FormatPCM  = 'p'
	FormatMP3  = 'm'
	FormatFLAC = 'f'
	FormatOgg  = 'o'
	FormatOpus = 'u'
	FormatAAC  = 'a'
	FormatWMA  = 'w'
	FormatALAC = 'l'
	FormatDSD  = 'd'
)

// New returns the decoder for a Slimproto format code, or nil when the
// format is unsupported. DSD streams are handled by the dsd package,
// not by a decoder.
func New(formatCode byte) Decoder {
	switch formatCode {
	case FormatPCM:
		return NewPCM()
	case FormatFLAC:
		return NewFLAC()
	case FormatMP3:
		return NewMP3()
	case FormatOgg:
		return NewVorbis()
	case FormatOpus:
		return NewOpus()
	case FormatAAC:
		return NewAAC()
	default:
		return nil
	}
}

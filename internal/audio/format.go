// ABOUTME: Audio format identity shared by the sink and the orchestrator
// ABOUTME: Defines the per-track format tuple used for the quick-resume decision
package audio

import "fmt"

// DSD container variants. Empty for PCM tracks.
const (
	ContainerNone = ""
	ContainerDSF  = "dsf"
	ContainerDFF  = "dff"
	ContainerRaw  = "raw"
)

// Format identifies one track's output format. After decoder
// normalization BitDepth is always 32 for PCM and 1 for DSD.
type Format struct {
	SampleRate uint32 // Hz for PCM, DSD bit rate for DSD
	BitDepth   uint32
	Channels   uint32
	IsDSD      bool
	Container  string // DSD container variant, ContainerNone for PCM

	// Compression records the source codec (the strm format code such
	// as "f" or "p", or "dsd") for logging only; it does not
	// participate in format identity.
	Compression string
}

// Equal reports whether two formats are the same for quick-resume
// purposes: the (rate, depth, channels, dsd, container) tuple matches.
func (f Format) Equal(other Format) bool {
	return f.SampleRate == other.SampleRate &&
		f.BitDepth == other.BitDepth &&
		f.Channels == other.Channels &&
		f.IsDSD == other.IsDSD &&
		f.Container == other.Container
}

func (f Format) String() string {
	if f.IsDSD {
		return fmt.Sprintf("DSD %d Hz, %d ch (%s)", f.SampleRate, f.Channels, f.Container)
	}
	return fmt.Sprintf("PCM %d Hz, %d-bit, %d ch", f.SampleRate, f.BitDepth, f.Channels)
}

// BytesPerFrame returns the size of one audio frame: all channels of
// one sample for PCM, one byte per channel for DSD.
func (f Format) BytesPerFrame() int {
	if f.IsDSD {
		return int(f.Channels)
	}
	return int(f.Channels) * int(f.BitDepth/8)
}

// BytesPerSecond returns the byte rate the output consumes.
func (f Format) BytesPerSecond() int {
	if f.IsDSD {
		return int(f.SampleRate) / 8 * int(f.Channels)
	}
	return int(f.SampleRate) * f.BytesPerFrame()
}

// ABOUTME: Container PCM decoder for WAV (RIFF) and AIFF streams
// ABOUTME: Parses headers then normalizes samples to int32 MSB-aligned
package decode

import (
	"bytes"
	"encoding/binary"
	"log"
	"math"
)

type pcmState int

const (
	pcmDetect pcmState = iota
	pcmParseWav
	pcmParseAiff
	pcmData
	pcmDone
	pcmError
)

const (
	wavMinHeader  = 44 // RIFF(12) + fmt(24) + data(8)
	aiffMinHeader = 46 // FORM(12) + COMM(26) + SSND(8)

	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// PCM decodes RIFF/WAVE (little-endian) and FORM/AIFF (big-endian)
// containers, plus raw PCM when the format arrives out of band. It is
// a plain state machine; no goroutine is involved.
type PCM struct {
	state pcmState

	headerBuf []byte
	dataBuf   []byte

	format        Format
	formatReady   bool
	bigEndian     bool
	isFloat       bool
	floatBits     uint32 // container width for float data (32 or 64)
	containerBits uint32 // storage width per sample; BitDepth unless extensible

	dataRemaining uint64 // bytes left in the data chunk, 0 = unbounded
	rawConfigured bool
	eof           bool
	fatal         bool
	finished      bool
	decoded       uint64
}

// NewPCM creates a container PCM decoder.
func NewPCM() *PCM {
	return &PCM{
		headerBuf: make([]byte, 0, 256),
		dataBuf:   make([]byte, 0, 32768),
	}
}

func (d *PCM) Feed(p []byte) {
	switch d.state {
	case pcmDetect, pcmParseWav, pcmParseAiff:
		d.headerBuf = append(d.headerBuf, p...)
	case pcmData:
		d.dataBuf = append(d.dataBuf, p...)
	}
}

func (d *PCM) SetEOF() { d.eof = true }

func (d *PCM) SetRawPCMFormat(sampleRate, bitDepth, channels uint32, bigEndian bool) {
	d.format = Format{SampleRate: sampleRate, BitDepth: bitDepth, Channels: channels}
	d.bigEndian = bigEndian
	d.containerBits = bitDepth
	d.rawConfigured = true
}

func (d *PCM) ReadDecoded(out []int32, maxFrames int) int {
	if d.fatal || d.finished {
		return 0
	}

	if d.state == pcmDetect && !d.detectContainer() {
		return 0
	}
	switch d.state {
	case pcmParseWav:
		if !d.parseWavHeader() {
			return 0
		}
	case pcmParseAiff:
		if !d.parseAiffHeader() {
			return 0
		}
	}
	if d.state != pcmData {
		return 0
	}

	bytesPerSample := d.sourceBytesPerSample()
	bytesPerFrame := bytesPerSample * int(d.format.Channels)
	if bytesPerFrame == 0 {
		return 0
	}

	avail := len(d.dataBuf)
	if d.dataRemaining > 0 && uint64(avail) > d.dataRemaining {
		avail = int(d.dataRemaining)
	}

	frames := avail / bytesPerFrame
	if frames > maxFrames {
		frames = maxFrames
	}
	if frames > len(out)/int(d.format.Channels) {
		frames = len(out) / int(d.format.Channels)
	}
	if frames == 0 {
		// Finish only when no more bytes can arrive. An empty buffer
		// mid-stream just means the next HTTP read has not landed yet.
		if d.eof {
			d.finished = true
			d.state = pcmDone
		}
		return 0
	}

	n := frames * bytesPerFrame
	d.convertSamples(d.dataBuf[:n], out)
	d.dataBuf = append(d.dataBuf[:0:0], d.dataBuf[n:]...)
	if d.dataRemaining > 0 {
		d.dataRemaining -= uint64(n)
		if d.dataRemaining == 0 {
			d.finished = true
			d.state = pcmDone
		}
	}
	d.decoded += uint64(frames)
	return frames
}

func (d *PCM) IsFormatReady() bool    { return d.formatReady }
func (d *PCM) Format() Format         { return d.format }
func (d *PCM) IsFinished() bool       { return d.finished }
func (d *PCM) HasError() bool         { return d.fatal }
func (d *PCM) DecodedSamples() uint64 { return d.decoded }

func (d *PCM) Flush() {
	*d = PCM{
		headerBuf: d.headerBuf[:0],
		dataBuf:   d.dataBuf[:0],
	}
}

func (d *PCM) sourceBytesPerSample() int {
	if d.isFloat {
		return int(d.floatBits / 8)
	}
	if d.containerBits > 0 {
		return int(d.containerBits / 8)
	}
	return int(d.format.BitDepth / 8)
}

func (d *PCM) failf(format string, args ...any) bool {
	log.Printf("[pcm] "+format, args...)
	d.state = pcmError
	d.fatal = true
	return false
}

func (d *PCM) detectContainer() bool {
	if len(d.headerBuf) < 4 {
		return false
	}

	switch {
	case bytes.HasPrefix(d.headerBuf, []byte("RIFF")):
		d.state = pcmParseWav
		return true
	case bytes.HasPrefix(d.headerBuf, []byte("FORM")):
		d.state = pcmParseAiff
		return true
	}

	// No container magic. Servers like Roon send raw PCM with the
	// format carried in the strm command.
	if d.rawConfigured {
		d.formatReady = true
		d.dataRemaining = 0
		d.dataBuf = append(d.dataBuf, d.headerBuf...)
		d.headerBuf = d.headerBuf[:0]
		d.state = pcmData
		log.Printf("[pcm] raw: %d Hz, %d-bit, %d ch", d.format.SampleRate,
			d.format.BitDepth, d.format.Channels)
		return true
	}

	return d.failf("unknown container magic % x", d.headerBuf[:4])
}

func (d *PCM) parseWavHeader() bool {
	if len(d.headerBuf) < wavMinHeader {
		return false
	}
	p := d.headerBuf
	if !bytes.Equal(p[:4], []byte("RIFF")) || !bytes.Equal(p[8:12], []byte("WAVE")) {
		return d.failf("invalid WAV header")
	}

	pos := 12
	foundFmt, foundData := false, false
	dataStart := 0

	for pos+8 <= len(p) {
		chunkSize := int(binary.LittleEndian.Uint32(p[pos+4 : pos+8]))

		switch {
		case bytes.Equal(p[pos:pos+4], []byte("fmt ")):
			if pos+8+chunkSize > len(p) {
				return false // need more header data
			}
			audioFormat := binary.LittleEndian.Uint16(p[pos+8 : pos+10])
			isExtensible := audioFormat == wavFormatExtensible

			if isExtensible {
				if chunkSize < 40 {
					return d.failf("EXTENSIBLE fmt chunk too small: %d", chunkSize)
				}
				// SubFormat GUID: first two bytes carry the format code.
				audioFormat = binary.LittleEndian.Uint16(p[pos+8+24 : pos+8+26])
			}

			if audioFormat != wavFormatPCM && audioFormat != wavFormatFloat {
				return d.failf("unsupported WAV format %d", audioFormat)
			}

			d.format.Channels = uint32(binary.LittleEndian.Uint16(p[pos+10 : pos+12]))
			d.format.SampleRate = binary.LittleEndian.Uint32(p[pos+12 : pos+16])
			containerBits := uint32(binary.LittleEndian.Uint16(p[pos+22 : pos+24]))
			d.format.BitDepth = containerBits
			d.containerBits = containerBits

			d.isFloat = audioFormat == wavFormatFloat
			if d.isFloat {
				d.floatBits = containerBits
				d.format.BitDepth = 32
			}

			// Extensible samples stay left-justified in their
			// container word; only the reported depth changes.
			if isExtensible {
				validBits := uint32(binary.LittleEndian.Uint16(p[pos+8+18 : pos+8+20]))
				if validBits > 0 && !d.isFloat {
					d.format.BitDepth = validBits
				}
			}

			d.bigEndian = false
			foundFmt = true

		case bytes.Equal(p[pos:pos+4], []byte("data")):
			d.dataRemaining = uint64(chunkSize)
			dataStart = pos + 8
			foundData = true
		}

		if foundFmt && foundData {
			break
		}
		pos += 8 + chunkSize
		if chunkSize&1 != 0 {
			pos++ // chunks are word-aligned
		}
	}

	if !foundFmt || !foundData {
		return false
	}

	if bpf := uint64(d.sourceBytesPerSample()) * uint64(d.format.Channels); bpf > 0 {
		d.format.TotalSamples = d.dataRemaining / bpf
	}
	d.formatReady = true

	log.Printf("[pcm] WAV: %d Hz, %d-bit, %d ch", d.format.SampleRate,
		d.format.BitDepth, d.format.Channels)

	if dataStart < len(d.headerBuf) {
		d.dataBuf = append(d.dataBuf, d.headerBuf[dataStart:]...)
	}
	d.headerBuf = d.headerBuf[:0]
	d.state = pcmData
	return true
}

func (d *PCM) parseAiffHeader() bool {
	if len(d.headerBuf) < aiffMinHeader {
		return false
	}
	p := d.headerBuf
	if !bytes.Equal(p[:4], []byte("FORM")) ||
		(!bytes.Equal(p[8:12], []byte("AIFF")) && !bytes.Equal(p[8:12], []byte("AIFC"))) {
		return d.failf("invalid AIFF header")
	}

	pos := 12
	foundComm, foundSsnd := false, false
	dataStart := 0

	for pos+8 <= len(p) {
		chunkSize := int(binary.BigEndian.Uint32(p[pos+4 : pos+8]))

		switch {
		case bytes.Equal(p[pos:pos+4], []byte("COMM")):
			if pos+8+chunkSize > len(p) {
				return false
			}
			d.format.Channels = uint32(binary.BigEndian.Uint16(p[pos+8 : pos+10]))
			numFrames := binary.BigEndian.Uint32(p[pos+10 : pos+14])
			d.format.BitDepth = uint32(binary.BigEndian.Uint16(p[pos+14 : pos+16]))
			d.containerBits = d.format.BitDepth
			d.format.SampleRate = extendedToUint32(p[pos+16 : pos+26])
			d.format.TotalSamples = uint64(numFrames)
			d.bigEndian = true
			foundComm = true

		case bytes.Equal(p[pos:pos+4], []byte("SSND")):
			if pos+16 > len(p) {
				return false
			}
			offset := int(binary.BigEndian.Uint32(p[pos+8 : pos+12]))
			d.dataRemaining = uint64(chunkSize - 8) // minus offset+blockSize fields
			dataStart = pos + 16 + offset
			foundSsnd = true
		}

		if foundComm && foundSsnd {
			break
		}
		pos += 8 + chunkSize
		if chunkSize&1 != 0 {
			pos++
		}
	}

	if !foundComm || !foundSsnd {
		return false
	}

	d.formatReady = true

	log.Printf("[pcm] AIFF: %d Hz, %d-bit, %d ch", d.format.SampleRate,
		d.format.BitDepth, d.format.Channels)

	if dataStart < len(d.headerBuf) {
		d.dataBuf = append(d.dataBuf, d.headerBuf[dataStart:]...)
	}
	d.headerBuf = d.headerBuf[:0]
	d.state = pcmData
	return true
}

// convertSamples expands src into MSB-aligned int32 samples. Integer
// sources are sign-extended then shifted left by 32-N; float sources
// are scaled to full scale.
func (d *PCM) convertSamples(src []byte, dst []int32) {
	if d.isFloat {
		d.convertFloat(src, dst)
		return
	}

	bps := d.sourceBytesPerSample()
	n := len(src) / bps

	if d.bigEndian {
		switch bps {
		case 1:
			for i := 0; i < n; i++ {
				dst[i] = int32(int8(src[i])) << 24
			}
		case 2:
			for i := 0; i < n; i++ {
				dst[i] = int32(int16(binary.BigEndian.Uint16(src[i*2:]))) << 16
			}
		case 3:
			for i := 0; i < n; i++ {
				dst[i] = int32(src[i*3])<<24 | int32(src[i*3+1])<<16 | int32(src[i*3+2])<<8
			}
		case 4:
			for i := 0; i < n; i++ {
				dst[i] = int32(binary.BigEndian.Uint32(src[i*4:]))
			}
		}
		return
	}

	switch bps {
	case 1:
		for i := 0; i < n; i++ {
			dst[i] = int32(int8(src[i])) << 24
		}
	case 2:
		for i := 0; i < n; i++ {
			dst[i] = int32(int16(binary.LittleEndian.Uint16(src[i*2:]))) << 16
		}
	case 3:
		for i := 0; i < n; i++ {
			dst[i] = int32(src[i*3+2])<<24 | int32(src[i*3+1])<<16 | int32(src[i*3])<<8
		}
	case 4:
		for i := 0; i < n; i++ {
			dst[i] = int32(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
}

func (d *PCM) convertFloat(src []byte, dst []int32) {
	clamp := func(v float64) int32 {
		v *= 2147483647
		if v > 2147483647 {
			return math.MaxInt32
		}
		if v < -2147483648 {
			return math.MinInt32
		}
		return int32(v)
	}

	if d.floatBits == 64 {
		n := len(src) / 8
		for i := 0; i < n; i++ {
			dst[i] = clamp(math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:])))
		}
		return
	}
	n := len(src) / 4
	for i := 0; i < n; i++ {
		dst[i] = clamp(float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))))
	}
}

// extendedToUint32 converts the 80-bit IEEE extended float AIFF uses
// for its sample rate field.
func extendedToUint32(b []byte) uint32 {
	exponent := int(b[0]&0x7F)<<8 | int(b[1])
	var mantissa uint64
	for i := 0; i < 8; i++ {
		mantissa = mantissa<<8 | uint64(b[2+i])
	}
	if exponent == 0 && mantissa == 0 {
		return 0
	}
	f := math.Ldexp(float64(mantissa), exponent-16383-63)
	return uint32(f + 0.5)
}

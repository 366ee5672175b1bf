// ABOUTME: DSF/DFF container parser producing planar DSD bytes
// ABOUTME: Also passes through raw DSD streams whose format arrives out of band
package dsd

import (
	"bytes"
	"encoding/binary"
	"log"
)

// Container variants.
type Container int

const (
	ContainerDSF Container = iota
	ContainerDFF
	ContainerRaw
)

func (c Container) String() string {
	switch c {
	case ContainerDSF:
		return "dsf"
	case ContainerDFF:
		return "dff"
	case ContainerRaw:
		return "raw"
	}
	return "unknown"
}

// Format describes a parsed DSD stream.
type Format struct {
	SampleRate          uint32 // DSD bit rate, e.g. 2822400 for DSD64
	Channels            uint32
	BlockSizePerChannel uint32 // DSF only, 0 otherwise
	TotalDSDBytes       uint64 // all channels, 0 when unknown
	Container           Container
	LSBFirst            bool // DSF true, DFF/raw false
}

type readerState int

const (
	stateDetect readerState = iota
	stateParseDSF
	stateParseDFF
	stateData
	stateDone
	stateError
)

// StreamReader parses DSF, DFF and raw DSD streams fed from the HTTP
// ingest and emits planar native DSD bytes. It mirrors the Decoder
// contract, with ReadPlanar in place of ReadDecoded.
type StreamReader struct {
	state readerState

	headerBuf []byte
	dataBuf   []byte

	format        Format
	formatReady   bool
	rawConfigured bool

	dataRemaining uint64 // container data bytes still expected, 0 = unbounded
	totalOutput   uint64

	eof      bool
	fatal    bool
	finished bool
}

// DataBufferCap is the staging ceiling callers use to back off the
// HTTP ingest; the buffer itself grows as needed.
const DataBufferCap = 2 << 20

// NewStreamReader creates an empty reader.
func NewStreamReader() *StreamReader {
	return &StreamReader{
		headerBuf: make([]byte, 0, 256),
		dataBuf:   make([]byte, 0, 65536),
	}
}

// Feed pushes raw container bytes. All bytes are always accepted.
func (r *StreamReader) Feed(p []byte) {
	if r.state == stateDone || r.state == stateError {
		return
	}

	switch r.state {
	case stateDetect, stateParseDSF, stateParseDFF:
		r.headerBuf = append(r.headerBuf, p...)
		if r.state == stateDetect {
			r.detectContainer()
		}
		switch r.state {
		case stateParseDSF:
			r.parseDSFHeader()
		case stateParseDFF:
			r.parseDFFHeader()
		}
	case stateData:
		toAdd := uint64(len(p))
		if r.format.TotalDSDBytes > 0 && toAdd > r.dataRemaining {
			toAdd = r.dataRemaining
		}
		r.dataBuf = append(r.dataBuf, p[:toAdd]...)
		if r.dataRemaining > 0 {
			r.dataRemaining -= toAdd
		}
	}
}

// SetEOF signals the end of the HTTP stream.
func (r *StreamReader) SetEOF() { r.eof = true }

// SetRawFormat pre-configures a container-less stream from the strm
// command parameters. Raw DSD is byte-interleaved, MSB first.
func (r *StreamReader) SetRawFormat(dsdRate, channels uint32) {
	r.format = Format{
		SampleRate: dsdRate,
		Channels:   channels,
		Container:  ContainerRaw,
	}
	r.rawConfigured = true
}

func (r *StreamReader) IsFormatReady() bool { return r.formatReady }
func (r *StreamReader) Format() Format      { return r.format }
func (r *StreamReader) IsFinished() bool    { return r.finished }
func (r *StreamReader) HasError() bool      { return r.fatal }

// TotalBytesOutput returns the planar byte count emitted so far;
// always a whole multiple of the channel count.
func (r *StreamReader) TotalBytesOutput() uint64 { return r.totalOutput }

// Buffered returns the bytes staged in the data buffer.
func (r *StreamReader) Buffered() int { return len(r.dataBuf) }

// Flush resets for a new stream.
func (r *StreamReader) Flush() {
	*r = StreamReader{
		headerBuf: r.headerBuf[:0],
		dataBuf:   r.dataBuf[:0],
	}
}

func (r *StreamReader) fail(msg string, args ...any) bool {
	log.Printf("[dsd] "+msg, args...)
	r.state = stateError
	r.fatal = true
	return false
}

func (r *StreamReader) detectContainer() bool {
	if len(r.headerBuf) < 4 {
		return false
	}

	switch {
	case bytes.HasPrefix(r.headerBuf, []byte("DSD ")):
		r.state = stateParseDSF
		log.Printf("[dsd] DSF container detected")
		return true
	case bytes.HasPrefix(r.headerBuf, []byte("FRM8")):
		r.state = stateParseDFF
		log.Printf("[dsd] DFF (DSDIFF) container detected")
		return true
	}

	if r.rawConfigured {
		r.formatReady = true
		r.dataRemaining = 0
		r.dataBuf = append(r.dataBuf, r.headerBuf...)
		r.headerBuf = r.headerBuf[:0]
		r.state = stateData
		log.Printf("[dsd] raw %s: %d Hz, %d ch", RateName(r.format.SampleRate),
			r.format.SampleRate, r.format.Channels)
		return true
	}

	return r.fail("unknown container magic % x", r.headerBuf[:4])
}

// DSF layout: "DSD " chunk (28 B), "fmt " chunk (52 B), "data" chunk
// header (12 B), then block-interleaved audio. All little-endian.
func (r *StreamReader) parseDSFHeader() bool {
	const dsfMinHeader = 28 + 52 + 12
	if len(r.headerBuf) < dsfMinHeader {
		return false
	}
	p := r.headerBuf

	if !bytes.Equal(p[:4], []byte("DSD ")) {
		return r.fail("DSF: invalid DSD chunk magic")
	}
	if !bytes.Equal(p[28:32], []byte("fmt ")) {
		return r.fail("DSF: missing fmt chunk at offset 28")
	}

	fmtChunkSize := binary.LittleEndian.Uint64(p[32:40])
	formatID := binary.LittleEndian.Uint32(p[44:48])
	channelCount := binary.LittleEndian.Uint32(p[52:56])
	sampleRate := binary.LittleEndian.Uint32(p[56:60])
	bitsPerSample := binary.LittleEndian.Uint32(p[60:64])
	sampleCount := binary.LittleEndian.Uint64(p[64:72])
	blockSize := binary.LittleEndian.Uint32(p[72:76])

	if formatID != 0 {
		return r.fail("DSF: unsupported format id %d (want 0 = DSD raw)", formatID)
	}
	if bitsPerSample != 1 {
		log.Printf("[dsd] DSF: bits per sample %d (expected 1)", bitsPerSample)
	}
	if channelCount == 0 || channelCount > 8 {
		return r.fail("DSF: invalid channel count %d", channelCount)
	}
	if blockSize == 0 {
		return r.fail("DSF: invalid block size 0")
	}

	dataChunkOffset := 28 + int(fmtChunkSize)
	if len(p) < dataChunkOffset+12 {
		return false
	}
	if !bytes.Equal(p[dataChunkOffset:dataChunkOffset+4], []byte("data")) {
		return r.fail("DSF: missing data chunk at offset %d", dataChunkOffset)
	}

	dataChunkSize := binary.LittleEndian.Uint64(p[dataChunkOffset+4 : dataChunkOffset+12])
	dataBytes := dataChunkSize - 12

	r.format = Format{
		SampleRate:          sampleRate,
		Channels:            channelCount,
		BlockSizePerChannel: blockSize,
		TotalDSDBytes:       dataBytes,
		Container:           ContainerDSF,
		LSBFirst:            true,
	}
	r.dataRemaining = dataBytes
	r.formatReady = true

	log.Printf("[dsd] DSF: %s (%d Hz), %d ch, block=%d, data=%d bytes, samples/ch=%d",
		RateName(sampleRate), sampleRate, channelCount, blockSize, dataBytes, sampleCount)

	r.moveHeaderTail(dataChunkOffset + 12)
	return true
}

// DFF layout: FRM8(4)+size(8)+"DSD "(4) outer, then big-endian
// sub-chunks: FVER, PROP/SND (FS, CHNL, CMPR) and the "DSD " data
// chunk. Chunks are word-aligned.
func (r *StreamReader) parseDFFHeader() bool {
	if len(r.headerBuf) < 16 {
		return false
	}
	p := r.headerBuf

	if !bytes.Equal(p[:4], []byte("FRM8")) || !bytes.Equal(p[12:16], []byte("DSD ")) {
		return r.fail("DFF: invalid FRM8/DSD header")
	}

	var (
		sampleRate uint32
		channels   uint32
		foundFS    bool
		foundCHNL  bool
		foundData  bool
		dataStart  int
		dataSize   uint64
	)

	pos := 16
	for pos+12 <= len(p) {
		chunkID := p[pos : pos+4]
		chunkSize := binary.BigEndian.Uint64(p[pos+4 : pos+12])

		switch {
		case bytes.Equal(chunkID, []byte("FVER")):
			pos += 12 + int(chunkSize)
			continue

		case bytes.Equal(chunkID, []byte("PROP")):
			if pos+16 > len(p) {
				return false
			}
			if !bytes.Equal(p[pos+12:pos+16], []byte("SND ")) {
				pos += 12 + int(chunkSize)
				continue
			}

			propEnd := pos + 12 + int(chunkSize)
			subPos := pos + 16
			for subPos+12 <= len(p) && subPos+12 <= propEnd {
				subID := p[subPos : subPos+4]
				subSize := binary.BigEndian.Uint64(p[subPos+4 : subPos+12])

				switch {
				case bytes.Equal(subID, []byte("FS  ")):
					if subPos+16 > len(p) {
						return false
					}
					sampleRate = binary.BigEndian.Uint32(p[subPos+12 : subPos+16])
					foundFS = true
				case bytes.Equal(subID, []byte("CHNL")):
					if subPos+14 > len(p) {
						return false
					}
					channels = uint32(binary.BigEndian.Uint16(p[subPos+12 : subPos+14]))
					foundCHNL = true
				case bytes.Equal(subID, []byte("CMPR")):
					if subPos+16 > len(p) {
						return false
					}
					if !bytes.Equal(p[subPos+12:subPos+16], []byte("DSD ")) {
						return r.fail("DFF: compressed DSD not supported")
					}
				}

				subPos += 12 + int(subSize)
				if subPos&1 != 0 {
					subPos++
				}
			}

			pos = propEnd
			if pos&1 != 0 {
				pos++
			}
			continue

		case bytes.Equal(chunkID, []byte("DSD ")):
			dataSize = chunkSize
			dataStart = pos + 12
			foundData = true
		}

		if foundData {
			break
		}
		pos += 12 + int(chunkSize)
		if pos&1 != 0 {
			pos++
		}
	}

	if !foundData {
		return false // need more header data
	}
	if !foundFS || sampleRate == 0 {
		return r.fail("DFF: missing FS (sample rate) chunk")
	}
	if !foundCHNL || channels == 0 {
		return r.fail("DFF: missing CHNL (channels) chunk")
	}

	r.format = Format{
		SampleRate:    sampleRate,
		Channels:      channels,
		TotalDSDBytes: dataSize,
		Container:     ContainerDFF,
	}
	r.dataRemaining = dataSize
	r.formatReady = true

	log.Printf("[dsd] DFF: %s (%d Hz), %d ch, data=%d bytes",
		RateName(sampleRate), sampleRate, channels, dataSize)

	r.moveHeaderTail(dataStart)
	return true
}

// moveHeaderTail shifts audio bytes that arrived with the header into
// the data buffer, respecting the remaining-byte budget.
func (r *StreamReader) moveHeaderTail(dataStart int) {
	if len(r.headerBuf) > dataStart {
		toMove := uint64(len(r.headerBuf) - dataStart)
		if r.dataRemaining > 0 && toMove > r.dataRemaining {
			toMove = r.dataRemaining
		}
		r.dataBuf = append(r.dataBuf, r.headerBuf[dataStart:dataStart+int(toMove)]...)
		if r.dataRemaining > 0 {
			r.dataRemaining -= toMove
		}
	}
	r.headerBuf = r.headerBuf[:0]
	r.state = stateData
}

// ReadPlanar writes planar DSD bytes into out and returns the byte
// count, always a multiple of the channel count.
func (r *StreamReader) ReadPlanar(out []byte) int {
	if r.state != stateData || !r.formatReady {
		return 0
	}

	var n int
	switch r.format.Container {
	case ContainerDSF:
		n = r.readDSFBlocks(out)
	case ContainerDFF, ContainerRaw:
		n = r.readInterleaved(out)
	}

	if n == 0 && len(r.dataBuf) == 0 && r.eof {
		r.finished = true
		r.state = stateDone
	}
	return n
}

// readDSFBlocks emits whole block groups (blockSize bytes of each
// channel in sequence), which are already planar. At EOF a remaining
// tail is emitted if it is channel-aligned.
func (r *StreamReader) readDSFBlocks(out []byte) int {
	group := int(r.format.BlockSizePerChannel) * int(r.format.Channels)
	if group == 0 {
		return 0
	}

	avail := len(r.dataBuf)
	groups := avail / group
	if max := len(out) / group; groups > max {
		groups = max
	}

	if groups == 0 {
		if r.eof && avail > 0 && r.dataRemaining == 0 {
			usable := avail - avail%int(r.format.Channels)
			if lim := len(out) - len(out)%int(r.format.Channels); usable > lim {
				usable = lim
			}
			if usable == 0 {
				return 0
			}
			copy(out, r.dataBuf[:usable])
			r.consume(usable)
			return usable
		}
		return 0
	}

	n := groups * group
	copy(out, r.dataBuf[:n])
	r.consume(n)
	return n
}

// readInterleaved de-interleaves DFF/raw byte-interleaved data.
func (r *StreamReader) readInterleaved(out []byte) int {
	ch := int(r.format.Channels)
	if ch == 0 || len(r.dataBuf) == 0 {
		return 0
	}

	usable := len(r.dataBuf)
	if usable > len(out) {
		usable = len(out)
	}
	usable -= usable % ch
	if usable == 0 {
		return 0
	}

	DeinterleaveToPlanar(r.dataBuf[:usable], out, ch)
	r.consume(usable)
	return usable
}

func (r *StreamReader) consume(n int) {
	r.dataBuf = append(r.dataBuf[:0:0], r.dataBuf[n:]...)
	r.totalOutput += uint64(n)
}

// ABOUTME: Slimproto wire message layouts and code tables
// ABOUTME: strm/audg parsing plus HELO and STAT payload assembly, all big-endian
package slimproto

import (
	"encoding/binary"
	"fmt"
)

// Well-known ports.
const (
	Port     = 3483 // Slimproto TCP control and UDP discovery
	HTTPPort = 9000 // default audio streaming port
)

// Device IDs for HELO.
const (
	DeviceSqueezebox2  = 4
	DeviceTransporter  = 5
	DeviceSqueezeslave = 8
)

// strm sub-commands (byte 0 of the strm payload).
const (
	StrmStart   = 's'
	StrmStop    = 'q'
	StrmPause   = 'p'
	StrmUnpause = 'u'
	StrmFlush   = 'f'
	StrmStatus  = 't'
	StrmSkip    = 'a'
)

// STAT event codes.
const (
	EventConnect    = "STMc" // HTTP connect initiated
	EventDecodeEnd  = "STMd" // decoder reached end of data
	EventFlushed    = "STMf" // stop/flush acknowledged
	EventHeaders    = "STMh" // HTTP response headers received
	EventBufferLow  = "STMl" // prebuffer threshold reached
	EventNotSupp    = "STMn" // decoder error / unsupported
	EventOutputLow  = "STMo" // output underrun
	EventPaused     = "STMp" // pause confirmed
	EventResumed    = "STMr" // resume confirmed
	EventTrackStart = "STMs" // first audio byte to output
	EventTimer      = "STMt" // heartbeat response
	EventUnderrun   = "STMu" // natural end of stream
)

// Wire sizes.
const (
	StrmHeaderLen  = 24
	HeloFixedLen   = 36
	StatPayloadLen = 53
	AudgMinLen     = 18
)

// StrmCommand is the fixed 24-byte header of a strm frame. The rest of
// the frame is the HTTP request the client sends verbatim.
type StrmCommand struct {
	Command         byte // 's','q','p','u','f','t','a'
	Autostart       byte // '0'-'3'
	Format          byte // 'p','f','m','o','u','a','d',...
	PCMSampleSize   byte // '0'-'4' or '?'
	PCMSampleRate   byte // '0'-'9' or '?'
	PCMChannels     byte // '1','2' or '?'
	PCMEndian       byte // '0' big, '1' little, '?'
	Threshold       uint8
	SpdifEnable     byte
	TransPeriod     uint8
	TransType       byte
	Flags           uint8
	OutputThreshold uint8
	// ReplayGain doubles as the pause/heartbeat interval for the
	// p/u/t sub-commands.
	ReplayGain uint32
	ServerPort uint16
	ServerIP   uint32
}

// ParseStrm splits a strm payload into the fixed header and the HTTP
// request tail.
func ParseStrm(p []byte) (StrmCommand, string, error) {
	if len(p) < StrmHeaderLen {
		return StrmCommand{}, "", fmt.Errorf("strm too short: %d bytes", len(p))
	}
	cmd := StrmCommand{
		Command:         p[0],
		Autostart:       p[1],
		Format:          p[2],
		PCMSampleSize:   p[3],
		PCMSampleRate:   p[4],
		PCMChannels:     p[5],
		PCMEndian:       p[6],
		Threshold:       p[7],
		SpdifEnable:     p[8],
		TransPeriod:     p[9],
		TransType:       p[10],
		Flags:           p[11],
		OutputThreshold: p[12],
		// p[13] reserved
		ReplayGain: binary.BigEndian.Uint32(p[14:18]),
		ServerPort: binary.BigEndian.Uint16(p[18:20]),
		ServerIP:   binary.BigEndian.Uint32(p[20:24]),
	}
	return cmd, string(p[StrmHeaderLen:]), nil
}

// AudgCommand is the volume change payload. Gains are 16.16 fixed
// point; playback ignores them to stay bit-perfect.
type AudgCommand struct {
	OldGainLeft  uint32
	OldGainRight uint32
	DVC          uint8
	Preamp       uint8
	NewGainLeft  uint32
	NewGainRight uint32
}

// ParseAudg decodes an audg payload.
func ParseAudg(p []byte) (AudgCommand, error) {
	if len(p) < AudgMinLen {
		return AudgCommand{}, fmt.Errorf("audg too short: %d bytes", len(p))
	}
	return AudgCommand{
		OldGainLeft:  binary.BigEndian.Uint32(p[0:4]),
		OldGainRight: binary.BigEndian.Uint32(p[4:8]),
		DVC:          p[8],
		Preamp:       p[9],
		NewGainLeft:  binary.BigEndian.Uint32(p[10:14]),
		NewGainRight: binary.BigEndian.Uint32(p[14:18]),
	}, nil
}

// SampleRateFromCode maps a strm PCM rate code to Hz; 0 means the
// stream describes itself.
func SampleRateFromCode(code byte) uint32 {
	switch code {
	case '0':
		return 11025
	case '1':
		return 22050
	case '2':
		return 32000
	case '3':
		return 44100
	case '4':
		return 48000
	case '5':
		return 8000
	case '6':
		return 12000
	case '7':
		return 16000
	case '8':
		return 24000
	case '9':
		return 96000
	}
	return 0
}

// SampleSizeFromCode maps a strm PCM size code to bits; 0 means
// self-describing.
func SampleSizeFromCode(code byte) uint32 {
	switch code {
	case '0':
		return 8
	case '1':
		return 16
	case '2':
		return 20
	case '3':
		return 24
	case '4':
		return 32
	}
	return 0
}

// ChannelsFromCode maps a strm channel code; 0 means self-describing.
func ChannelsFromCode(code byte) uint32 {
	switch code {
	case '1':
		return 1
	case '2':
		return 2
	}
	return 0
}

// statCounters is the mutable state reflected into every STAT frame.
type statCounters struct {
	streamBufSize uint32
	streamBufFull uint32
	bytesReceived uint64
	jiffies       uint32
	outputBufSize uint32
	outputBufFull uint32
	elapsedSec    uint32
	elapsedMs     uint32
	timestamp     uint32
}

// buildStat assembles the 53-byte STAT payload.
func buildStat(event string, c statCounters) []byte {
	p := make([]byte, StatPayloadLen)
	copy(p[0:4], event)
	// p[4:7]: crlf, MAS init, MAS mode — all zero
	binary.BigEndian.PutUint32(p[7:11], c.streamBufSize)
	binary.BigEndian.PutUint32(p[11:15], c.streamBufFull)
	binary.BigEndian.PutUint32(p[15:19], uint32(c.bytesReceived>>32))
	binary.BigEndian.PutUint32(p[19:23], uint32(c.bytesReceived))
	binary.BigEndian.PutUint16(p[23:25], 0xFFFF) // wired: no signal strength
	binary.BigEndian.PutUint32(p[25:29], c.jiffies)
	binary.BigEndian.PutUint32(p[29:33], c.outputBufSize)
	binary.BigEndian.PutUint32(p[33:37], c.outputBufFull)
	binary.BigEndian.PutUint32(p[37:41], c.elapsedSec)
	// p[41:43]: voltage, zero
	binary.BigEndian.PutUint32(p[43:47], c.elapsedMs)
	binary.BigEndian.PutUint32(p[47:51], c.timestamp)
	// p[51:53]: error code, zero
	return p
}

// buildHelo assembles the HELO payload: 36 fixed bytes followed by the
// capabilities string.
func buildHelo(deviceID, revision byte, mac [6]byte, uuid [16]byte, caps string) []byte {
	p := make([]byte, HeloFixedLen, HeloFixedLen+len(caps))
	p[0] = deviceID
	p[1] = revision
	copy(p[2:8], mac[:])
	copy(p[8:24], uuid[:])
	// p[24:26] wlan channels, p[26:34] bytes received — zero
	p[34] = 'e'
	p[35] = 'n'
	return append(p, caps...)
}

// ABOUTME: FLAC stream decoder
// ABOUTME: Runs mewkiz/flac frame parsing over the feed buffer
package decode

import (
	"errors"
	"io"
	"log"

	"github.com/mewkiz/flac"

	"github.com/cometdom/slim2Diretta/internal/logging"
)

// NewFLAC creates the FLAC decoder. Metadata (including large album
// art blocks) is consumed before the format becomes ready; with a
// partial stream the decode goroutine simply waits for more input.
func NewFLAC() Decoder {
	return newPump(runFLAC)
}

func runFLAC(p *pump, r io.Reader) {
	stream, err := flac.New(r)
	if err != nil {
		if !errors.Is(err, errFlushed) {
			log.Printf("[flac] header parse: %v", err)
			p.fail()
		}
		return
	}

	info := stream.Info
	shift := uint(32 - info.BitsPerSample)
	p.setFormat(Format{
		SampleRate:   info.SampleRate,
		BitDepth:     uint32(info.BitsPerSample),
		Channels:     uint32(info.NChannels),
		TotalSamples: info.NSamples,
	})
	log.Printf("[flac] format: %d Hz, %d-bit, %d ch", info.SampleRate,
		info.BitsPerSample, info.NChannels)

	badFrames := 0
	var interleaved []int32

	for {
		frame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if errors.Is(err, errFlushed) {
				return
			}
			// CRC mismatches and lost sync happen on live radio
			// streams; the parser hunts for the next frame header.
			badFrames++
			logging.Debugf("[flac] frame error (%d): %v", badFrames, err)
			if badFrames >= 8 {
				log.Printf("[flac] unrecoverable bitstream: %v", err)
				p.fail()
				return
			}
			continue
		}
		badFrames = 0

		channels := len(frame.Subframes)
		if channels == 0 {
			continue
		}
		blocksize := len(frame.Subframes[0].Samples)
		if cap(interleaved) < blocksize*channels {
			interleaved = make([]int32, blocksize*channels)
		}
		interleaved = interleaved[:blocksize*channels]

		for i := 0; i < blocksize; i++ {
			for ch := 0; ch < channels; ch++ {
				interleaved[i*channels+ch] = frame.Subframes[ch].Samples[i] << shift
			}
		}
		p.push(interleaved)
	}
}

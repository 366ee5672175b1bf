// ABOUTME: Ogg Opus stream decoder
// ABOUTME: Runs hraban/opus stream decoding over the feed buffer
package decode

import (
	"errors"
	"io"
	"log"

	opus "gopkg.in/hraban/opus.v2"
)

// Opus always decodes at 48 kHz; the stream layer folds multistream
// channel maps down to stereo.
const (
	opusRate     = 48000
	opusChannels = 2
)

// NewOpus creates the Ogg Opus decoder.
func NewOpus() Decoder {
	return newPump(runOpus)
}

func runOpus(p *pump, r io.Reader) {
	stream, err := opus.NewStream(r)
	if err != nil {
		if !errors.Is(err, errFlushed) {
			log.Printf("[opus] stream init: %v", err)
			p.fail()
		}
		return
	}
	defer stream.Close()

	p.setFormat(Format{
		SampleRate: opusRate,
		BitDepth:   16,
		Channels:   opusChannels,
	})
	log.Printf("[opus] format: %d Hz, %d ch", opusRate, opusChannels)

	pcm := make([]int16, 5760*opusChannels)
	samples := make([]int32, len(pcm))

	for {
		n, err := stream.Read(pcm)
		if n > 0 {
			total := n * opusChannels
			for i := 0; i < total; i++ {
				samples[i] = int32(pcm[i]) << 16
			}
			p.push(samples[:total])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, errFlushed) {
				log.Printf("[opus] decode: %v", err)
				p.fail()
			}
			return
		}
	}
}

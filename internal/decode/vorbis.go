// ABOUTME: Ogg Vorbis stream decoder
// ABOUTME: Runs jfreymuth/oggvorbis over the feed buffer
package decode

import (
	"errors"
	"io"
	"log"

	"github.com/jfreymuth/oggvorbis"

	"github.com/cometdom/slim2Diretta/internal/logging"
)

// NewVorbis creates the Ogg Vorbis decoder. Data gaps are warnings on
// lossy radio streams; chained streams re-publish the format.
func NewVorbis() Decoder {
	return newPump(runVorbis)
}

func runVorbis(p *pump, r io.Reader) {
	dec, err := oggvorbis.NewReader(r)
	if err != nil {
		if !errors.Is(err, errFlushed) {
			log.Printf("[vorbis] header parse: %v", err)
			p.fail()
		}
		return
	}

	publish := func() {
		p.setFormat(Format{
			SampleRate: uint32(dec.SampleRate()),
			BitDepth:   32,
			Channels:   uint32(dec.Channels()),
		})
		log.Printf("[vorbis] format: %d Hz, %d ch", dec.SampleRate(), dec.Channels())
	}
	publish()
	rate, channels := dec.SampleRate(), dec.Channels()

	buf := make([]float32, 4096)
	samples := make([]int32, len(buf))
	gaps := 0

	for {
		n, err := dec.Read(buf)
		if n > 0 {
			gaps = 0
			// Chained streams may switch formats between links.
			if dec.SampleRate() != rate || dec.Channels() != channels {
				rate, channels = dec.SampleRate(), dec.Channels()
				publish()
			}
			for i := 0; i < n; i++ {
				samples[i] = floatToInt32(buf[i])
			}
			p.push(samples[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errFlushed) {
				return
			}
			// Holes in the Ogg stream are ordinary for radio.
			gaps++
			logging.Debugf("[vorbis] stream gap (%d): %v", gaps, err)
			if gaps >= 8 {
				log.Printf("[vorbis] unrecoverable bitstream: %v", err)
				p.fail()
				return
			}
			continue
		}
	}
}

func floatToInt32(v float32) int32 {
	f := float64(v) * 2147483647
	if f > 2147483647 {
		return 2147483647
	}
	if f < -2147483648 {
		return -2147483648
	}
	return int32(f)
}

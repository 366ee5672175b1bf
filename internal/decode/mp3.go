// ABOUTME: MP3 stream decoder
// ABOUTME: Runs hajimehoshi/go-mp3 over the feed buffer
package decode

import (
	"encoding/binary"
	"errors"
	"io"
	"log"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// NewMP3 creates the MP3 decoder. go-mp3 scans forward past garbage
// to the first sync word, which is what keeps internet radio streams
// alive across truncated frames.
func NewMP3() Decoder {
	return newPump(runMP3)
}

func runMP3(p *pump, r io.Reader) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		if !errors.Is(err, errFlushed) {
			log.Printf("[mp3] decoder init: %v", err)
			p.fail()
		}
		return
	}

	// go-mp3 always emits 16-bit little-endian stereo.
	p.setFormat(Format{
		SampleRate: uint32(dec.SampleRate()),
		BitDepth:   16,
		Channels:   2,
	})
	log.Printf("[mp3] format: %d Hz, 2 ch", dec.SampleRate())

	buf := make([]byte, 8192)
	samples := make([]int32, 0, len(buf)/2)

	for {
		n, err := dec.Read(buf)
		if n > 0 {
			samples = samples[:0]
			for i := 0; i+1 < n; i += 2 {
				s := int16(binary.LittleEndian.Uint16(buf[i:]))
				samples = append(samples, int32(s)<<16)
			}
			p.push(samples)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, errFlushed) {
				log.Printf("[mp3] decode: %v", err)
				p.fail()
			}
			return
		}
	}
}

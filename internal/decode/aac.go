// ABOUTME: AAC stream decoder for ADTS transport
// ABOUTME: Runs fdk-aac over locally framed ADTS input, HE-AAC v2 included
package decode

import (
	"encoding/binary"
	"errors"
	"io"
	"log"

	"github.com/winlinvip/go-fdkaac/fdkaac"

	"github.com/cometdom/slim2Diretta/internal/logging"
)

// NewAAC creates the ADTS AAC decoder. The reported sample rate is the
// output rate, which already includes SBR doubling for HE-AAC; v2
// parametric stereo arrives as two channels.
func NewAAC() Decoder {
	return newPump(runAAC)
}

func runAAC(p *pump, r io.Reader) {
	dec := fdkaac.NewAacDecoder()
	if err := dec.InitAdts(); err != nil {
		log.Printf("[aac] decoder init: %v", err)
		p.fail()
		return
	}
	defer dec.Close()

	var framer adtsFramer
	readBuf := make([]byte, 8192)
	var samples []int32
	ready := false
	badFrames := 0

	for {
		n, err := r.Read(readBuf)
		if n > 0 {
			framer.Append(readBuf[:n])
		}

		for {
			frame := framer.Next()
			if frame == nil {
				break
			}
			pcm, derr := dec.Decode(frame)
			if derr != nil {
				// Transport sync errors: drop the frame and resync.
				badFrames++
				logging.Debugf("[aac] frame error (%d): %v", badFrames, derr)
				if badFrames >= 64 {
					log.Printf("[aac] unrecoverable bitstream: %v", derr)
					p.fail()
					return
				}
				continue
			}
			badFrames = 0
			if len(pcm) == 0 {
				continue // decoder delay, no output yet
			}

			if !ready {
				p.setFormat(Format{
					SampleRate: uint32(dec.SampleRate()),
					BitDepth:   16,
					Channels:   uint32(dec.Channels()),
				})
				log.Printf("[aac] format: %d Hz, %d ch", dec.SampleRate(), dec.Channels())
				ready = true
			}

			count := len(pcm) / 2
			if cap(samples) < count {
				samples = make([]int32, count)
			}
			samples = samples[:count]
			for i := 0; i < count; i++ {
				samples[i] = int32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) << 16
			}
			p.push(samples)
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, errFlushed) {
				log.Printf("[aac] read: %v", err)
				p.fail()
			}
			return
		}
	}
}

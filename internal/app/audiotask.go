// ABOUTME: Per-track audio goroutine
// ABOUTME: HTTP ingest, decode cache, prebuffer and paced pushes into the sink
package app

import (
	"log"
	"time"

	"github.com/cometdom/slim2Diretta/internal/audio"
	"github.com/cometdom/slim2Diretta/internal/decode"
	"github.com/cometdom/slim2Diretta/internal/dsd"
	"github.com/cometdom/slim2Diretta/internal/logging"
	"github.com/cometdom/slim2Diretta/internal/slimproto"
	"github.com/cometdom/slim2Diretta/internal/stream"
)

const (
	httpReadTimeout = 2 * time.Millisecond
	prebufferMs     = 500

	// Decode cache ceiling: about two seconds of 192 kHz stereo.
	cacheCapSamples = 192000 * 2 * 2

	// Compact the cache once this many samples are consumed.
	cacheCompactAt = 100_000

	// One steady-state push into the sink.
	pushChunkFrames = 1024

	// High-water mark on the sink ring.
	sinkHighWater = 0.95

	// DSD planar scratch. Kept small: a planar block is laid out
	// [all-of-L][all-of-R] and must land in the ring in one piece.
	dsdScratchBytes = 16 << 10

	progressLogEvery = 10 * time.Second
)

// runAudio drives one track to completion or cancellation.
func (p *Player) runAudio(cmd slimproto.StrmCommand, httpClient *stream.Client,
	client *slimproto.Client, stop <-chan struct{}) {

	if cmd.Format == decode.FormatDSD {
		p.runAudioDSD(httpClient, client, stop)
		return
	}

	dec := decode.New(cmd.Format)
	if dec == nil {
		log.Printf("unsupported stream format %q", cmd.Format)
		client.SendStat(slimproto.EventNotSupp, 0)
		return
	}
	defer dec.Flush()

	// Container-less PCM: the strm command carries the format.
	if cmd.Format == decode.FormatPCM {
		rate := slimproto.SampleRateFromCode(cmd.PCMSampleRate)
		bits := slimproto.SampleSizeFromCode(cmd.PCMSampleSize)
		channels := slimproto.ChannelsFromCode(cmd.PCMChannels)
		if rate != 0 && bits != 0 && channels != 0 {
			dec.SetRawPCMFormat(rate, bits, channels, cmd.PCMEndian == '0')
		}
	}

	var (
		cache     []int32
		cacheRead int
		readBuf   = make([]byte, 16384)
		decBuf    = make([]int32, 4096*8)
		httpEOF   bool
		sinkOpen  bool
		started   bool
		trackFmt  audio.Format
		decFmt    decode.Format
		pushed    uint64
		underruns uint64
		lastLog   = time.Now()
	)

	fail := func(event string) {
		client.SendStat(event, 0)
		p.sink.Stop(false)
	}

	for p.running.Load() {
		select {
		case <-stop:
			return
		default:
		}

		if p.paused.Load() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		progress := false

		// HTTP ingest, backed off while the cache is full.
		if !httpEOF && len(cache)-cacheRead < cacheCapSamples {
			n, err := httpClient.ReadTimeout(readBuf, httpReadTimeout)
			if n > 0 {
				dec.Feed(readBuf[:n])
				client.UpdateStreamBytes(httpClient.BytesReceived())
				progress = true
			}
			if err != nil {
				logging.Debugf("audio stream ended: %v", err)
				httpEOF = true
				dec.SetEOF()
			}
		}

		// Decoder drain into the cache.
		if len(cache)-cacheRead < cacheCapSamples {
			if n := dec.ReadDecoded(decBuf, 4096); n > 0 {
				channels := int(dec.Format().Channels)
				cache = append(cache, decBuf[:n*channels]...)
				progress = true
			}
		}

		if dec.HasError() {
			log.Printf("decoder failed, aborting track")
			fail(slimproto.EventNotSupp)
			return
		}

		// Format detection.
		if !sinkOpen && dec.IsFormatReady() && trackFmt.SampleRate == 0 {
			decFmt = dec.Format()
			trackFmt = audio.Format{
				SampleRate:  decFmt.SampleRate,
				BitDepth:    32,
				Channels:    decFmt.Channels,
				Compression: string([]byte{cmd.Format}),
			}
			if int(decFmt.SampleRate) > p.cfg.MaxSampleRate {
				log.Printf("stream rate %d exceeds limit %d", decFmt.SampleRate, p.cfg.MaxSampleRate)
				fail(slimproto.EventNotSupp)
				return
			}
			log.Printf("track format: %s (source %d-bit)", trackFmt, decFmt.BitDepth)
		}

		// Prebuffer, then open the sink and hand it the whole cache.
		if !sinkOpen && trackFmt.SampleRate != 0 {
			threshold := int(trackFmt.SampleRate) * prebufferMs / 1000 * int(trackFmt.Channels)
			if len(cache)-cacheRead >= threshold || httpEOF {
				if err := p.sink.Open(trackFmt); err != nil {
					log.Printf("sink open failed: %v", err)
					fail(slimproto.EventNotSupp)
					return
				}
				client.SendStat(slimproto.EventTrackStart, 0)
				started = true

				// The ring starts empty; the prebuffer fits without
				// flow control.
				pushed += p.pushSamples(cache[cacheRead:], trackFmt)
				cacheRead = len(cache)
				client.SendStat(slimproto.EventBufferLow, 0)
				sinkOpen = true
				progress = true
			}
		}

		// Steady-state push.
		if sinkOpen && cacheRead < len(cache) {
			if p.sink.BufferLevel() > sinkHighWater {
				time.Sleep(time.Millisecond)
			} else {
				n := len(cache) - cacheRead
				if limit := pushChunkFrames * int(trackFmt.Channels); n > limit {
					n = limit
				}
				n -= n % int(trackFmt.Channels)
				if n > 0 {
					pushed += p.pushSamples(cache[cacheRead:cacheRead+n], trackFmt)
					cacheRead += n
					progress = true
				}
			}
		}

		// Elapsed time accounting.
		if sinkOpen && trackFmt.SampleRate != 0 {
			frames := pushed / uint64(trackFmt.Channels)
			elapsedMs := frames * 1000 / uint64(trackFmt.SampleRate)
			client.UpdateElapsed(uint32(elapsedMs/1000), uint32(elapsedMs))
			p.updateBufferStats(client)
			underruns = p.reportUnderruns(client, underruns)

			if time.Since(lastLog) >= progressLogEvery {
				lastLog = time.Now()
				logging.Debugf("playing: %d:%02d elapsed, buffer %.0f%%",
					elapsedMs/60000, elapsedMs/1000%60, p.sink.BufferLevel()*100)
			}
		}

		// Cache compaction.
		if cacheRead > cacheCompactAt {
			cache = append(cache[:0:0], cache[cacheRead:]...)
			cacheRead = 0
		}

		// End of track: input consumed, decoder drained, cache pushed.
		if httpEOF && dec.IsFinished() && cacheRead == len(cache) {
			if started {
				client.SendStat(slimproto.EventDecodeEnd, 0)
				p.drainSink(stop)
				client.SendStat(slimproto.EventUnderrun, 0)
			} else {
				fail(slimproto.EventNotSupp)
			}
			return
		}

		if !progress {
			time.Sleep(time.Millisecond)
		}
	}
}

// pushSamples feeds int32 samples into the sink with flow control,
// returning the number of samples accepted (always all of them unless
// the track is cancelled).
func (p *Player) pushSamples(samples []int32, f audio.Format) uint64 {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		buf[i*4] = byte(s)
		buf[i*4+1] = byte(s >> 8)
		buf[i*4+2] = byte(s >> 16)
		buf[i*4+3] = byte(s >> 24)
	}

	total := 0
	for total < len(buf) && p.running.Load() {
		n := p.sink.SendAudio(buf[total:], (len(buf)-total)/f.BytesPerFrame())
		total += n
		if total < len(buf) {
			p.sink.WaitForSpace(100 * time.Millisecond)
		}
	}
	return uint64(total / 4)
}

func (p *Player) updateBufferStats(client *slimproto.Client) {
	size, fill := p.sink.BufferState()
	client.UpdateBufferState(size, fill, size, fill)
}

// reportUnderruns emits STMo when the worker ran the ring dry since
// the last check. Returns the new baseline.
func (p *Player) reportUnderruns(client *slimproto.Client, last uint64) uint64 {
	now := p.sink.Stats().Underruns
	if now > last {
		log.Printf("output underrun (%d total)", now)
		client.SendStat(slimproto.EventOutputLow, 0)
	}
	return now
}

// drainSink lets the worker play out the ring before the end of track
// is announced.
func (p *Player) drainSink(stop <-chan struct{}) {
	deadline := time.Now().Add(30 * time.Second)
	for p.running.Load() && time.Now().Before(deadline) {
		select {
		case <-stop:
			return
		default:
		}
		if p.sink.BufferLevel() == 0 {
			return
		}
		if !p.sink.WaitForSpace(100 * time.Millisecond) {
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

// runAudioDSD is the DSD variant: no decode cache, the reader's data
// buffer is the only staging area, and planar blocks go to the sink in
// small whole pieces.
func (p *Player) runAudioDSD(httpClient *stream.Client, client *slimproto.Client,
	stop <-chan struct{}) {

	reader := dsd.NewStreamReader()
	defer reader.Flush()

	var (
		readBuf  = make([]byte, 16384)
		scratch  = make([]byte, dsdScratchBytes)
		httpEOF  bool
		sinkOpen bool
		started  bool
		trackFmt audio.Format
		pushedB  uint64
		underrun uint64
		lastLog  = time.Now()
	)

	fail := func(event string) {
		client.SendStat(event, 0)
		p.sink.Stop(false)
	}

	for p.running.Load() {
		select {
		case <-stop:
			return
		default:
		}

		if p.paused.Load() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		progress := false

		if !httpEOF && reader.Buffered() < dsd.DataBufferCap {
			n, err := httpClient.ReadTimeout(readBuf, httpReadTimeout)
			if n > 0 {
				reader.Feed(readBuf[:n])
				client.UpdateStreamBytes(httpClient.BytesReceived())
				progress = true
			}
			if err != nil {
				logging.Debugf("audio stream ended: %v", err)
				httpEOF = true
				reader.SetEOF()
			}
		}

		if reader.HasError() {
			log.Printf("DSD stream parse failed, aborting track")
			fail(slimproto.EventNotSupp)
			return
		}

		if !sinkOpen && reader.IsFormatReady() {
			f := reader.Format()
			trackFmt = audio.Format{
				SampleRate:  f.SampleRate,
				BitDepth:    1,
				Channels:    f.Channels,
				IsDSD:       true,
				Container:   f.Container.String(),
				Compression: "dsd",
			}
			if int(f.SampleRate) > p.cfg.MaxSampleRate {
				log.Printf("DSD rate %d exceeds limit %d", f.SampleRate, p.cfg.MaxSampleRate)
				fail(slimproto.EventNotSupp)
				return
			}

			// Prebuffer target in bytes, capped at three quarters of
			// the reader's staging ceiling.
			target := trackFmt.BytesPerSecond() * prebufferMs / 1000
			if ceiling := dsd.DataBufferCap * 3 / 4; target > ceiling {
				target = ceiling
			}
			if reader.Buffered() >= target || httpEOF {
				if err := p.sink.Open(trackFmt); err != nil {
					log.Printf("sink open failed: %v", err)
					fail(slimproto.EventNotSupp)
					return
				}
				log.Printf("track format: %s", trackFmt)
				client.SendStat(slimproto.EventTrackStart, 0)
				started = true
				sinkOpen = true
				client.SendStat(slimproto.EventBufferLow, 0)
				progress = true
			}
		}

		if sinkOpen {
			if p.sink.BufferLevel() > sinkHighWater {
				time.Sleep(time.Millisecond)
			} else if n := reader.ReadPlanar(scratch); n > 0 {
				// A planar block must land whole: the right-channel
				// offset inside the block is derived from its size.
				p.pushPlanar(scratch[:n])
				pushedB += uint64(n)
				progress = true
			}
		}

		if sinkOpen && trackFmt.SampleRate != 0 {
			bps := uint64(trackFmt.BytesPerSecond())
			elapsedMs := pushedB * 1000 / bps
			client.UpdateElapsed(uint32(elapsedMs/1000), uint32(elapsedMs))
			p.updateBufferStats(client)
			underrun = p.reportUnderruns(client, underrun)

			if time.Since(lastLog) >= progressLogEvery {
				lastLog = time.Now()
				logging.Debugf("playing %s: %d:%02d elapsed, buffer %.0f%%",
					dsd.RateName(trackFmt.SampleRate),
					elapsedMs/60000, elapsedMs/1000%60, p.sink.BufferLevel()*100)
			}
		}

		if httpEOF && reader.IsFinished() {
			if started {
				client.SendStat(slimproto.EventDecodeEnd, 0)
				p.drainSink(stop)
				client.SendStat(slimproto.EventUnderrun, 0)
			} else {
				fail(slimproto.EventNotSupp)
			}
			return
		}

		if !progress {
			time.Sleep(time.Millisecond)
		}
	}
}

// pushPlanar writes one planar DSD block into the sink without
// splitting it: the right-channel offset inside the block is derived
// from its size, so a torn write would corrupt the right channel.
func (p *Player) pushPlanar(block []byte) {
	for p.running.Load() {
		size, fill := p.sink.BufferState()
		if int(size)-int(fill) >= len(block) {
			if p.sink.SendAudio(block, len(block)) == len(block) {
				return
			}
		}
		p.sink.WaitForSpace(100 * time.Millisecond)
	}
}

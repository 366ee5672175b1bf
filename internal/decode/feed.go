// ABOUTME: Feed buffer and decode pump shared by the library-backed decoders
// ABOUTME: Bridges the non-blocking Feed/ReadDecoded contract onto blocking io.Reader codecs
package decode

import (
	"errors"
	"io"
	"sync"
)

// errFlushed aborts the decode goroutine's pending read during Flush.
var errFlushed = errors.New("decode: flushed")

// feedBuffer is an unbounded byte queue with a blocking reader side.
// Feed appends without blocking; Read blocks until bytes, EOF or close.
type feedBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	pos    int
	eof    bool
	closed bool
}

func newFeedBuffer() *feedBuffer {
	b := &feedBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *feedBuffer) Append(p []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *feedBuffer) SetEOF() {
	b.mu.Lock()
	b.eof = true
	b.mu.Unlock()
	b.cond.Signal()
}

// Close aborts a blocked Read. Used by Flush only.
func (b *feedBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *feedBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.pos == len(b.buf) && !b.eof && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, errFlushed
	}
	if b.pos == len(b.buf) {
		return 0, io.EOF
	}

	n := copy(p, b.buf[b.pos:])
	b.pos += n

	// Drop the consumed prefix once it dominates the buffer.
	if b.pos > 64<<10 && b.pos*2 > len(b.buf) {
		b.buf = append(b.buf[:0:0], b.buf[b.pos:]...)
		b.pos = 0
	}
	return n, nil
}

// pump is the shared state of a library-backed decoder: a decode
// goroutine reads the feed buffer through the codec library and
// appends int32 samples; ReadDecoded drains them without blocking.
type pump struct {
	feed *feedBuffer

	mu      sync.Mutex
	out     []int32
	format  Format
	ready   bool
	fatal   bool
	decoded uint64
	runDone bool
	done    chan struct{}

	run func(p *pump, r io.Reader)
}

func newPump(run func(p *pump, r io.Reader)) *pump {
	p := &pump{run: run}
	p.start()
	return p
}

func (p *pump) start() {
	p.feed = newFeedBuffer()
	p.done = make(chan struct{})
	go func(fb *feedBuffer, done chan struct{}) {
		p.run(p, fb)
		p.mu.Lock()
		p.runDone = true
		p.mu.Unlock()
		close(done)
	}(p.feed, p.done)
}

func (p *pump) Feed(b []byte) { p.feed.Append(b) }

func (p *pump) SetEOF() { p.feed.SetEOF() }

// setFormat publishes the stream format from the decode goroutine.
func (p *pump) setFormat(f Format) {
	p.mu.Lock()
	p.format = f
	p.ready = true
	p.mu.Unlock()
}

// push appends decoded interleaved samples from the decode goroutine.
func (p *pump) push(samples []int32) {
	p.mu.Lock()
	p.out = append(p.out, samples...)
	p.mu.Unlock()
}

// fail latches a fatal decoder error.
func (p *pump) fail() {
	p.mu.Lock()
	p.fatal = true
	p.mu.Unlock()
}

func (p *pump) ReadDecoded(out []int32, maxFrames int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready || p.format.Channels == 0 {
		return 0
	}
	ch := int(p.format.Channels)
	frames := len(p.out) / ch
	if frames > maxFrames {
		frames = maxFrames
	}
	if frames > len(out)/ch {
		frames = len(out) / ch
	}
	if frames == 0 {
		return 0
	}
	n := frames * ch
	copy(out, p.out[:n])
	p.out = append(p.out[:0:0], p.out[n:]...)
	p.decoded += uint64(frames)
	return frames
}

func (p *pump) IsFormatReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *pump) Format() Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

func (p *pump) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runDone && len(p.out) == 0 && !p.fatal
}

func (p *pump) HasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

func (p *pump) DecodedSamples() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decoded
}

func (p *pump) Flush() {
	p.feed.Close()
	<-p.done

	p.mu.Lock()
	p.out = nil
	p.format = Format{}
	p.ready = false
	p.fatal = false
	p.decoded = 0
	p.runDone = false
	p.mu.Unlock()

	p.start()
}

// SetRawPCMFormat is meaningful only for the container PCM decoder.
func (p *pump) SetRawPCMFormat(uint32, uint32, uint32, bool) {}

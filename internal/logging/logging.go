// ABOUTME: Logging configuration shared by all components
// ABOUTME: Verbosity gate plus the async writer used in verbose mode
package logging

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
)

var (
	verbose atomic.Bool
	quiet   atomic.Bool
)

// SetVerbose enables debug output.
func SetVerbose(v bool) { verbose.Store(v) }

// SetQuiet suppresses Infof output. Lines written with log.Printf
// directly are not filtered.
func SetQuiet(q bool) { quiet.Store(q) }

// Verbose reports whether debug output is enabled.
func Verbose() bool { return verbose.Load() }

// Debugf logs only in verbose mode. Hot paths call this freely; the
// format arguments are not evaluated into a string unless enabled.
func Debugf(format string, args ...any) {
	if verbose.Load() {
		log.Printf(format, args...)
	}
}

// Infof logs unless quiet mode is set.
func Infof(format string, args ...any) {
	if !quiet.Load() {
		log.Printf(format, args...)
	}
}

// AsyncWriter decouples log writes from the calling goroutine. Writes
// are queued on a channel drained by a dedicated goroutine; a full
// queue drops the entry rather than blocking the audio path.
type AsyncWriter struct {
	dst     io.Writer
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewAsyncWriter starts the drain goroutine over dst.
func NewAsyncWriter(dst io.Writer) *AsyncWriter {
	w := &AsyncWriter{
		dst:  dst,
		ch:   make(chan []byte, 1024),
		done: make(chan struct{}),
	}
	go w.drain()
	return w
}

// Write queues p. It never blocks; entries are dropped when the drain
// goroutine cannot keep up.
func (w *AsyncWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case w.ch <- cp:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped returns the number of discarded log entries.
func (w *AsyncWriter) Dropped() uint64 { return w.dropped.Load() }

// Close flushes pending entries and stops the drain goroutine.
func (w *AsyncWriter) Close() error {
	w.once.Do(func() { close(w.ch) })
	<-w.done
	if n := w.dropped.Load(); n > 0 {
		fmt.Fprintf(w.dst, "logging: %d entries dropped\n", n)
	}
	return nil
}

func (w *AsyncWriter) drain() {
	defer close(w.done)
	for p := range w.ch {
		w.dst.Write(p)
	}
}
